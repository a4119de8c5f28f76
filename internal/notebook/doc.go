// Package notebook loads Jupyter notebooks and injects configuration as
// notebook parameters.
//
// A notebook declares its parameters in one code cell, the first cell tagged
// "parameters" or else the first code cell, as simple assignments:
//
//	token = "dev"        # str
//	limit = 3            # int
//	dry_run = False      # bool
//	config = {}          # receives every configured value
//
// ParseFile builds a Template once; Template.Instantiate produces an
// independent Document for each run with the parameter lines rewritten.
// Values are validated against the declared literal types.
package notebook
