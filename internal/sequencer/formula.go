package sequencer

import (
	"fmt"
	"strings"
)

// Formula maps a finished notebook position to a reported progress value.
type Formula string

// Supported formulas.
const (
	// FormulaObserved reports floor(100/(index+1)): 100, 50, 33 for three
	// notebooks. This is the value legacy clients expect.
	FormulaObserved Formula = "observed"
	// FormulaCompleted reports the completed share: 33, 66, 100.
	FormulaCompleted Formula = "completed"
	// FormulaOriginal reports floor(total*100/(index+1)): 300, 150, 100 for
	// three notebooks. Values exceed 100 until the last notebook finishes.
	FormulaOriginal Formula = "original"
)

// ParseFormula resolves a configured formula name. Empty selects FormulaObserved.
func ParseFormula(name string) (Formula, error) {
	switch f := Formula(strings.ToLower(strings.TrimSpace(name))); f {
	case "":
		return FormulaObserved, nil
	case FormulaObserved, FormulaCompleted, FormulaOriginal:
		return f, nil
	default:
		return "", fmt.Errorf("unknown progress formula %q", name)
	}
}

// Progress returns the value reported after notebook index of total succeeds.
func (f Formula) Progress(index, total int) int {
	if index < 0 {
		return 0
	}
	switch f {
	case FormulaCompleted:
		if total <= 0 {
			return 100
		}
		return (index + 1) * 100 / total
	case FormulaOriginal:
		if total <= 0 {
			return 0
		}
		return total * 100 / (index + 1)
	default:
		return 100 / (index + 1)
	}
}
