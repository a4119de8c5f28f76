package notebook

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrParameterType signals a configuration value that does not fit the
// parameter's declared type.
var ErrParameterType = errors.New("parameter type mismatch")

// ParametersTag marks the cell holding parameter definitions.
const ParametersTag = "parameters"

// Type is the declared type of a notebook parameter, taken from its default.
type Type string

// Supported parameter types.
const (
	TypeString Type = "str"
	TypeInt    Type = "int"
	TypeFloat  Type = "float"
	TypeBool   Type = "bool"
	TypeNone   Type = "None"
	TypeDict   Type = "dict"
	TypeList   Type = "list"
)

// Parameter is one `name = literal` definition from the parameters cell.
// Dict and list defaults are kept as their source text.
type Parameter struct {
	Name    string
	Type    Type
	Default any
	Comment string

	line int
}

var assignment = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*(?::\s*[A-Za-z_][A-Za-z0-9_.\[\], ]*)?=\s*(.*)$`)

// parseParameters extracts definitions from the lines of a parameters cell.
// Lines that are indented, blank, comments or not simple literal assignments
// are left alone.
func parseParameters(lines []string) []Parameter {
	var params []Parameter
	for i, raw := range lines {
		line := strings.TrimRight(raw, "\r\n")
		if line == "" || line[0] == ' ' || line[0] == '\t' || line[0] == '#' {
			continue
		}
		m := assignment.FindStringSubmatch(line)
		if m == nil || strings.HasPrefix(m[2], "=") {
			continue
		}
		typ, value, rest, ok := parseLiteral(m[2])
		if !ok {
			continue
		}
		rest = strings.TrimSpace(rest)
		if rest != "" && !strings.HasPrefix(rest, "#") {
			continue
		}
		params = append(params, Parameter{
			Name:    m[1],
			Type:    typ,
			Default: value,
			Comment: rest,
			line:    i,
		})
	}
	return params
}

// parseLiteral reads one Python literal from the start of s and returns the
// unconsumed remainder.
func parseLiteral(s string) (Type, any, string, bool) {
	s = strings.TrimLeft(s, " \t")
	if s == "" {
		return "", nil, "", false
	}
	switch s[0] {
	case '"', '\'':
		value, rest, ok := parseString(s)
		return TypeString, value, rest, ok
	case '{':
		value, rest, ok := scanBracketed(s, '{', '}')
		return TypeDict, value, rest, ok
	case '[':
		value, rest, ok := scanBracketed(s, '[', ']')
		return TypeList, value, rest, ok
	}
	word, rest := splitWord(s)
	switch word {
	case "True":
		return TypeBool, true, rest, true
	case "False":
		return TypeBool, false, rest, true
	case "None":
		return TypeNone, nil, rest, true
	}
	clean := strings.ReplaceAll(word, "_", "")
	if clean == "" || !strings.ContainsRune("+-.0123456789", rune(clean[0])) {
		return "", nil, "", false
	}
	if i, err := strconv.ParseInt(clean, 10, 64); err == nil {
		return TypeInt, i, rest, true
	}
	if f, err := strconv.ParseFloat(clean, 64); err == nil && !strings.ContainsAny(clean, "xXpP") {
		return TypeFloat, f, rest, true
	}
	return "", nil, "", false
}

func splitWord(s string) (string, string) {
	end := strings.IndexAny(s, " \t#")
	if end < 0 {
		return s, ""
	}
	return s[:end], s[end:]
}

func parseString(s string) (string, string, bool) {
	quote := s[0]
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == quote:
			return b.String(), s[i+1:], true
		case c == '\\' && i+1 < len(s):
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '\\', '\'', '"':
				b.WriteByte(s[i])
			default:
				b.WriteByte('\\')
				b.WriteByte(s[i])
			}
		default:
			b.WriteByte(c)
		}
	}
	return "", "", false
}

// scanBracketed returns the balanced bracketed text at the start of s, skipping
// brackets inside string literals.
func scanBracketed(s string, open, closing byte) (string, string, bool) {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return s[:i+1], s[i+1:], true
			}
		}
	}
	return "", "", false
}

// coerce converts a configuration value to the parameter's declared type.
func (p Parameter) coerce(value any) (any, error) {
	mismatch := func() error {
		return fmt.Errorf("%w: %s is declared %s, got %T", ErrParameterType, p.Name, p.Type, value)
	}
	switch p.Type {
	case TypeString:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return nil, mismatch()
	case TypeBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, mismatch()
			}
			return b, nil
		}
		return nil, mismatch()
	case TypeInt:
		i, ok := toInt(value)
		if !ok {
			return nil, mismatch()
		}
		return i, nil
	case TypeFloat:
		f, ok := toFloat(value)
		if !ok {
			return nil, mismatch()
		}
		return f, nil
	case TypeDict:
		if m, ok := value.(map[string]any); ok {
			return m, nil
		}
		return nil, mismatch()
	case TypeList:
		if l, ok := value.([]any); ok {
			return l, nil
		}
		if l, ok := value.([]string); ok {
			out := make([]any, len(l))
			for i, s := range l {
				out[i] = s
			}
			return out, nil
		}
		return nil, mismatch()
	default:
		if !isScalar(value) {
			return nil, mismatch()
		}
		return value, nil
	}
}

func toInt(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return int64(v), true
		}
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return i, err == nil
	}
	return 0, false
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	if i, ok := toInt(value); ok {
		return float64(i), true
	}
	return 0, false
}

func isScalar(value any) bool {
	switch value.(type) {
	case nil, string, bool, int, int32, int64, uint, float32, float64:
		return true
	}
	return false
}

// render formats a Go value as a Python literal.
func render(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "None", nil
	case string:
		return strconv.Quote(v), nil
	case bool:
		if v {
			return "True", nil
		}
		return "False", nil
	case int, int32, int64, uint:
		i, _ := toInt(v)
		return strconv.FormatInt(i, 10), nil
	case float32:
		return renderFloat(float64(v)), nil
	case float64:
		return renderFloat(v), nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			item, err := render(v[k])
			if err != nil {
				return "", err
			}
			parts = append(parts, strconv.Quote(k)+": "+item)
		}
		return "{" + strings.Join(parts, ", ") + "}", nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, err := render(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return render(items)
	default:
		return "", fmt.Errorf("%w: cannot render %T", ErrParameterType, value)
	}
}

func renderFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return `float("inf")`
	case math.IsInf(f, -1):
		return `float("-inf")`
	case math.IsNaN(f):
		return `float("nan")`
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}
