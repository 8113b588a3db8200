package filter

import (
	"strconv"
	"strings"
	"time"
)

// Operator lookup tables. Comparison clauses dispatch through these by tag;
// no expression strings are ever constructed or evaluated.
var numericOps = map[Op]func(have, want float64) bool{
	OpGt:  func(a, b float64) bool { return a > b },
	OpGte: func(a, b float64) bool { return a >= b },
	OpLt:  func(a, b float64) bool { return a < b },
	OpLte: func(a, b float64) bool { return a <= b },
	OpEq:  func(a, b float64) bool { return a == b },
	OpNeq: func(a, b float64) bool { return a != b },
}

var timeOps = map[Op]func(have, want time.Time) bool{
	OpGt:  func(a, b time.Time) bool { return a.After(b) },
	OpGte: func(a, b time.Time) bool { return !a.Before(b) },
	OpLt:  func(a, b time.Time) bool { return a.Before(b) },
	OpLte: func(a, b time.Time) bool { return !a.After(b) },
	OpEq:  func(a, b time.Time) bool { return a.Equal(b) },
	OpNeq: func(a, b time.Time) bool { return !a.Equal(b) },
}

// Matches evaluates all clauses against a metadata row (AND semantics).
// A clause on a field absent from the row never matches: hits the filter
// cannot recognise are excluded rather than passed through.
func Matches(meta map[string]any, clauses []Clause) bool {
	for _, c := range clauses {
		if !matchClause(meta, c) {
			return false
		}
	}
	return true
}

func matchClause(meta map[string]any, c Clause) bool {
	if c.Op == OpIn {
		for _, alt := range c.Alternatives {
			if matchClause(meta, alt) {
				return true
			}
		}
		return false
	}

	raw, ok := meta[c.Field]
	if !ok {
		return false
	}
	have := metaString(raw)

	switch c.Op {
	case OpEq:
		return have == c.Value
	case OpNeq:
		return have != c.Value
	case OpWildcard:
		return matchWildcard(have, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		return matchComparison(have, c)
	}
	return false
}

func matchComparison(have string, c Clause) bool {
	if c.IsNumber {
		n, err := strconv.ParseFloat(strings.TrimSpace(have), 64)
		if err != nil {
			return false
		}
		return numericOps[c.Op](n, c.Number)
	}
	if c.IsTime {
		t, ok := parseDatetime(strings.TrimSpace(have))
		if !ok {
			return false
		}
		return timeOps[c.Op](t, c.Time)
	}
	return false
}

// matchWildcard matches a '*' glob: segments between stars must appear in
// order, with leading and trailing segments anchored.
func matchWildcard(have, pattern string) bool {
	segments := strings.Split(pattern, "*")

	if !strings.HasPrefix(pattern, "*") {
		first := segments[0]
		if !strings.HasPrefix(have, first) {
			return false
		}
		have = have[len(first):]
		segments = segments[1:]
	}

	trailing := ""
	if !strings.HasSuffix(pattern, "*") && len(segments) > 0 {
		trailing = segments[len(segments)-1]
		segments = segments[:len(segments)-1]
	}

	for _, seg := range segments {
		if seg == "" {
			continue
		}
		idx := strings.Index(have, seg)
		if idx < 0 {
			return false
		}
		have = have[idx+len(seg):]
	}

	return strings.HasSuffix(have, trailing)
}

// metaString canonicalises a metadata value for comparison. Metadata rows
// round-trip through JSON, so numbers arrive as float64.
func metaString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return canonicalNumber(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}
