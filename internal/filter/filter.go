// Package filter models metadata filter expressions and plans their
// execution: clauses a backend can evaluate natively become the pre-filter
// (pushed into the k-NN query), everything else becomes the post-filter
// (evaluated in-process against hydrated metadata).
package filter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/flowlexi/patchvec/internal/pverr"
	"github.com/flowlexi/patchvec/internal/sanitize"
)

// Op identifies a filter operator. Evaluation dispatches on this tag via
// explicit lookup tables; filters are never evaluated by constructing
// expression strings.
type Op int

const (
	OpEq Op = iota
	OpNeq
	OpGt
	OpGte
	OpLt
	OpLte
	OpWildcard
	OpIn
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpNeq:
		return "!="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpWildcard:
		return "~"
	case OpIn:
		return "in"
	}
	return "?"
}

// Clause is one parsed filter condition on a single field.
type Clause struct {
	Field string
	Op    Op

	// Value is the string literal for eq/neq/wildcard clauses and the raw
	// comparand text for comparisons.
	Value string

	// Number/Time carry the typed comparand for comparison clauses.
	Number   float64
	Time     time.Time
	IsTime   bool
	IsNumber bool

	// Alternatives holds the OR-list members for OpIn clauses.
	Alternatives []Clause
}

// String renders a short human-readable form, used by match_reason.
func (c Clause) String() string {
	if c.Op == OpIn {
		parts := make([]string, len(c.Alternatives))
		for i, alt := range c.Alternatives {
			parts[i] = alt.valueString()
		}
		return fmt.Sprintf("%s in [%s]", c.Field, strings.Join(parts, ","))
	}
	return fmt.Sprintf("%s%s%s", c.Field, c.Op, c.valueString())
}

func (c Clause) valueString() string {
	if c.Op == OpWildcard {
		return c.Value
	}
	return c.Value
}

// Parse converts a field -> specifier mapping into clauses, sorted by field
// for deterministic planning. Specifier grammar:
//
//	"value"        literal equality
//	"!value"       negated literal
//	">n" ">=n"     numeric or ISO-8601 datetime comparison (also < <=)
//	"pre*" "*suf"  wildcard (any '*' placement)
//	[a, b, ...]    OR-list; each element parsed with the rules above
//
// Non-string scalars (numbers, bools) are literal equality on their
// canonical string form.
func Parse(filters map[string]any) ([]Clause, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	clauses := make([]Clause, 0, len(filters))
	for field, spec := range filters {
		if err := sanitize.Field(field); err != nil {
			return nil, pverr.InvalidFilter("filter field %q: must match [A-Za-z0-9_]+", field)
		}
		c, err := parseSpecifier(field, spec, true)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, c)
	}
	sort.Slice(clauses, func(i, j int) bool { return clauses[i].Field < clauses[j].Field })
	return clauses, nil
}

func parseSpecifier(field string, spec any, allowList bool) (Clause, error) {
	switch v := spec.(type) {
	case string:
		return parseStringSpecifier(field, v)
	case bool:
		return Clause{Field: field, Op: OpEq, Value: strconv.FormatBool(v)}, nil
	case int:
		return Clause{Field: field, Op: OpEq, Value: strconv.Itoa(v)}, nil
	case int64:
		return Clause{Field: field, Op: OpEq, Value: strconv.FormatInt(v, 10)}, nil
	case float64:
		return Clause{Field: field, Op: OpEq, Value: canonicalNumber(v)}, nil
	case []any:
		if !allowList {
			return Clause{}, pverr.InvalidFilter("filter %q: nested OR-lists are not supported", field)
		}
		if len(v) == 0 {
			return Clause{}, pverr.InvalidFilter("filter %q: empty OR-list", field)
		}
		alts := make([]Clause, 0, len(v))
		for _, item := range v {
			alt, err := parseSpecifier(field, item, false)
			if err != nil {
				return Clause{}, err
			}
			alts = append(alts, alt)
		}
		return Clause{Field: field, Op: OpIn, Alternatives: alts}, nil
	default:
		return Clause{}, pverr.InvalidFilter("filter %q: unsupported specifier type %T", field, spec)
	}
}

func parseStringSpecifier(field, s string) (Clause, error) {
	for _, cmp := range []struct {
		prefix string
		op     Op
	}{
		{">=", OpGte}, {"<=", OpLte}, {">", OpGt}, {"<", OpLt},
	} {
		if strings.HasPrefix(s, cmp.prefix) {
			return parseComparison(field, cmp.op, strings.TrimSpace(strings.TrimPrefix(s, cmp.prefix)))
		}
	}
	if strings.HasPrefix(s, "!") {
		return Clause{Field: field, Op: OpNeq, Value: s[1:]}, nil
	}
	if strings.Contains(s, "*") {
		return Clause{Field: field, Op: OpWildcard, Value: s}, nil
	}
	return Clause{Field: field, Op: OpEq, Value: s}, nil
}

func parseComparison(field string, op Op, comparand string) (Clause, error) {
	if comparand == "" {
		return Clause{}, pverr.InvalidFilter("filter %q: empty comparand for %s", field, op)
	}
	if n, err := strconv.ParseFloat(comparand, 64); err == nil {
		return Clause{Field: field, Op: op, Value: comparand, Number: n, IsNumber: true}, nil
	}
	if t, ok := parseDatetime(comparand); ok {
		return Clause{Field: field, Op: op, Value: comparand, Time: t, IsTime: true}, nil
	}
	return Clause{}, pverr.InvalidFilter("filter %q: comparand %q is neither numeric nor ISO-8601 datetime", field, comparand)
}

// datetimeLayouts are accepted ISO-8601 forms, most specific first.
var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseDatetime(s string) (time.Time, bool) {
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// canonicalNumber formats a float without a trailing ".0" so JSON-decoded
// integers compare equal to their string form.
func canonicalNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
