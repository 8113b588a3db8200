package filter

import (
	"strings"

	"github.com/flowlexi/patchvec/internal/sanitize"
)

// Caps describes which operators a backend evaluates natively. The planner
// only pushes a clause down when the backend supports its operator AND the
// field is denormalised into the index.
type Caps struct {
	Eq  bool
	Neq bool
}

// Plan is the split of a filter expression.
//
// Contract: Pre is a necessary condition for Post; the backend returns a
// superset of the final result, and Post narrows it. No clause is ever
// dropped: anything not in Pre lands in Post.
type Plan struct {
	Pre  []Clause
	Post []Clause
}

// Empty reports whether the plan carries no clauses at all.
func (p Plan) Empty() bool { return len(p.Pre) == 0 && len(p.Post) == 0 }

// Split classifies clauses into pre- and post-filter. indexed reports
// whether a field is denormalised into the backend index; unknown fields
// route to post (safe default).
func Split(clauses []Clause, indexed func(field string) bool, caps Caps) Plan {
	var plan Plan
	for _, c := range clauses {
		if isPre(c, indexed, caps) {
			plan.Pre = append(plan.Pre, c)
		} else {
			plan.Post = append(plan.Post, c)
		}
	}
	return plan
}

func isPre(c Clause, indexed func(string) bool, caps Caps) bool {
	if !indexed(c.Field) {
		return false
	}
	switch c.Op {
	case OpEq:
		return caps.Eq
	case OpNeq:
		return caps.Neq
	default:
		// Wildcards, comparisons and OR-lists always post-filter.
		return false
	}
}

// RenderSQL renders pre-filter clauses as a backend SQL predicate:
// [field] = 'value' AND [field2] <> 'value2'. Field names and literals are
// sanitised; callers must only pass clauses accepted by Split.
func RenderSQL(pre []Clause) (string, error) {
	if len(pre) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(pre))
	for _, c := range pre {
		if err := sanitize.Field(c.Field); err != nil {
			return "", err
		}
		lit, err := sanitize.QuoteLiteral(c.Value)
		if err != nil {
			return "", err
		}
		op := "="
		if c.Op == OpNeq {
			op = "<>"
		}
		parts = append(parts, "["+c.Field+"] "+op+" "+lit)
	}
	return strings.Join(parts, " AND "), nil
}

// EqualityMap renders equality pre-filter clauses as a field -> value map,
// the native filter shape of backends without SQL support (chromem).
func EqualityMap(pre []Clause) map[string]string {
	if len(pre) == 0 {
		return nil
	}
	m := make(map[string]string, len(pre))
	for _, c := range pre {
		if c.Op == OpEq {
			m[c.Field] = c.Value
		}
	}
	return m
}
