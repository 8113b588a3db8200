// Package sanitize provides identifier validation and SQL fragment quoting
// shared by the filter planner, the stores and the HTTP layer.
//
// Tenant names, collection names and docids are URL-safe slugs. Filter field
// names passed into backend SQL must be bare identifiers; string literals are
// quoted with embedded quotes escaped. Anything else is rejected before it
// reaches a backend.
package sanitize

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidSlug indicates a tenant/collection/docid is not a URL-safe slug.
	ErrInvalidSlug = errors.New("invalid slug")

	// ErrInvalidField indicates a filter field name is not a bare identifier.
	ErrInvalidField = errors.New("invalid filter field")

	// ErrInvalidLiteral indicates a filter literal cannot be safely quoted.
	ErrInvalidLiteral = errors.New("invalid filter literal")
)

// slugPattern matches URL-safe slugs: alphanumeric plus '-' and '_',
// 1-128 chars, must start and end alphanumeric.
var slugPattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9_-]{0,126}[A-Za-z0-9])?$`)

// fieldPattern matches bare SQL identifiers allowed in pre-filter clauses.
var fieldPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Slug validates a tenant, collection or document identifier.
func Slug(kind, s string) error {
	if !slugPattern.MatchString(s) {
		return fmt.Errorf("%w: %s %q must match [A-Za-z0-9_-]+ and start/end alphanumeric", ErrInvalidSlug, kind, s)
	}
	return nil
}

// IsSlug reports whether s is a valid slug.
func IsSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// Field validates a filter field name for use in backend SQL.
func Field(name string) error {
	if !fieldPattern.MatchString(name) {
		return fmt.Errorf("%w: %q must match [A-Za-z0-9_]+", ErrInvalidField, name)
	}
	return nil
}

// QuoteLiteral quotes a string literal for a backend SQL clause, doubling
// embedded single quotes. Control characters are rejected outright rather
// than escaped.
func QuoteLiteral(s string) (string, error) {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: control character in %q", ErrInvalidLiteral, s)
		}
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'", nil
}

// RIDToFilename maps a chunk rid to a safe sidecar filename. Path separators
// and the rid ordinal separator are folded to underscores, matching the
// on-disk layout documents rely on.
func RIDToFilename(rid string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	return r.Replace(rid) + ".txt"
}
