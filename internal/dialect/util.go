package dialect

import (
	"fmt"
	"regexp"
	"strings"
)

// GeneratePlaceholders is a helper function to create a slice of placeholder strings.
// It takes the number of placeholders needed and a function that returns the placeholder for a given index.
// It returns a comma-separated string of the generated placeholders.
func GeneratePlaceholders(count int, placeholderFunc func(int) string) string {
	placeholders := make([]string, count)
	for i := 0; i < count; i++ {
		placeholders[i] = placeholderFunc(i)
	}
	return strings.Join(placeholders, ", ")
}

// identPattern is the closed set of characters allowed in table and column
// names. Identifiers come from config and catalog introspection, never from
// row data, but they are still interpolated into SQL so the set stays strict.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// ValidIdentifier reports whether name is safe to interpolate after quoting.
func ValidIdentifier(name string) bool {
	return identPattern.MatchString(name)
}

// MustIdentifier returns name unchanged or an error when it falls outside
// the allowed identifier set.
func MustIdentifier(name string) (string, error) {
	if !ValidIdentifier(name) {
		return "", fmt.Errorf("unsafe identifier %q", name)
	}
	return name, nil
}

var (
	autoIncClause = regexp.MustCompile(`(?i)\s*AUTO_INCREMENT=\d+`)
	engineClause  = regexp.MustCompile(`(?i)ENGINE=\w+`)
	qualifiedName = regexp.MustCompile("`[^`]+`\\.(`[^`]+`)")
)

// StripAutoIncrementCounter removes the live AUTO_INCREMENT=N table option.
// The counter moves with every insert, so it must not feed the schema hash
// and must not be replayed on the target.
func StripAutoIncrementCounter(stmt string) string {
	return autoIncClause.ReplaceAllString(stmt, "")
}

// NormalizeEngine rewrites any ENGINE= directive to the given engine.
func NormalizeEngine(stmt, engine string) string {
	return engineClause.ReplaceAllString(stmt, "ENGINE="+engine)
}

// StripQualification reduces `db`.`table` references to just `table`.
func StripQualification(stmt string) string {
	return qualifiedName.ReplaceAllString(stmt, "$1")
}

// DefaultNormalizeType is a default implementation for type normalization (lowercase).
func DefaultNormalizeType(sqlType string) string {
	return strings.ToLower(sqlType)
}

// DefaultGetSchemaName is a default implementation for Getting Schema Name (identity).
func DefaultGetSchemaName(input string) string {
	return input
}
