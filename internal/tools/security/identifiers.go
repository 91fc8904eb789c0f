package security

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/haasonsaas/dbpilot/internal/agent"
)

// MaxIdentifierLength is the Postgres NAMEDATALEN limit minus the terminator.
const MaxIdentifierLength = 63

const maxColumnTypeLength = 64

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	// columnTypePattern accepts plain type names with an optional precision
	// and array suffix: text, varchar(255), numeric(10, 2), timestamp with time zone, int[].
	columnTypePattern = regexp.MustCompile(`(?i)^[a-z][a-z0-9_ ]*(\(\s*\d+(\s*,\s*\d+)?\s*\))?(\[\])?$`)
)

// columnConstraintWords start a column constraint or clause rather than
// belonging to a type name. Nullability, defaults and keys are rendered by
// the tools from their own parameters.
var columnConstraintWords = map[string]bool{
	"references": true,
	"default":    true,
	"check":      true,
	"constraint": true,
	"primary":    true,
	"key":        true,
	"unique":     true,
	"not":        true,
	"null":       true,
	"generated":  true,
	"always":     true,
	"identity":   true,
	"stored":     true,
	"collate":    true,
	"using":      true,
	"on":         true,
	"as":         true,
	"deferrable": true,
	"initially":  true,
	"exclude":    true,
}

// ValidateIdentifier checks a schema, table or column name. kind names the
// identifier in the error message.
func ValidateIdentifier(kind, name string) error {
	if name == "" {
		return agent.NewToolError(agent.CodeInvalidIdentifier, "%s name is required", kind)
	}
	if len(name) > MaxIdentifierLength {
		return agent.NewToolError(agent.CodeInvalidIdentifier,
			"%s name %q exceeds %d characters", kind, truncateForMessage(name), MaxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return agent.NewToolError(agent.CodeInvalidIdentifier,
			"invalid %s name %q: must start with a letter or underscore and contain only letters, digits and underscores",
			kind, truncateForMessage(name))
	}
	return nil
}

// ValidateIdentifiers validates several identifiers of the same kind.
func ValidateIdentifiers(kind string, names []string) error {
	for _, name := range names {
		if err := ValidateIdentifier(kind, name); err != nil {
			return err
		}
	}
	return nil
}

// QuoteIdentifier double-quotes an identifier that already passed validation.
func QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

// QualifiedName validates schema and table and returns "schema"."table".
func QualifiedName(schema, table string) (string, error) {
	if err := ValidateIdentifier("schema", schema); err != nil {
		return "", err
	}
	if err := ValidateIdentifier("table", table); err != nil {
		return "", err
	}
	return QuoteIdentifier(schema) + "." + QuoteIdentifier(table), nil
}

// ValidateColumnType checks a column type against the accepted type grammar.
// Constraint clauses such as DEFAULT, REFERENCES or GENERATED are rejected.
func ValidateColumnType(columnType string) error {
	trimmed := strings.TrimSpace(columnType)
	if trimmed == "" {
		return agent.NewToolError(agent.CodeInvalidArguments, "column type is required")
	}
	if len(trimmed) > maxColumnTypeLength || !columnTypePattern.MatchString(trimmed) {
		return agent.NewToolError(agent.CodeInvalidArguments,
			"unsupported column type %q", truncateForMessage(trimmed))
	}
	name := trimmed
	if i := strings.IndexAny(name, "(["); i >= 0 {
		name = name[:i]
	}
	for _, word := range strings.Fields(strings.ToLower(name)) {
		if columnConstraintWords[word] {
			return agent.NewToolError(agent.CodeInvalidArguments,
				"column type %q may not contain %s; use the column parameters instead",
				truncateForMessage(trimmed), strings.ToUpper(word))
		}
	}
	return nil
}

// QuoteLiteral renders s as a Postgres string literal.
func QuoteLiteral(s string) string {
	return strings.TrimSpace(pq.QuoteLiteral(s))
}

// RenderLiteral renders a decoded JSON value as a SQL literal. Objects and
// arrays are stored as their JSON text.
func RenderLiteral(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if val {
			return "TRUE", nil
		}
		return "FALSE", nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return "", fmt.Errorf("value %v is not a finite number", val)
		}
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case json.Number:
		if _, err := strconv.ParseFloat(val.String(), 64); err != nil {
			return "", fmt.Errorf("value %q is not a number", val.String())
		}
		return val.String(), nil
	case string:
		return QuoteLiteral(val), nil
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return QuoteLiteral(string(b)), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

func truncateForMessage(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
