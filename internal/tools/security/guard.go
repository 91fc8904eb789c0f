package security

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/haasonsaas/dbpilot/internal/agent"
)

// Default safety limits.
const (
	DefaultRowLimit       = 1000
	DefaultMaxRowLimit    = 10000
	DefaultMassThreshold  = 100
	estimateCountColumn   = "count"
	dependencyQueryFormat = `SELECT con.conname AS constraint_name,
       src_ns.nspname AS referencing_schema,
       src.relname AS referencing_table,
       con.confdeltype AS delete_rule
FROM pg_constraint con
JOIN pg_class src ON src.oid = con.conrelid
JOIN pg_namespace src_ns ON src_ns.oid = src.relnamespace
JOIN pg_class tgt ON tgt.oid = con.confrelid
JOIN pg_namespace tgt_ns ON tgt_ns.oid = tgt.relnamespace
WHERE con.contype = 'f'
  AND tgt_ns.nspname = %s
  AND tgt.relname = %s
ORDER BY src_ns.nspname, src.relname, con.conname`
)

// DefaultProtectedSchemas are platform and system namespaces no tool may mutate.
var DefaultProtectedSchemas = []string{
	"pg_catalog",
	"information_schema",
	"pg_toast",
	"auth",
	"storage",
	"realtime",
	"supabase_functions",
	"supabase_migrations",
	"vault",
	"pgsodium",
	"graphql",
	"graphql_public",
	"extensions",
	"net",
	"cron",
}

// Querier runs a statement and returns its rows.
type Querier func(ctx context.Context, sql string) ([]map[string]any, error)

// GuardConfig holds the configurable safety limits.
type GuardConfig struct {
	// DefaultRowLimit applies when the caller does not pass a limit.
	DefaultRowLimit int `yaml:"default_row_limit"`

	// MaxRowLimit caps any caller-supplied limit.
	MaxRowLimit int `yaml:"max_row_limit"`

	// MassThreshold is the affected-row count above which confirmation is required.
	MassThreshold int `yaml:"mass_operation_threshold"`

	// ProtectedSchemas are added to DefaultProtectedSchemas.
	ProtectedSchemas []string `yaml:"protected_schemas"`
}

// DefaultGuardConfig returns the default limits.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		DefaultRowLimit: DefaultRowLimit,
		MaxRowLimit:     DefaultMaxRowLimit,
		MassThreshold:   DefaultMassThreshold,
	}
}

// Guard applies the shared safety policies for mutating tools.
type Guard struct {
	config    GuardConfig
	protected map[string]bool
}

// NewGuard creates a guard, filling zero limits with defaults.
func NewGuard(config GuardConfig) *Guard {
	if config.DefaultRowLimit <= 0 {
		config.DefaultRowLimit = DefaultRowLimit
	}
	if config.MaxRowLimit <= 0 {
		config.MaxRowLimit = DefaultMaxRowLimit
	}
	if config.DefaultRowLimit > config.MaxRowLimit {
		config.DefaultRowLimit = config.MaxRowLimit
	}
	if config.MassThreshold <= 0 {
		config.MassThreshold = DefaultMassThreshold
	}

	protected := make(map[string]bool, len(DefaultProtectedSchemas)+len(config.ProtectedSchemas))
	for _, schema := range DefaultProtectedSchemas {
		protected[schema] = true
	}
	for _, schema := range config.ProtectedSchemas {
		if schema = strings.ToLower(strings.TrimSpace(schema)); schema != "" {
			protected[schema] = true
		}
	}
	return &Guard{config: config, protected: protected}
}

// Config returns the effective limits.
func (g *Guard) Config() GuardConfig {
	return g.config
}

// ProtectedSchemas returns the protected namespaces in sorted order.
func (g *Guard) ProtectedSchemas() []string {
	out := make([]string, 0, len(g.protected))
	for schema := range g.protected {
		out = append(out, schema)
	}
	sort.Strings(out)
	return out
}

// CheckProtected rejects schemas the tools may not touch. Any pg_ prefixed
// namespace counts as a system schema.
func (g *Guard) CheckProtected(schema string) error {
	lower := strings.ToLower(schema)
	if g.protected[lower] || strings.HasPrefix(lower, "pg_") {
		return agent.NewToolError(agent.CodeProtectedObject,
			"schema %q is protected and cannot be modified", schema)
	}
	return nil
}

// RequirePredicate rejects blank WHERE clauses and predicates that smuggle
// in another statement. Mass operations must say 1=1 explicitly.
func RequirePredicate(where string) error {
	if strings.TrimSpace(where) == "" {
		return agent.NewToolError(agent.CodeMissingPredicate,
			"a WHERE condition is required; pass 1=1 explicitly to target every row")
	}

	normalized, terminated := NormalizeSQL(where)
	if !terminated {
		return agent.NewToolError(agent.CodeUnsafeOperation, "WHERE condition has an unterminated quote or comment")
	}
	if strings.Contains(normalized, ";") {
		return agent.NewToolError(agent.CodeUnsafeOperation, "WHERE condition may not contain ';'")
	}
	for _, w := range scanWords(normalized) {
		if _, denied := deniedKeywords[w.text]; denied && !w.quoted {
			return agent.NewToolError(agent.CodeUnsafeOperation, "WHERE condition may not contain %q", w.text)
		}
		if deniedFunctions[w.text] && w.call {
			return agent.NewToolError(agent.CodeUnsafeOperation, "WHERE condition may not call %s()", w.text)
		}
	}
	return nil
}

// CheckReadOnly rejects anything but a single SELECT or WITH query.
func CheckReadOnly(sql string) error {
	analysis := AnalyzeSQL(sql)
	if analysis.IsSafe {
		return nil
	}
	return agent.NewToolError(agent.CodeUnsafeOperation, "query rejected: %s", analysis.Reason)
}

// ImpactRequest describes a pending UPDATE or DELETE.
type ImpactRequest struct {
	// Operation is "update" or "delete", used in messages.
	Operation string

	// Limit is the caller-supplied row limit; zero means the default.
	Limit int

	// Confirmed reports whether the caller set the mass-operation flag.
	Confirmed bool

	// ConfirmFlag names the flag the caller must set, used in messages.
	ConfirmFlag string
}

// Impact is the outcome of a passed impact check.
type Impact struct {
	Count int64 `json:"estimatedRows"`
	Limit int   `json:"limit"`
}

// EffectiveLimit applies the default and the hard cap to a requested limit.
func (g *Guard) EffectiveLimit(requested int) int {
	if requested <= 0 {
		return g.config.DefaultRowLimit
	}
	if requested > g.config.MaxRowLimit {
		return g.config.MaxRowLimit
	}
	return requested
}

// EstimateImpact counts the rows a predicate matches and enforces the row
// limit and the mass-operation confirmation.
//
// The count and the mutation run as separate statements, so rows may change
// in between.
func (g *Guard) EstimateImpact(ctx context.Context, query Querier, qualifiedTable, where string, req ImpactRequest) (*Impact, error) {
	if err := RequirePredicate(where); err != nil {
		return nil, err
	}
	limit := g.EffectiveLimit(req.Limit)

	rows, err := query(ctx, fmt.Sprintf("SELECT COUNT(*) AS %s FROM %s WHERE %s", estimateCountColumn, qualifiedTable, where))
	if err != nil {
		return nil, agent.NewToolError(agent.CodeExecutionFailed, "impact estimation failed: %v", err).WithCause(err)
	}
	if len(rows) == 0 {
		return nil, agent.NewToolError(agent.CodeExecutionFailed, "impact estimation returned no rows")
	}
	count, err := parseCount(rows[0][estimateCountColumn])
	if err != nil {
		return nil, agent.NewToolError(agent.CodeExecutionFailed, "impact estimation: %v", err).WithCause(err)
	}

	op := req.Operation
	if op == "" {
		op = "modify"
	}
	if count > int64(limit) {
		return nil, agent.NewToolError(agent.CodeImpactLimitExceeded,
			"%s would affect %d rows in %s, exceeding the limit of %d", op, count, qualifiedTable, limit)
	}
	if count > int64(g.config.MassThreshold) && !req.Confirmed {
		flag := req.ConfirmFlag
		if flag == "" {
			flag = "confirm"
		}
		return nil, agent.NewToolError(agent.CodeConfirmationRequired,
			"%s would affect %d rows in %s (more than %d); ask the user to confirm and retry with %s=true",
			op, count, qualifiedTable, g.config.MassThreshold, flag)
	}
	return &Impact{Count: count, Limit: limit}, nil
}

func parseCount(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	default:
		return 0, fmt.Errorf("unexpected count value %v (%T)", v, v)
	}
}

// Dependency is a foreign key in another table that references the target.
type Dependency struct {
	Constraint string `json:"constraint"`
	Schema     string `json:"schema"`
	Table      string `json:"table"`
	OnDelete   string `json:"onDelete"`
}

var deleteRules = map[string]string{
	"a": "NO ACTION",
	"r": "RESTRICT",
	"c": "CASCADE",
	"n": "SET NULL",
	"d": "SET DEFAULT",
}

// InspectDependencies lists foreign keys that reference schema.table and
// returns a warning for every dependent that would block a plain DROP.
func (g *Guard) InspectDependencies(ctx context.Context, query Querier, schema, table string) ([]Dependency, []string, error) {
	if err := ValidateIdentifier("schema", schema); err != nil {
		return nil, nil, err
	}
	if err := ValidateIdentifier("table", table); err != nil {
		return nil, nil, err
	}

	rows, err := query(ctx, fmt.Sprintf(dependencyQueryFormat, QuoteLiteral(schema), QuoteLiteral(table)))
	if err != nil {
		return nil, nil, agent.NewToolError(agent.CodeExecutionFailed, "dependency inspection failed: %v", err).WithCause(err)
	}

	deps := make([]Dependency, 0, len(rows))
	var warnings []string
	for _, row := range rows {
		dep := Dependency{
			Constraint: stringValue(row["constraint_name"]),
			Schema:     stringValue(row["referencing_schema"]),
			Table:      stringValue(row["referencing_table"]),
		}
		rule := stringValue(row["delete_rule"])
		if mapped, ok := deleteRules[rule]; ok {
			dep.OnDelete = mapped
		} else {
			dep.OnDelete = strings.ToUpper(rule)
		}
		deps = append(deps, dep)

		if dep.OnDelete == "RESTRICT" || dep.OnDelete == "NO ACTION" {
			warnings = append(warnings, fmt.Sprintf("%s.%s references %s.%s through %s (ON DELETE %s)",
				dep.Schema, dep.Table, schema, table, dep.Constraint, dep.OnDelete))
		}
	}
	return deps, warnings, nil
}

func stringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}
