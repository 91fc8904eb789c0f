package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/dbpilot/internal/agent"
	"github.com/haasonsaas/dbpilot/internal/tools/security"
)

const (
	defaultMaxRows = 100
	maxMaxRows     = 1000
)

// ListTablesTool lists the tables and views in a schema.
type ListTablesTool struct{ base }

func (t *ListTablesTool) Name() string { return "list_tables" }

func (t *ListTablesTool) Description() string {
	return "List the tables and views in a database schema."
}

func (t *ListTablesTool) Params() []agent.Param {
	return []agent.Param{schemaParam}
}

func (t *ListTablesTool) Execute(ctx context.Context, params json.RawMessage, tc agent.ToolContext) (*agent.ToolResult, error) {
	var input struct {
		Schema string `json:"schema"`
	}
	if err := decodeParams(params, &input); err != nil {
		return nil, err
	}
	schema := schemaOrDefault(input.Schema)
	if err := security.ValidateIdentifier("schema", schema); err != nil {
		return nil, err
	}

	rows, err := t.run(ctx, tc, "list tables", fmt.Sprintf(
		`SELECT table_name AS name, table_type AS type
FROM information_schema.tables
WHERE table_schema = %s
ORDER BY table_name`, security.QuoteLiteral(schema)))
	if err != nil {
		return nil, err
	}
	return agent.OK(map[string]any{
		"schema": schema,
		"tables": rows,
		"count":  len(rows),
	}), nil
}

// DescribeTableTool returns the column layout and constraints of a table.
type DescribeTableTool struct{ base }

func (t *DescribeTableTool) Name() string { return "describe_table" }

func (t *DescribeTableTool) Description() string {
	return "Describe a table's columns (name, type, nullability, default) and its constraints."
}

func (t *DescribeTableTool) Params() []agent.Param {
	return []agent.Param{schemaParam, tableParam}
}

func (t *DescribeTableTool) Execute(ctx context.Context, params json.RawMessage, tc agent.ToolContext) (*agent.ToolResult, error) {
	var input struct {
		Schema string `json:"schema"`
		Table  string `json:"table"`
	}
	if err := decodeParams(params, &input); err != nil {
		return nil, err
	}
	schema, qualified, err := target(input.Schema, input.Table)
	if err != nil {
		return nil, err
	}

	columns, err := t.run(ctx, tc, "describe "+qualified, fmt.Sprintf(
		`SELECT column_name AS name, data_type AS type, is_nullable = 'YES' AS nullable, column_default AS "default"
FROM information_schema.columns
WHERE table_schema = %s AND table_name = %s
ORDER BY ordinal_position`, security.QuoteLiteral(schema), security.QuoteLiteral(input.Table)))
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, agent.NewToolError(agent.CodeExecutionFailed, "table %s does not exist or has no columns", qualified)
	}

	constraints, err := t.run(ctx, tc, "describe constraints of "+qualified, fmt.Sprintf(
		`SELECT con.conname AS name, con.contype AS type, pg_get_constraintdef(con.oid) AS definition
FROM pg_constraint con
JOIN pg_class rel ON rel.oid = con.conrelid
JOIN pg_namespace ns ON ns.oid = rel.relnamespace
WHERE ns.nspname = %s AND rel.relname = %s
ORDER BY con.conname`, security.QuoteLiteral(schema), security.QuoteLiteral(input.Table)))
	if err != nil {
		return nil, err
	}

	return agent.OK(map[string]any{
		"schema":      schema,
		"table":       input.Table,
		"columns":     columns,
		"constraints": constraints,
	}), nil
}

// ListForeignKeysTool lists foreign keys declared on a table, or on every
// table of a schema when no table is given.
type ListForeignKeysTool struct{ base }

func (t *ListForeignKeysTool) Name() string { return "list_foreign_keys" }

func (t *ListForeignKeysTool) Description() string {
	return "List foreign key relationships declared on a table, or on all tables in a schema when table is omitted."
}

func (t *ListForeignKeysTool) Params() []agent.Param {
	return []agent.Param{
		schemaParam,
		{Name: "table", Type: agent.TypeString, Description: "Table name; omit to list the whole schema"},
	}
}

func (t *ListForeignKeysTool) Execute(ctx context.Context, params json.RawMessage, tc agent.ToolContext) (*agent.ToolResult, error) {
	var input struct {
		Schema string `json:"schema"`
		Table  string `json:"table"`
	}
	if err := decodeParams(params, &input); err != nil {
		return nil, err
	}
	schema := schemaOrDefault(input.Schema)
	if err := security.ValidateIdentifier("schema", schema); err != nil {
		return nil, err
	}

	filter := ""
	if input.Table != "" {
		if err := security.ValidateIdentifier("table", input.Table); err != nil {
			return nil, err
		}
		filter = "\n  AND src.relname = " + security.QuoteLiteral(input.Table)
	}

	rows, err := t.run(ctx, tc, "list foreign keys", fmt.Sprintf(
		`SELECT con.conname AS constraint_name,
       src.relname AS table_name,
       tgt_ns.nspname AS foreign_schema,
       tgt.relname AS foreign_table,
       pg_get_constraintdef(con.oid) AS definition
FROM pg_constraint con
JOIN pg_class src ON src.oid = con.conrelid
JOIN pg_namespace src_ns ON src_ns.oid = src.relnamespace
JOIN pg_class tgt ON tgt.oid = con.confrelid
JOIN pg_namespace tgt_ns ON tgt_ns.oid = tgt.relnamespace
WHERE con.contype = 'f'
  AND src_ns.nspname = %s%s
ORDER BY src.relname, con.conname`, security.QuoteLiteral(schema), filter))
	if err != nil {
		return nil, err
	}
	return agent.OK(map[string]any{
		"schema":      schema,
		"foreignKeys": rows,
		"count":       len(rows),
	}), nil
}

// RunSQLTool runs a single read-only query.
type RunSQLTool struct{ base }

func (t *RunSQLTool) Name() string { return "run_sql" }

func (t *RunSQLTool) Description() string {
	return "Run a single read-only SQL query (SELECT or WITH ... SELECT) and return up to maxRows rows. Statements that modify data or schema are rejected."
}

func (t *RunSQLTool) Params() []agent.Param {
	return []agent.Param{
		{Name: "sql", Type: agent.TypeString, Description: "The SELECT query to run", Required: true},
		{
			Name:        "maxRows",
			Type:        agent.TypeInteger,
			Description: "Maximum number of rows to return",
			Default:     defaultMaxRows,
			Minimum:     agent.Float(1),
			Maximum:     agent.Float(maxMaxRows),
		},
	}
}

func (t *RunSQLTool) Execute(ctx context.Context, params json.RawMessage, tc agent.ToolContext) (*agent.ToolResult, error) {
	var input struct {
		SQL     string `json:"sql"`
		MaxRows int    `json:"maxRows"`
	}
	if err := decodeParams(params, &input); err != nil {
		return nil, err
	}
	if err := security.CheckReadOnly(input.SQL); err != nil {
		return nil, err
	}

	maxRows := input.MaxRows
	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}
	if maxRows > maxMaxRows {
		maxRows = maxMaxRows
	}

	query := strings.TrimSpace(input.SQL)
	query = strings.TrimSpace(strings.TrimSuffix(query, ";"))
	rows, err := t.run(ctx, tc, "query", fmt.Sprintf("SELECT * FROM (\n%s\n) AS dbpilot_query LIMIT %d", query, maxRows+1))
	if err != nil {
		return nil, err
	}

	truncated := len(rows) > maxRows
	if truncated {
		rows = rows[:maxRows]
	}
	return agent.OK(map[string]any{
		"rows":      rows,
		"rowCount":  len(rows),
		"truncated": truncated,
	}), nil
}
