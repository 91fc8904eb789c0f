package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/dbpilot/internal/agent"
	"github.com/haasonsaas/dbpilot/internal/tools/security"
)

const maxTableColumns = 100

// ColumnSpec describes one column of a new table or an added column.
type ColumnSpec struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   *bool  `json:"nullable,omitempty"`
	PrimaryKey bool   `json:"primaryKey,omitempty"`
	Unique     bool   `json:"unique,omitempty"`
	Default    any    `json:"default,omitempty"`
}

// definition validates the column and renders its DDL fragment, without
// the primary key clause.
func (c ColumnSpec) definition() (string, error) {
	if err := security.ValidateIdentifier("column", c.Name); err != nil {
		return "", err
	}
	if err := security.ValidateColumnType(c.Type); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(security.QuoteIdentifier(c.Name))
	b.WriteByte(' ')
	b.WriteString(strings.ToLower(strings.TrimSpace(c.Type)))
	if c.PrimaryKey || (c.Nullable != nil && !*c.Nullable) {
		b.WriteString(" NOT NULL")
	}
	if c.Unique && !c.PrimaryKey {
		b.WriteString(" UNIQUE")
	}
	if c.Default != nil {
		lit, err := security.RenderLiteral(c.Default)
		if err != nil {
			return "", agent.NewToolError(agent.CodeInvalidArguments, "column %q default: %v", c.Name, err)
		}
		b.WriteString(" DEFAULT ")
		b.WriteString(lit)
	}
	return b.String(), nil
}

var columnProperties = []agent.Param{
	{Name: "name", Type: agent.TypeString, Description: "Column name", Required: true},
	{Name: "type", Type: agent.TypeString, Description: "Postgres type, e.g. text, bigint, varchar(255), numeric(10,2), timestamptz, jsonb", Required: true},
	{Name: "nullable", Type: agent.TypeBoolean, Description: "Whether NULL is allowed (default true)"},
	{Name: "primaryKey", Type: agent.TypeBoolean, Description: "Part of the primary key"},
	{Name: "unique", Type: agent.TypeBoolean, Description: "Add a UNIQUE constraint"},
	{Name: "default", Type: agent.TypeString, Description: "Literal default value", Nullable: true},
}

// CreateTableTool creates a table from column specifications.
type CreateTableTool struct{ base }

func (t *CreateTableTool) Name() string { return "create_table" }

func (t *CreateTableTool) Description() string {
	return "Create a new table with the given columns. Column names must be plain identifiers and types plain Postgres type names."
}

func (t *CreateTableTool) Params() []agent.Param {
	return []agent.Param{
		schemaParam,
		tableParam,
		{
			Name:        "columns",
			Type:        agent.TypeArray,
			Description: "Column definitions",
			Required:    true,
			Items:       &agent.Param{Name: "column", Type: agent.TypeObject, Properties: columnProperties},
		},
		{Name: "ifNotExists", Type: agent.TypeBoolean, Description: "Do nothing if the table already exists", Default: false},
	}
}

func (t *CreateTableTool) Execute(ctx context.Context, params json.RawMessage, tc agent.ToolContext) (*agent.ToolResult, error) {
	var input struct {
		Schema      string       `json:"schema"`
		Table       string       `json:"table"`
		Columns     []ColumnSpec `json:"columns"`
		IfNotExists bool         `json:"ifNotExists"`
	}
	if err := decodeParams(params, &input); err != nil {
		return nil, err
	}
	schema, qualified, err := t.mutableTarget(input.Schema, input.Table)
	if err != nil {
		return nil, err
	}
	if len(input.Columns) == 0 {
		return nil, agent.NewToolError(agent.CodeInvalidArguments, "at least one column is required")
	}
	if len(input.Columns) > maxTableColumns {
		return nil, agent.NewToolError(agent.CodeInvalidArguments, "at most %d columns are allowed", maxTableColumns)
	}

	seen := make(map[string]bool, len(input.Columns))
	defs := make([]string, 0, len(input.Columns)+1)
	var primaryKey []string
	for _, col := range input.Columns {
		def, err := col.definition()
		if err != nil {
			return nil, err
		}
		key := strings.ToLower(col.Name)
		if seen[key] {
			return nil, agent.NewToolError(agent.CodeInvalidArguments, "column %q is declared twice", col.Name)
		}
		seen[key] = true
		defs = append(defs, def)
		if col.PrimaryKey {
			primaryKey = append(primaryKey, security.QuoteIdentifier(col.Name))
		}
	}
	if len(primaryKey) > 0 {
		defs = append(defs, "PRIMARY KEY ("+strings.Join(primaryKey, ", ")+")")
	}

	ifNotExists := ""
	if input.IfNotExists {
		ifNotExists = "IF NOT EXISTS "
	}
	stmt := fmt.Sprintf("CREATE TABLE %s%s (\n  %s\n)", ifNotExists, qualified, strings.Join(defs, ",\n  "))
	if _, err := t.run(ctx, tc, "create table "+qualified, stmt); err != nil {
		return nil, err
	}

	return agent.OK(map[string]any{
		"schema":    schema,
		"table":     input.Table,
		"columns":   len(input.Columns),
		"statement": stmt,
	}), nil
}

// AddColumnTool adds a column to an existing table.
type AddColumnTool struct{ base }

func (t *AddColumnTool) Name() string { return "add_column" }

func (t *AddColumnTool) Description() string {
	return "Add a column to an existing table."
}

func (t *AddColumnTool) Params() []agent.Param {
	return []agent.Param{
		schemaParam,
		tableParam,
		{Name: "column", Type: agent.TypeObject, Description: "Column definition", Required: true, Properties: columnProperties},
		{Name: "ifNotExists", Type: agent.TypeBoolean, Description: "Do nothing if the column already exists", Default: false},
	}
}

func (t *AddColumnTool) Execute(ctx context.Context, params json.RawMessage, tc agent.ToolContext) (*agent.ToolResult, error) {
	var input struct {
		Schema      string     `json:"schema"`
		Table       string     `json:"table"`
		Column      ColumnSpec `json:"column"`
		IfNotExists bool       `json:"ifNotExists"`
	}
	if err := decodeParams(params, &input); err != nil {
		return nil, err
	}
	schema, qualified, err := t.mutableTarget(input.Schema, input.Table)
	if err != nil {
		return nil, err
	}
	if input.Column.PrimaryKey {
		return nil, agent.NewToolError(agent.CodeInvalidArguments, "primary keys cannot be added with add_column")
	}
	def, err := input.Column.definition()
	if err != nil {
		return nil, err
	}

	ifNotExists := ""
	if input.IfNotExists {
		ifNotExists = "IF NOT EXISTS "
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s%s", qualified, ifNotExists, def)
	if _, err := t.run(ctx, tc, "add column to "+qualified, stmt); err != nil {
		return nil, err
	}

	return agent.OK(map[string]any{
		"schema":    schema,
		"table":     input.Table,
		"column":    input.Column.Name,
		"statement": stmt,
	}), nil
}

// DropTableTool drops a table after inspecting what references it.
type DropTableTool struct{ base }

func (t *DropTableTool) Name() string { return "drop_table" }

func (t *DropTableTool) Description() string {
	return "Drop a table. Foreign keys referencing it are reported as warnings; set cascade=true to drop dependent constraints as well. System and platform schemas cannot be modified."
}

func (t *DropTableTool) Params() []agent.Param {
	return []agent.Param{
		schemaParam,
		tableParam,
		{Name: "cascade", Type: agent.TypeBoolean, Description: "Also drop objects that depend on the table", Default: false},
		{Name: "ifExists", Type: agent.TypeBoolean, Description: "Do not fail if the table does not exist", Default: false},
	}
}

func (t *DropTableTool) Execute(ctx context.Context, params json.RawMessage, tc agent.ToolContext) (*agent.ToolResult, error) {
	var input struct {
		Schema   string `json:"schema"`
		Table    string `json:"table"`
		Cascade  bool   `json:"cascade"`
		IfExists bool   `json:"ifExists"`
	}
	if err := decodeParams(params, &input); err != nil {
		return nil, err
	}
	schema, qualified, err := t.mutableTarget(input.Schema, input.Table)
	if err != nil {
		return nil, err
	}

	deps, warnings, err := t.guard.InspectDependencies(ctx, t.querier(tc), schema, input.Table)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("DROP TABLE ")
	if input.IfExists {
		b.WriteString("IF EXISTS ")
	}
	b.WriteString(qualified)
	if input.Cascade {
		b.WriteString(" CASCADE")
	}
	stmt := b.String()

	if _, err := t.run(ctx, tc, "drop table "+qualified, stmt); err != nil {
		failed := agent.FailFromError(err)
		if len(deps) > 0 && !input.Cascade {
			failed.WithWarnings(fmt.Sprintf("%d foreign key(s) reference %s; retry with cascade=true only if the user agrees to drop them", len(deps), qualified))
		}
		return failed.WithWarnings(warnings...), nil
	}

	return agent.OK(map[string]any{
		"schema":       schema,
		"table":        input.Table,
		"dropped":      true,
		"cascade":      input.Cascade,
		"dependencies": deps,
	}).WithWarnings(warnings...), nil
}
