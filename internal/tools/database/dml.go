package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/dbpilot/internal/agent"
	"github.com/haasonsaas/dbpilot/internal/tools/security"
)

const maxInsertRows = 1000

var whereParam = agent.Param{
	Name:        "where",
	Type:        agent.TypeString,
	Description: "SQL condition selecting the rows, without the WHERE keyword. Use 1=1 to target every row.",
	Required:    true,
}

func limitParam(g *security.Guard) agent.Param {
	cfg := g.Config()
	return agent.Param{
		Name:        "limit",
		Type:        agent.TypeInteger,
		Description: fmt.Sprintf("Refuse if more rows than this would be affected (default %d, at most %d)", cfg.DefaultRowLimit, cfg.MaxRowLimit),
		Minimum:     agent.Float(1),
	}
}

// InsertRowsTool inserts rows given as column/value objects.
type InsertRowsTool struct{ base }

func (t *InsertRowsTool) Name() string { return "insert_rows" }

func (t *InsertRowsTool) Description() string {
	return "Insert rows into a table. Each row is an object mapping column names to values; columns missing from a row use their default."
}

func (t *InsertRowsTool) Params() []agent.Param {
	return []agent.Param{
		schemaParam,
		tableParam,
		{
			Name:        "rows",
			Type:        agent.TypeArray,
			Description: fmt.Sprintf("Rows to insert (at most %d)", maxInsertRows),
			Required:    true,
			Items:       &agent.Param{Name: "row", Type: agent.TypeObject},
		},
	}
}

func (t *InsertRowsTool) Execute(ctx context.Context, params json.RawMessage, tc agent.ToolContext) (*agent.ToolResult, error) {
	var input struct {
		Schema string           `json:"schema"`
		Table  string           `json:"table"`
		Rows   []map[string]any `json:"rows"`
	}
	if err := decodeParams(params, &input); err != nil {
		return nil, err
	}
	schema, qualified, err := t.mutableTarget(input.Schema, input.Table)
	if err != nil {
		return nil, err
	}
	if len(input.Rows) == 0 {
		return nil, agent.NewToolError(agent.CodeInvalidArguments, "at least one row is required")
	}
	if len(input.Rows) > maxInsertRows {
		return nil, agent.NewToolError(agent.CodeImpactLimitExceeded,
			"insert of %d rows into %s exceeds the limit of %d rows per call", len(input.Rows), qualified, maxInsertRows)
	}

	columnSet := make(map[string]bool)
	for _, row := range input.Rows {
		for column := range row {
			columnSet[column] = true
		}
	}
	if len(columnSet) == 0 {
		return nil, agent.NewToolError(agent.CodeInvalidArguments, "rows must name at least one column")
	}
	columns := make([]string, 0, len(columnSet))
	for column := range columnSet {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	if err := security.ValidateIdentifiers("column", columns); err != nil {
		return nil, err
	}

	quoted := make([]string, len(columns))
	for i, column := range columns {
		quoted[i] = security.QuoteIdentifier(column)
	}

	tuples := make([]string, 0, len(input.Rows))
	for i, row := range input.Rows {
		values := make([]string, len(columns))
		for j, column := range columns {
			v, ok := row[column]
			if !ok {
				values[j] = "DEFAULT"
				continue
			}
			lit, err := security.RenderLiteral(v)
			if err != nil {
				return nil, agent.NewToolError(agent.CodeInvalidArguments, "row %d, column %q: %v", i, column, err)
			}
			values[j] = lit
		}
		tuples = append(tuples, "("+strings.Join(values, ", ")+")")
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES\n  %s\nRETURNING 1",
		qualified, strings.Join(quoted, ", "), strings.Join(tuples, ",\n  "))
	rows, err := t.run(ctx, tc, "insert into "+qualified, stmt)
	if err != nil {
		return nil, err
	}

	return agent.OK(map[string]any{
		"schema":   schema,
		"table":    input.Table,
		"rowCount": len(rows),
	}), nil
}

// UpdateRowsTool updates the rows matching a predicate.
type UpdateRowsTool struct{ base }

func (t *UpdateRowsTool) Name() string { return "update_table_rows" }

func (t *UpdateRowsTool) Description() string {
	return fmt.Sprintf("Update rows matching a condition. The matching rows are counted first: the call is refused above the limit, and above %d rows it must be repeated with confirmMassUpdate=true after the user confirms.",
		t.guard.Config().MassThreshold)
}

func (t *UpdateRowsTool) Params() []agent.Param {
	return []agent.Param{
		schemaParam,
		tableParam,
		{Name: "set", Type: agent.TypeObject, Description: "Column names mapped to their new values", Required: true},
		whereParam,
		limitParam(t.guard),
		{Name: "confirmMassUpdate", Type: agent.TypeBoolean, Description: "The user confirmed updating many rows", Default: false},
	}
}

func (t *UpdateRowsTool) Execute(ctx context.Context, params json.RawMessage, tc agent.ToolContext) (*agent.ToolResult, error) {
	var input struct {
		Schema  string         `json:"schema"`
		Table   string         `json:"table"`
		Set     map[string]any `json:"set"`
		Where   string         `json:"where"`
		Limit   int            `json:"limit"`
		Confirm bool           `json:"confirmMassUpdate"`
	}
	if err := decodeParams(params, &input); err != nil {
		return nil, err
	}
	schema, qualified, err := t.mutableTarget(input.Schema, input.Table)
	if err != nil {
		return nil, err
	}
	if len(input.Set) == 0 {
		return nil, agent.NewToolError(agent.CodeInvalidArguments, "set must name at least one column")
	}

	columns := make([]string, 0, len(input.Set))
	for column := range input.Set {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	if err := security.ValidateIdentifiers("column", columns); err != nil {
		return nil, err
	}
	assignments := make([]string, len(columns))
	for i, column := range columns {
		lit, err := security.RenderLiteral(input.Set[column])
		if err != nil {
			return nil, agent.NewToolError(agent.CodeInvalidArguments, "column %q: %v", column, err)
		}
		assignments[i] = security.QuoteIdentifier(column) + " = " + lit
	}

	impact, err := t.guard.EstimateImpact(ctx, t.querier(tc), qualified, input.Where, security.ImpactRequest{
		Operation:   "update",
		Limit:       input.Limit,
		Confirmed:   input.Confirm,
		ConfirmFlag: "confirmMassUpdate",
	})
	if err != nil {
		return nil, err
	}

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s RETURNING 1", qualified, strings.Join(assignments, ", "), input.Where)
	rows, err := t.run(ctx, tc, "update "+qualified, stmt)
	if err != nil {
		return nil, err
	}

	return agent.OK(map[string]any{
		"schema":        schema,
		"table":         input.Table,
		"rowCount":      len(rows),
		"estimatedRows": impact.Count,
	}), nil
}

// DeleteRowsTool deletes the rows matching a predicate.
type DeleteRowsTool struct{ base }

func (t *DeleteRowsTool) Name() string { return "delete_table_rows" }

func (t *DeleteRowsTool) Description() string {
	return fmt.Sprintf("Delete rows matching a condition. The matching rows are counted first: the call is refused above the limit, and above %d rows it must be repeated with confirmMassDelete=true after the user confirms.",
		t.guard.Config().MassThreshold)
}

func (t *DeleteRowsTool) Params() []agent.Param {
	return []agent.Param{
		schemaParam,
		tableParam,
		whereParam,
		limitParam(t.guard),
		{Name: "confirmMassDelete", Type: agent.TypeBoolean, Description: "The user confirmed deleting many rows", Default: false},
	}
}

func (t *DeleteRowsTool) Execute(ctx context.Context, params json.RawMessage, tc agent.ToolContext) (*agent.ToolResult, error) {
	var input struct {
		Schema  string `json:"schema"`
		Table   string `json:"table"`
		Where   string `json:"where"`
		Limit   int    `json:"limit"`
		Confirm bool   `json:"confirmMassDelete"`
	}
	if err := decodeParams(params, &input); err != nil {
		return nil, err
	}
	schema, qualified, err := t.mutableTarget(input.Schema, input.Table)
	if err != nil {
		return nil, err
	}

	impact, err := t.guard.EstimateImpact(ctx, t.querier(tc), qualified, input.Where, security.ImpactRequest{
		Operation:   "delete",
		Limit:       input.Limit,
		Confirmed:   input.Confirm,
		ConfirmFlag: "confirmMassDelete",
	})
	if err != nil {
		return nil, err
	}

	rows, err := t.run(ctx, tc, "delete from "+qualified, fmt.Sprintf("DELETE FROM %s WHERE %s RETURNING 1", qualified, input.Where))
	if err != nil {
		return nil, err
	}

	return agent.OK(map[string]any{
		"schema":        schema,
		"table":         input.Table,
		"rowCount":      len(rows),
		"estimatedRows": impact.Count,
	}), nil
}
