// Package database provides the agent-callable tools that inspect and
// modify a project database. Every statement goes through a
// sqlgateway.Gateway and every mutating tool runs the security guard first.
package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/dbpilot/internal/agent"
	"github.com/haasonsaas/dbpilot/internal/sqlgateway"
	"github.com/haasonsaas/dbpilot/internal/tools/security"
)

const defaultSchema = "public"

// Tools returns every database tool bound to gw and guard. A nil guard
// uses the default limits.
func Tools(gw sqlgateway.Gateway, guard *security.Guard) []agent.Tool {
	if guard == nil {
		guard = security.NewGuard(security.DefaultGuardConfig())
	}
	b := base{gw: gw, guard: guard}
	return []agent.Tool{
		&ListTablesTool{b},
		&DescribeTableTool{b},
		&ListForeignKeysTool{b},
		&RunSQLTool{b},
		&CreateTableTool{b},
		&AddColumnTool{b},
		&DropTableTool{b},
		&InsertRowsTool{b},
		&UpdateRowsTool{b},
		&DeleteRowsTool{b},
	}
}

// Register adds every database tool to reg.
func Register(reg *agent.ToolRegistry, gw sqlgateway.Gateway, guard *security.Guard) error {
	if gw == nil {
		return fmt.Errorf("database tools: gateway is required")
	}
	return reg.Register(Tools(gw, guard)...)
}

// base carries the collaborators shared by every tool.
type base struct {
	gw    sqlgateway.Gateway
	guard *security.Guard
}

// run executes one statement for the call's project. Gateway failures become
// ExecutionFailed tool errors carrying the database message.
func (b base) run(ctx context.Context, tc agent.ToolContext, action, sql string) ([]map[string]any, error) {
	result, err := b.gw.Execute(ctx, sqlgateway.Request{
		ProjectRef:       tc.ProjectRef,
		ConnectionString: tc.ConnectionString,
		SQL:              sql,
	}, tc.Headers)
	if err != nil {
		return nil, agent.NewToolError(agent.CodeExecutionFailed, "%s failed: %v", action, err).WithCause(err)
	}
	if result == nil || result.Rows == nil {
		return []map[string]any{}, nil
	}
	return result.Rows, nil
}

// querier adapts the gateway to the guard's Querier for one call.
func (b base) querier(tc agent.ToolContext) security.Querier {
	return func(ctx context.Context, sql string) ([]map[string]any, error) {
		result, err := b.gw.Execute(ctx, sqlgateway.Request{
			ProjectRef:       tc.ProjectRef,
			ConnectionString: tc.ConnectionString,
			SQL:              sql,
		}, tc.Headers)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		return result.Rows, nil
	}
}

func decodeParams(params json.RawMessage, v any) error {
	if err := json.Unmarshal(params, v); err != nil {
		return agent.NewToolError(agent.CodeInvalidArguments, "invalid parameters: %v", err)
	}
	return nil
}

func schemaOrDefault(schema string) string {
	if schema == "" {
		return defaultSchema
	}
	return schema
}

// target validates a schema/table pair and returns the quoted qualified name.
func target(schema, table string) (string, string, error) {
	schema = schemaOrDefault(schema)
	qualified, err := security.QualifiedName(schema, table)
	if err != nil {
		return "", "", err
	}
	return schema, qualified, nil
}

// mutableTarget is target plus the protected schema check.
func (b base) mutableTarget(schema, table string) (string, string, error) {
	schema, qualified, err := target(schema, table)
	if err != nil {
		return "", "", err
	}
	if err := b.guard.CheckProtected(schema); err != nil {
		return "", "", err
	}
	return schema, qualified, nil
}

var (
	schemaParam = agent.Param{
		Name:        "schema",
		Type:        agent.TypeString,
		Description: "Schema name",
		Default:     defaultSchema,
	}
	tableParam = agent.Param{
		Name:        "table",
		Type:        agent.TypeString,
		Description: "Table name",
		Required:    true,
	}
)
