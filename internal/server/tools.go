// SPDX-License-Identifier: AGPL-3.0-only
package server

import (
	"context"
	"reflect"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolDefinition represents a tool that can be registered with the MCP server
type ToolDefinition struct {
	// Name is the name of the tool
	Name string

	// Description is a brief description of what the tool does
	Description string

	// Handler is the function that will be called when the tool is invoked
	Handler func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error)

	// Parameters is the parameter schema for the tool (can be a struct)
	Parameters interface{}
}

// registerToolsDeclarative sets up all the MCP tools
func (s *MCPServer) registerToolsDeclarative() {
	tools := []ToolDefinition{
		{
			Name:        "start_session",
			Description: "Starts a Kubernetes discovery chat session with its own agent. Returns the session ID, a welcome text and the functions the agent can use.",
			Handler:     s.handleStartSession,
			Parameters:  struct{}{},
		},
		{
			Name:        "ask",
			Description: "Asks the agent of a session a question about the cluster. Requires 'session_id' and 'message'. Returns the complete answer.",
			Handler:     s.handleAsk,
			Parameters:  AskParams{},
		},
		{
			Name:        "end_session",
			Description: "Ends a session, cancelling any running question and stopping its tool provider",
			Handler:     s.handleEndSession,
			Parameters:  SessionIDParams{},
		},
		{
			Name:        "list_sessions",
			Description: "Lists the open sessions",
			Handler:     s.handleListSessions,
			Parameters:  struct{}{},
		},
		{
			Name:        "get_session_history",
			Description: "Gets the recorded questions and answers of a session, most recent first",
			Handler:     s.handleGetSessionHistory,
			Parameters:  HistoryParams{},
		},
		{
			Name:        "list_report_jobs",
			Description: "Lists the scheduled cluster report jobs",
			Handler:     s.handleListReportJobs,
			Parameters:  struct{}{},
		},
		{
			Name:        "run_report_job",
			Description: "Runs a report job now in a fresh session and waits for it to finish",
			Handler:     s.handleRunReportJob,
			Parameters:  JobNameParams{},
		},
		{
			Name:        "enable_report_job",
			Description: "Enables a report job so it runs on its schedule",
			Handler:     s.handleEnableReportJob,
			Parameters:  JobNameParams{},
		},
		{
			Name:        "disable_report_job",
			Description: "Disables a report job so it stops running on its schedule but is not removed",
			Handler:     s.handleDisableReportJob,
			Parameters:  JobNameParams{},
		},
	}

	// Register all the tools
	for _, tool := range tools {
		registerToolWithError(s.server, tool)
	}
}

// registerToolWithError registers a tool with the MCP server
func registerToolWithError(srv *mcp.Server, def ToolDefinition) {
	schema := buildSchema(def.Parameters)
	tool := &mcp.Tool{
		Name:        def.Name,
		Description: def.Description,
		InputSchema: schema,
	}
	srv.AddTool(tool, def.Handler)
}

// buildSchema converts a Go struct with json and description tags into a JSON Schema object
func buildSchema(params interface{}) map[string]interface{} {
	t := reflect.TypeOf(params)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	properties := map[string]interface{}{}
	var required []string

	collectFields(t, properties, &required)

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// collectFields extracts JSON schema properties from struct fields,
// recursing into embedded (anonymous) structs.
func collectFields(t reflect.Type, properties map[string]interface{}, required *[]string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		// Recurse into embedded structs
		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			collectFields(field.Type, properties, required)
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "" || jsonTag == "-" {
			continue
		}

		// Parse json tag to get field name and options
		parts := strings.Split(jsonTag, ",")
		fieldName := parts[0]
		omitempty := false
		for _, p := range parts[1:] {
			if p == "omitempty" {
				omitempty = true
			}
		}

		prop := map[string]interface{}{
			"type": goTypeToJSONType(field.Type),
		}

		if desc := field.Tag.Get("description"); desc != "" {
			prop["description"] = desc
		}

		properties[fieldName] = prop

		if !omitempty {
			*required = append(*required, fieldName)
		}
	}
}

// goTypeToJSONType maps Go types to JSON Schema types
func goTypeToJSONType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	default:
		return "string"
	}
}
