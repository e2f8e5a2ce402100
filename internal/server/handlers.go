// SPDX-License-Identifier: AGPL-3.0-only
package server

import (
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/BiproDe/AKS-AI-Agent/internal/errors"
)

// extractParams extracts parameters from a tool request
func extractParams(request *mcp.CallToolRequest, params interface{}) error {
	raw := request.Params.Arguments
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, params); err != nil {
		return errors.InvalidInput(fmt.Sprintf("invalid parameters: %v", err))
	}
	return nil
}

// extractSessionIDParam extracts the session ID parameter from a request
func extractSessionIDParam(request *mcp.CallToolRequest) (string, error) {
	var params SessionIDParams
	if err := extractParams(request, &params); err != nil {
		return "", err
	}

	if params.SessionID == "" {
		return "", errors.InvalidInput("session_id is required")
	}

	return params.SessionID, nil
}

// createSuccessResponse creates a success response
func createSuccessResponse(message string) (*mcp.CallToolResult, error) {
	return createJSONResponse(map[string]interface{}{
		"success": true,
		"message": message,
	})
}

// createErrorResponse creates an error response
func createErrorResponse(err error) (*mcp.CallToolResult, error) {
	// Always return the original error as the second return value
	// This ensures MCP protocol error handling works correctly
	return nil, err
}

// createTextResponse returns text as is.
func createTextResponse(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: isError,
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// createJSONResponse returns v encoded as JSON text.
func createJSONResponse(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to marshal response: %w", err))
	}
	return createTextResponse(string(data), false), nil
}
