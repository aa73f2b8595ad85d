package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/tabcast/internal/presenter"
)

// Acknowledge returns a handler that marks one active notification as read.
func Acknowledge(src Notifications) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, _ := req.GetArguments()["key"].(string)
		if key == "" {
			return mcp.NewToolResultError("key is required"), nil
		}

		if err := src.Acknowledge(key); err != nil {
			if errors.Is(err, presenter.ErrUnknown) {
				return mcp.NewToolResultError(fmt.Sprintf("Notification %s is not waiting for an action", key)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("Failed to acknowledge: %s", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("✅ Acknowledged %s, %d unread", key, src.Unread())), nil
	}
}
