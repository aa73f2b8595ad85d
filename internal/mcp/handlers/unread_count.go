package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// UnreadCount returns a handler that reports the unread counter and the
// notifications still waiting for an action.
func UnreadCount(src Notifications) server.ToolHandlerFunc {
	return func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		n := src.Unread()
		active := src.Active()

		var sb strings.Builder
		fmt.Fprintf(&sb, "🔔 %d unread\n", n)
		if len(active) > 0 {
			sb.WriteString("\nWaiting for action:\n")
			for _, v := range active {
				fmt.Fprintf(&sb, "- %s [%s/%s] %s\n", v.Key, v.Type, v.Stage, v.Title)
			}
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}
