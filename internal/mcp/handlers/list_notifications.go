package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/tabcast/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
	maxBodyPreview   = 120
)

// ListNotifications returns a handler that lists the tab's notification
// history, newest first.
func ListNotifications(src Notifications) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		filter := store.NotificationFilter{Limit: defaultListLimit}
		if unread, ok := args["unread"].(bool); ok {
			filter.Unread = unread
		}
		if limit, ok := args["limit"].(float64); ok && limit > 0 {
			filter.Limit = min(int(limit), maxListLimit)
		}

		records, err := src.History(filter)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list notifications: %s", err)), nil
		}
		if len(records) == 0 {
			return mcp.NewToolResultText("No notifications found."), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "📬 Notifications (%d found)\n\n", len(records))
		for _, r := range records {
			mark := "✉️"
			if r.Read {
				mark = "✔"
			}
			fmt.Fprintf(&sb, "%s **%s** (%s) %s\n", mark, r.Title, r.Type, r.ReceivedAt.Format(time.RFC3339))
			fmt.Fprintf(&sb, "  Key: %s\n", r.Key)
			if r.Body != "" {
				body := strings.Join(strings.Fields(r.Body), " ")
				if len(body) > maxBodyPreview {
					body = body[:maxBodyPreview] + "..."
				}
				fmt.Fprintf(&sb, "  %s\n", body)
			}
			sb.WriteString("\n")
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}
