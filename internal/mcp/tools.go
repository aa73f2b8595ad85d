package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/tabcast/internal/mcp/handlers"
)

func registerTools(s *server.MCPServer, deps *Deps) {
	// unread_count: Counter and notifications waiting for an action
	s.AddTool(
		mcp.NewTool("unread_count",
			mcp.WithDescription("Get the tab's unread notification counter and the notifications still waiting for an action."),
		),
		handlers.UnreadCount(deps.Notifications),
	)

	// list_notifications: Notification history
	s.AddTool(
		mcp.NewTool("list_notifications",
			mcp.WithDescription("List notifications received by this tab, newest first."),
			mcp.WithBoolean("unread",
				mcp.Description("Only list notifications not yet read"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of notifications to return (default: 20, max: 200)"),
			),
		),
		handlers.ListNotifications(deps.Notifications),
	)

	// acknowledge: Mark one notification read
	s.AddTool(
		mcp.NewTool("acknowledge",
			mcp.WithDescription("Mark a notification waiting for an action as read. Decrements the unread counter."),
			mcp.WithString("key",
				mcp.Required(),
				mcp.Description("Delivery key as returned by unread_count or list_notifications"),
			),
		),
		handlers.Acknowledge(deps.Notifications),
	)

	// leader_status: Coordination state
	s.AddTool(
		mcp.NewTool("leader_status",
			mcp.WithDescription("Report which tab holds the push connection, this tab's role and its stream, audio and banner state."),
		),
		handlers.LeaderStatus(deps.Status),
	)
}
