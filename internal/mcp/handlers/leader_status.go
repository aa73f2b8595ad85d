package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// LeaderStatus returns a handler that reports which tab holds the push
// connection and the state of this tab.
func LeaderStatus(src StatusSource) server.ToolHandlerFunc {
	return func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st := src.Status()

		leader := st.Leader
		if leader == "" {
			leader = "(none yet)"
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "👑 Leader: %s\n", leader)
		fmt.Fprintf(&sb, "Tab: %s (%s)\n", st.Tab, st.Role)
		fmt.Fprintf(&sb, "Stream: %s\n", st.Stream)
		fmt.Fprintf(&sb, "Audio: %s | Banners: %s\n", st.Audio, st.Permission)
		fmt.Fprintf(&sb, "Unread: %d | Waiting: %d\n", st.Unread, st.Active)
		if !st.StartedAt.IsZero() {
			fmt.Fprintf(&sb, "Up: %s\n", time.Since(st.StartedAt).Round(time.Second))
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}
