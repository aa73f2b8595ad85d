package tab

import (
	"log/slog"

	"github.com/btouchard/tabcast/internal/presenter"
)

// LogSurface renders notifications as log records, for headless tabs.
type LogSurface struct {
	Logger *slog.Logger
}

func (s LogSurface) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s LogSurface) ShowToast(v presenter.View) {
	s.logger().Info("toast", "key", v.Key, "id", v.ID, "title", v.Title)
}

func (s LogSurface) OpenModal(v presenter.View) {
	s.logger().Info("modal", "key", v.Key, "id", v.ID, "title", v.Title, "body", v.Body)
}

func (s LogSurface) SetUnread(n int) { s.logger().Debug("unread", "count", n) }

func (s LogSurface) Info(msg string) { s.logger().Info(msg) }
