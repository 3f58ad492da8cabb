package engine

import (
	"log/slog"
	"sync"

	"github.com/getreach/reachd/internal/source"
)

// StatusSink writes terminal target outcomes back to the originating
// source. Every write is best-effort: the messaging side-effect already
// happened and is not reversible, so failures are logged and swallowed.
type StatusSink struct {
	mu      sync.Mutex
	writers map[string]source.StatusWriter // campaign ID -> writer
	logger  *slog.Logger
}

// NewStatusSink creates an empty sink
func NewStatusSink(logger *slog.Logger) *StatusSink {
	return &StatusSink{
		writers: make(map[string]source.StatusWriter),
		logger:  logger.With("component", "status_sink"),
	}
}

// Bind attaches a writer for a campaign. A nil writer leaves the campaign
// without write-back, which is fine.
func (s *StatusSink) Bind(campaignID string, w source.StatusWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w == nil {
		return
	}
	s.writers[campaignID] = w
}

// Unbind detaches a campaign's writer
func (s *StatusSink) Unbind(campaignID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.writers, campaignID)
}

// Write records a target outcome in the source. No writer bound means a
// silent skip, not an error.
func (s *StatusSink) Write(campaignID string, rowIndex int, status string) {
	s.mu.Lock()
	w := s.writers[campaignID]
	s.mu.Unlock()

	if w == nil {
		return
	}

	if err := w.WriteStatus(rowIndex, status); err != nil {
		s.logger.Warn("status write-back failed",
			"campaign_id", campaignID,
			"row", rowIndex,
			"status", status,
			"error", err,
		)
	}
}
