// Package source normalizes external lead sources into an ordered target
// queue and writes per-target status back, best-effort.
package source

import (
	"context"
	"strings"
)

// Row is one normalized source row
type Row struct {
	Index      int    // zero-based row index, stable source identity
	ProfileRef string // profile URL or handle
	Message    string // personalized message content
}

// RowSource reads ordered rows from a tabular source
type RowSource interface {
	// FetchRows returns rows in [from, to). to <= 0 means all remaining.
	FetchRows(ctx context.Context, from, to int) ([]Row, error)
}

// StatusWriter writes per-row status back into the source. Implementations
// are best-effort: callers log failures and move on.
type StatusWriter interface {
	WriteStatus(rowIndex int, status string) error
}

// Mapping describes which columns hold the profile identifier and the
// message template
type Mapping struct {
	ProfileColumn int    `json:"profile_column"`
	MessageColumn int    `json:"message_column"`
	ProfileHeader string `json:"profile_header,omitempty"`
	MessageHeader string `json:"message_header,omitempty"`
}

// Valid reports whether both columns were resolved
func (m Mapping) Valid() bool {
	return m.ProfileColumn >= 0 && m.MessageColumn >= 0 && m.ProfileColumn != m.MessageColumn
}

var (
	profileHints = []string{"profile", "url", "handle", "username", "link"}
	messageHints = []string{"message", "template", "text", "dm"}
)

// InferMapping guesses the profile and message columns from a header row.
// Unresolved columns are -1.
func InferMapping(headers []string) Mapping {
	m := Mapping{ProfileColumn: -1, MessageColumn: -1}

	for i, h := range headers {
		name := strings.ToLower(strings.TrimSpace(h))
		if m.ProfileColumn < 0 && matchesAny(name, profileHints) {
			m.ProfileColumn = i
			m.ProfileHeader = h
			continue
		}
		if m.MessageColumn < 0 && matchesAny(name, messageHints) {
			m.MessageColumn = i
			m.MessageHeader = h
		}
	}

	return m
}

func matchesAny(name string, hints []string) bool {
	for _, hint := range hints {
		if strings.Contains(name, hint) {
			return true
		}
	}
	return false
}
