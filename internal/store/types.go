package store

import (
	"time"
)

// CampaignStatus represents the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// Terminal reports whether the status allows no further transitions
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignFailed
}

// SchedulePolicy controls how a campaign dispatches messages
type SchedulePolicy struct {
	StartAt      *time.Time    `json:"start_at,omitempty"`
	MaxPerDay    int           `json:"max_per_day"`    // rolling 24h cap; 0 = unlimited
	MessageDelay time.Duration `json:"message_delay"`  // min delay between sends from one account
	Rotation     string        `json:"rotation"`       // round-robin or sticky; empty = pool default
}

// Progress holds campaign counters. Only the scheduler and the status
// sink write sent/failed/skipped; only the reply correlator writes replied.
type Progress struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Replied int `json:"replied"`
}

// Campaign is one outreach campaign
type Campaign struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Platform      string         `json:"platform"`
	SourcePath    string         `json:"source_path,omitempty"` // origin file for status write-back
	Policy        SchedulePolicy `json:"policy"`
	Status        CampaignStatus `json:"status"`
	Progress      Progress       `json:"progress"`
	PauseReason   string         `json:"pause_reason,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// TargetStatus represents the outcome state of a target
type TargetStatus string

const (
	TargetPending TargetStatus = "pending"
	TargetSent    TargetStatus = "sent"
	TargetFailed  TargetStatus = "failed"
	TargetSkipped TargetStatus = "skipped"
	TargetReplied TargetStatus = "replied"
)

// Target is one profile to be messaged, derived from a source row.
// Identity is immutable; status and attempt bookkeeping are owned by the
// engine during execution.
type Target struct {
	ID            string       `json:"id"` // campaignID:zero-padded row index
	CampaignID    string       `json:"campaign_id"`
	ProfileRef    string       `json:"profile_ref"` // URL or handle
	Message       string       `json:"message"`
	RowIndex      int          `json:"row_index"`
	Status        TargetStatus `json:"status"`
	Reason        string       `json:"reason,omitempty"`
	Attempts      int          `json:"attempts"`
	LastAttemptAt time.Time    `json:"last_attempt_at,omitzero"`
}

// DispatchAttempt correlates a target, an account and an outcome. The
// sender key recorded at send time is what the reply correlator indexes
// against.
type DispatchAttempt struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	TargetID   string    `json:"target_id"`
	AccountID  string    `json:"account_id"`
	SenderKey  string    `json:"sender_key"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// TargetStats summarizes per-status target counts for a campaign
type TargetStats struct {
	Pending int64 `json:"pending"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Skipped int64 `json:"skipped"`
	Replied int64 `json:"replied"`
	Total   int64 `json:"total"`
}
