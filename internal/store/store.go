package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCampaigns   = []byte("campaigns")
	bucketTargets     = []byte("targets")
	bucketAttempts    = []byte("attempts")
	bucketSenderIndex = []byte("sender_index")
)

// Store persists campaigns, targets and dispatch attempts in BoltDB
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the store at path
func Open(path string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCampaigns, bucketTargets, bucketAttempts, bucketSenderIndex} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *Store) DB() *bolt.DB {
	return s.db
}

// CreateCampaign stores a new campaign
func (s *Store) CreateCampaign(ctx context.Context, c *Campaign) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCampaigns)
		if bucket.Get([]byte(c.ID)) != nil {
			return fmt.Errorf("campaign already exists: %s", c.ID)
		}
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal campaign: %w", err)
		}
		return bucket.Put([]byte(c.ID), data)
	})
}

// GetCampaign retrieves a campaign by ID. Returns nil, nil when not found.
func (s *Store) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	var c *Campaign

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCampaigns).Get([]byte(id))
		if data == nil {
			return nil
		}
		c = &Campaign{}
		return json.Unmarshal(data, c)
	})

	return c, err
}

// ListCampaigns returns all campaigns
func (s *Store) ListCampaigns(ctx context.Context) ([]*Campaign, error) {
	var campaigns []*Campaign

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCampaigns).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var campaign Campaign
			if err := json.Unmarshal(v, &campaign); err != nil {
				continue
			}
			campaigns = append(campaigns, &campaign)
		}
		return nil
	})

	return campaigns, err
}

// UpdateCampaign replaces the stored campaign
func (s *Store) UpdateCampaign(ctx context.Context, c *Campaign) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c.UpdatedAt = time.Now()
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal campaign: %w", err)
		}
		return tx.Bucket(bucketCampaigns).Put([]byte(c.ID), data)
	})
}

// SetCampaignStatus transitions a campaign's status. Transitions out of a
// terminal status are rejected.
func (s *Store) SetCampaignStatus(ctx context.Context, id string, status CampaignStatus, reason string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCampaigns)
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("campaign not found: %s", id)
		}

		var c Campaign
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("failed to unmarshal campaign: %w", err)
		}

		if c.Status.Terminal() {
			return fmt.Errorf("campaign %s is %s and cannot transition to %s", id, c.Status, status)
		}

		c.Status = status
		c.PauseReason = ""
		c.FailureReason = ""
		switch status {
		case CampaignPaused:
			c.PauseReason = reason
		case CampaignFailed:
			c.FailureReason = reason
		}
		c.UpdatedAt = time.Now()

		updated, err := json.Marshal(&c)
		if err != nil {
			return fmt.Errorf("failed to marshal campaign: %w", err)
		}
		return bucket.Put([]byte(id), updated)
	})
}

// AddProgress atomically adds delta to a campaign's progress counters
func (s *Store) AddProgress(ctx context.Context, id string, delta Progress) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCampaigns)
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("campaign not found: %s", id)
		}

		var c Campaign
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("failed to unmarshal campaign: %w", err)
		}

		c.Progress.Sent += delta.Sent
		c.Progress.Failed += delta.Failed
		c.Progress.Skipped += delta.Skipped
		c.Progress.Replied += delta.Replied
		c.UpdatedAt = time.Now()

		updated, err := json.Marshal(&c)
		if err != nil {
			return fmt.Errorf("failed to marshal campaign: %w", err)
		}
		return bucket.Put([]byte(id), updated)
	})
}

// TargetKey builds the target bucket key. The zero-padded row index keeps
// cursor iteration in source order and makes commits idempotent per row.
func TargetKey(campaignID string, rowIndex int) string {
	return fmt.Sprintf("%s:%08d", campaignID, rowIndex)
}

// AddTargets stores targets for a campaign. Rows already present (same
// campaign, same row index) are counted as duplicates and left untouched.
func (s *Store) AddTargets(ctx context.Context, targets []*Target) (added, duplicates int, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketTargets)
		for _, t := range targets {
			if t.ID == "" {
				t.ID = TargetKey(t.CampaignID, t.RowIndex)
			}
			if bucket.Get([]byte(t.ID)) != nil {
				duplicates++
				continue
			}
			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("failed to marshal target: %w", err)
			}
			if err := bucket.Put([]byte(t.ID), data); err != nil {
				return fmt.Errorf("failed to store target: %w", err)
			}
			added++
		}
		return nil
	})
	return added, duplicates, err
}

// GetTarget retrieves a target by ID. Returns nil, nil when not found.
func (s *Store) GetTarget(ctx context.Context, id string) (*Target, error) {
	var t *Target

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTargets).Get([]byte(id))
		if data == nil {
			return nil
		}
		t = &Target{}
		return json.Unmarshal(data, t)
	})

	return t, err
}

// UpdateTarget replaces the stored target
func (s *Store) UpdateTarget(ctx context.Context, t *Target) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal target: %w", err)
		}
		return tx.Bucket(bucketTargets).Put([]byte(t.ID), data)
	})
}

// PendingTargets returns up to limit pending targets for a campaign in
// source order
func (s *Store) PendingTargets(ctx context.Context, campaignID string, limit int) ([]*Target, error) {
	var targets []*Target
	prefix := []byte(campaignID + ":")

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTargets).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var t Target
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if t.Status != TargetPending {
				continue
			}
			targets = append(targets, &t)
			if limit > 0 && len(targets) >= limit {
				return nil
			}
		}
		return nil
	})

	return targets, err
}

// ListTargets returns all targets of a campaign, optionally filtered by status
func (s *Store) ListTargets(ctx context.Context, campaignID string, status TargetStatus) ([]*Target, error) {
	var targets []*Target
	prefix := []byte(campaignID + ":")

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTargets).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var t Target
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if status != "" && t.Status != status {
				continue
			}
			targets = append(targets, &t)
		}
		return nil
	})

	return targets, err
}

// TargetStats returns per-status counts for a campaign's targets
func (s *Store) TargetStats(ctx context.Context, campaignID string) (*TargetStats, error) {
	stats := &TargetStats{}
	prefix := []byte(campaignID + ":")

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTargets).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var t Target
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			stats.Total++
			switch t.Status {
			case TargetPending:
				stats.Pending++
			case TargetSent:
				stats.Sent++
			case TargetFailed:
				stats.Failed++
			case TargetSkipped:
				stats.Skipped++
			case TargetReplied:
				stats.Replied++
			}
		}
		return nil
	})

	return stats, err
}

// RecordAttempt stores a dispatch attempt and indexes it by sender key.
// A later attempt with the same sender key replaces the index entry, so
// correlation always resolves to the most recent attempt.
func (s *Store) RecordAttempt(ctx context.Context, a *DispatchAttempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal attempt: %w", err)
		}
		if err := tx.Bucket(bucketAttempts).Put([]byte(a.ID), data); err != nil {
			return fmt.Errorf("failed to store attempt: %w", err)
		}
		if a.SenderKey != "" {
			if err := tx.Bucket(bucketSenderIndex).Put([]byte(a.SenderKey), []byte(a.ID)); err != nil {
				return fmt.Errorf("failed to index attempt: %w", err)
			}
		}
		return nil
	})
}

// AttemptBySenderKey looks up the most recent attempt recorded under a
// sender key. Returns nil, nil when no attempt matches.
func (s *Store) AttemptBySenderKey(ctx context.Context, key string) (*DispatchAttempt, error) {
	var a *DispatchAttempt

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketSenderIndex).Get([]byte(key))
		if id == nil {
			return nil
		}
		data := tx.Bucket(bucketAttempts).Get(id)
		if data == nil {
			return nil
		}
		a = &DispatchAttempt{}
		return json.Unmarshal(data, a)
	})

	return a, err
}
