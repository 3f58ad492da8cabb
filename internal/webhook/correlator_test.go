package webhook

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/getreach/reachd/internal/store"
)

func setupCorrelator(t *testing.T) (*store.Store, chan ReplyEvent, *Correlator) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	events := make(chan ReplyEvent, 8)
	c := NewCorrelator(st, events, nil, testLogger())
	return st, events, c
}

func seedSentTarget(t *testing.T, st *store.Store, senderKey string) *store.Target {
	t.Helper()
	ctx := context.Background()

	if err := st.CreateCampaign(ctx, &store.Campaign{ID: "c1", Name: "camp", Status: store.CampaignRunning}); err != nil {
		t.Fatalf("CreateCampaign failed: %v", err)
	}

	target := &store.Target{
		ID:         store.TargetKey("c1", 0),
		CampaignID: "c1",
		ProfileRef: "alice",
		RowIndex:   0,
		Status:     store.TargetSent,
	}
	if err := st.UpdateTarget(ctx, target); err != nil {
		t.Fatalf("UpdateTarget failed: %v", err)
	}

	attempt := &store.DispatchAttempt{
		ID:         "a1",
		CampaignID: "c1",
		TargetID:   target.ID,
		AccountID:  "acct1",
		SenderKey:  senderKey,
		Outcome:    "sent",
	}
	if err := st.RecordAttempt(ctx, attempt); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}
	return target
}

func waitForStatus(t *testing.T, st *store.Store, targetID string, want store.TargetStatus) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		target, err := st.GetTarget(context.Background(), targetID)
		if err != nil {
			t.Fatalf("GetTarget failed: %v", err)
		}
		if target != nil && target.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("target %s never reached status %s", targetID, want)
}

func TestCorrelatorMatchesReply(t *testing.T) {
	st, events, c := setupCorrelator(t)
	target := seedSentTarget(t, st, "17841400000001")

	c.Start(context.Background())
	defer c.Stop()

	events <- ReplyEvent{SenderID: "17841400000001", Text: "hi back", Timestamp: time.Now()}

	waitForStatus(t, st, target.ID, store.TargetReplied)

	camp, err := st.GetCampaign(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetCampaign failed: %v", err)
	}
	if camp.Progress.Replied != 1 {
		t.Errorf("Progress.Replied = %d, want 1", camp.Progress.Replied)
	}
}

func TestCorrelatorUnmatchedDiscarded(t *testing.T) {
	st, events, c := setupCorrelator(t)
	target := seedSentTarget(t, st, "17841400000001")

	c.Start(context.Background())
	defer c.Stop()

	events <- ReplyEvent{SenderID: "unknown-sender", Text: "spam", Timestamp: time.Now()}

	// Give the loop a moment; the target must stay sent
	time.Sleep(100 * time.Millisecond)

	got, err := st.GetTarget(context.Background(), target.ID)
	if err != nil {
		t.Fatalf("GetTarget failed: %v", err)
	}
	if got.Status != store.TargetSent {
		t.Errorf("Status = %q, want sent to remain", got.Status)
	}
}

func TestCorrelatorDuplicateReply(t *testing.T) {
	st, events, c := setupCorrelator(t)
	target := seedSentTarget(t, st, "17841400000001")

	c.Start(context.Background())
	defer c.Stop()

	events <- ReplyEvent{SenderID: "17841400000001", Text: "first", Timestamp: time.Now()}
	events <- ReplyEvent{SenderID: "17841400000001", Text: "second", Timestamp: time.Now()}

	waitForStatus(t, st, target.ID, store.TargetReplied)
	time.Sleep(100 * time.Millisecond)

	camp, err := st.GetCampaign(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetCampaign failed: %v", err)
	}
	if camp.Progress.Replied != 1 {
		t.Errorf("Progress.Replied = %d, want 1; duplicate replies must not double-count", camp.Progress.Replied)
	}
}

func TestCorrelatorLatestAttemptWins(t *testing.T) {
	st, events, c := setupCorrelator(t)
	ctx := context.Background()

	seedSentTarget(t, st, "17841400000001")

	// The same account later messaged a second target; correlation
	// resolves to the newest attempt
	second := &store.Target{
		ID:         store.TargetKey("c1", 1),
		CampaignID: "c1",
		ProfileRef: "bob",
		RowIndex:   1,
		Status:     store.TargetSent,
	}
	if err := st.UpdateTarget(ctx, second); err != nil {
		t.Fatalf("UpdateTarget failed: %v", err)
	}
	if err := st.RecordAttempt(ctx, &store.DispatchAttempt{
		ID:         "a2",
		CampaignID: "c1",
		TargetID:   second.ID,
		AccountID:  "acct1",
		SenderKey:  "17841400000001",
		Outcome:    "sent",
	}); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}

	c.Start(ctx)
	defer c.Stop()

	events <- ReplyEvent{SenderID: "17841400000001", Text: "hey", Timestamp: time.Now()}

	waitForStatus(t, st, second.ID, store.TargetReplied)

	first, err := st.GetTarget(ctx, store.TargetKey("c1", 0))
	if err != nil {
		t.Fatalf("GetTarget failed: %v", err)
	}
	if first.Status != store.TargetSent {
		t.Errorf("first target Status = %q, want sent untouched", first.Status)
	}
}
