package ratelimit

import (
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestDB(t *testing.T) *bolt.DB {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestLimiter(t *testing.T, db *bolt.DB) *Limiter {
	t.Helper()

	l, err := NewLimiter(db, Config{FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	t.Cleanup(func() { l.Stop() })
	return l
}

func TestAllowCampaignUnlimited(t *testing.T) {
	l := newTestLimiter(t, setupTestDB(t))

	for i := 0; i < 100; i++ {
		l.NoteSend("c1", "a1")
	}
	if res := l.AllowCampaign("c1", 0); !res.Allowed {
		t.Error("maxPerDay=0 should never deny")
	}
}

func TestAllowCampaignDailyCap(t *testing.T) {
	l := newTestLimiter(t, setupTestDB(t))

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return base })

	for i := 0; i < 3; i++ {
		if res := l.AllowCampaign("c1", 3); !res.Allowed {
			t.Fatalf("send %d should be allowed", i+1)
		}
		l.NoteSend("c1", "a1")
	}

	res := l.AllowCampaign("c1", 3)
	if res.Allowed {
		t.Error("4th send should be denied by the daily cap")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > 24*time.Hour {
		t.Errorf("RetryAfter = %v, want within (0, 24h]", res.RetryAfter)
	}
}

func TestAllowCampaignWindowRollover(t *testing.T) {
	l := newTestLimiter(t, setupTestDB(t))

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		l.NoteSend("c1", "a1")
	}
	if res := l.AllowCampaign("c1", 2); res.Allowed {
		t.Fatal("cap should be reached")
	}

	// 24 hours later the window resets
	now = now.Add(24*time.Hour + time.Minute)
	if res := l.AllowCampaign("c1", 2); !res.Allowed {
		t.Error("expected the window to roll over after 24h")
	}
}

func TestAllowCampaignIndependentWindows(t *testing.T) {
	l := newTestLimiter(t, setupTestDB(t))

	l.NoteSend("c1", "a1")
	l.NoteSend("c1", "a1")

	if res := l.AllowCampaign("c1", 2); res.Allowed {
		t.Error("campaign c1 should be capped")
	}
	if res := l.AllowCampaign("c2", 2); !res.Allowed {
		t.Error("campaign c2 has its own window")
	}
}

func TestAllowCampaignCheckOnly(t *testing.T) {
	l := newTestLimiter(t, setupTestDB(t))

	// AllowCampaign never increments; only NoteSend does
	for i := 0; i < 10; i++ {
		if res := l.AllowCampaign("c1", 2); !res.Allowed {
			t.Fatalf("check %d should be allowed, nothing was sent yet", i+1)
		}
	}
}

func TestAccountReady(t *testing.T) {
	l := newTestLimiter(t, setupTestDB(t))

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	// No prior send: immediately ready
	if res := l.AccountReady("a1", time.Minute); !res.Allowed {
		t.Error("account with no send history should be ready")
	}

	l.NoteSend("c1", "a1")

	res := l.AccountReady("a1", time.Minute)
	if res.Allowed {
		t.Error("account should be held back inside the min delay")
	}
	if res.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %v, want 1m", res.RetryAfter)
	}

	now = now.Add(61 * time.Second)
	if res := l.AccountReady("a1", time.Minute); !res.Allowed {
		t.Error("account should be ready after the delay elapsed")
	}
}

func TestAccountReadyZeroDelay(t *testing.T) {
	l := newTestLimiter(t, setupTestDB(t))

	l.NoteSend("c1", "a1")
	if res := l.AccountReady("a1", 0); !res.Allowed {
		t.Error("zero delay should never hold an account back")
	}
}

func TestAccountReadyIndependentAccounts(t *testing.T) {
	l := newTestLimiter(t, setupTestDB(t))

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	l.NoteSend("c1", "a1")

	if res := l.AccountReady("a1", time.Minute); res.Allowed {
		t.Error("a1 should be held back")
	}
	if res := l.AccountReady("a2", time.Minute); !res.Allowed {
		t.Error("a2 never sent, should be ready")
	}
}

func TestCountersPersist(t *testing.T) {
	db := setupTestDB(t)

	l, err := NewLimiter(db, Config{FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	l.NoteSend("c1", "a1")
	l.NoteSend("c1", "a1")
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// A fresh limiter over the same DB sees the persisted window
	l2 := newTestLimiter(t, db)
	if res := l2.AllowCampaign("c1", 2); res.Allowed {
		t.Error("persisted counter should still cap the campaign")
	}
}
