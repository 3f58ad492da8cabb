package webhook

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	if cfg.VerifyToken == "" {
		cfg.VerifyToken = "secret-token"
	}
	return NewServer(cfg, testLogger())
}

func TestVerifyHandshake(t *testing.T) {
	s := newTestServer(t, Config{})
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	q := url.Values{}
	q.Set("mode", "subscribe")
	q.Set("challenge", "abc123")
	q.Set("verify_token", "secret-token")

	resp, err := http.Get(ts.URL + "/webhook?" + q.Encode())
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "abc123" {
		t.Errorf("body = %q, want the challenge echoed back", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
}

func TestVerifyHandshakeTokenMismatch(t *testing.T) {
	s := newTestServer(t, Config{})
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	q := url.Values{}
	q.Set("mode", "subscribe")
	q.Set("challenge", "abc123")
	q.Set("verify_token", "wrong-token")

	resp, err := http.Get(ts.URL + "/webhook?" + q.Encode())
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), "abc123") {
		t.Error("challenge must not leak on a rejected handshake")
	}
}

func TestVerifyHandshakeWrongMode(t *testing.T) {
	s := newTestServer(t, Config{})
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	q := url.Values{}
	q.Set("mode", "unsubscribe")
	q.Set("challenge", "abc123")
	q.Set("verify_token", "secret-token")

	resp, err := http.Get(ts.URL + "/webhook?" + q.Encode())
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for a non-subscribe mode", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), "abc123") {
		t.Error("challenge must not leak on a rejected handshake")
	}
}

func TestEventsEnqueued(t *testing.T) {
	s := newTestServer(t, Config{QueueSize: 4})
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	payload := `{
		"entry": [{
			"id": "17841400000099",
			"messaging": [{
				"sender": {"id": "17841400000001"},
				"recipient": {"id": "17841400000099"},
				"timestamp": 1756400000000,
				"message": {"text": "sounds interesting, tell me more"}
			}]
		}]
	}`

	resp, err := http.Post(ts.URL+"/webhook", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "EVENT_RECEIVED" {
		t.Errorf("body = %q, want EVENT_RECEIVED", body)
	}

	select {
	case ev := <-s.Events():
		if ev.SenderID != "17841400000001" {
			t.Errorf("SenderID = %q, want 17841400000001", ev.SenderID)
		}
		if ev.BusinessID != "17841400000099" {
			t.Errorf("BusinessID = %q, want 17841400000099", ev.BusinessID)
		}
		if ev.Text != "sounds interesting, tell me more" {
			t.Errorf("Text = %q", ev.Text)
		}
		if ev.Timestamp != time.UnixMilli(1756400000000) {
			t.Errorf("Timestamp = %v", ev.Timestamp)
		}
	case <-time.After(time.Second):
		t.Fatal("no event enqueued")
	}
}

func TestEventsMultiplePerEntry(t *testing.T) {
	s := newTestServer(t, Config{QueueSize: 4})
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	payload := `{
		"entry": [{
			"id": "biz",
			"messaging": [
				{"sender": {"id": "s1"}, "message": {"text": "one"}},
				{"sender": {"id": "s2"}, "message": {"text": "two"}}
			]
		}]
	}`

	resp, err := http.Post(ts.URL+"/webhook", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if len(s.Events()) != 2 {
		t.Errorf("queued events = %d, want 2", len(s.Events()))
	}
}

func TestEventsBadPayload(t *testing.T) {
	s := newTestServer(t, Config{})
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/webhook", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestEventsQueueFullDrops(t *testing.T) {
	s := newTestServer(t, Config{QueueSize: 1})
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	payload := `{
		"entry": [{
			"id": "biz",
			"messaging": [
				{"sender": {"id": "s1"}, "message": {"text": "one"}},
				{"sender": {"id": "s2"}, "message": {"text": "two"}}
			]
		}]
	}`

	// The second event overflows the queue; the request still succeeds
	resp, err := http.Post(ts.URL+"/webhook", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 even when dropping", resp.StatusCode)
	}
	if len(s.Events()) != 1 {
		t.Errorf("queued events = %d, want 1", len(s.Events()))
	}
}

func TestCustomPath(t *testing.T) {
	s := newTestServer(t, Config{Path: "/hooks/replies"})
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/hooks/replies?mode=subscribe&verify_token=secret-token&challenge=x")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 on configured path", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/webhook?mode=subscribe&verify_token=secret-token&challenge=x")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error("default path should not be routed when a custom path is set")
	}
}
