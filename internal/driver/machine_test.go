package driver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSession scripts each step of the flow; a nil error means the step
// succeeds
type fakeSession struct {
	startErr   error
	loginErr   error
	popupErr   error
	profileErr error
	sendErr    error
	senderKey  string

	popupStopped bool
	closed       bool
	sentText     string
	openedRef    string
}

func (f *fakeSession) Start(ctx context.Context) error { return f.startErr }

func (f *fakeSession) Login(ctx context.Context, creds Credentials) error { return f.loginErr }

func (f *fakeSession) WatchPopups(ctx context.Context) (func(), error) {
	if f.popupErr != nil {
		return nil, f.popupErr
	}
	return func() { f.popupStopped = true }, nil
}

func (f *fakeSession) OpenProfile(ctx context.Context, profileRef string) error {
	f.openedRef = profileRef
	return f.profileErr
}

func (f *fakeSession) SendMessage(ctx context.Context, text string) error {
	f.sentText = text
	return f.sendErr
}

func (f *fakeSession) SenderKey() string { return f.senderKey }

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func TestRunSuccess(t *testing.T) {
	sess := &fakeSession{senderKey: "17841400000000"}
	m := NewMachine(sess, testLogger())

	res := m.Run(context.Background(), Credentials{Username: "acct"}, "alice", "hello")

	if res.State != StateSent {
		t.Fatalf("State = %q, want sent", res.State)
	}
	if res.SenderKey != "17841400000000" {
		t.Errorf("SenderKey = %q, want 17841400000000", res.SenderKey)
	}
	if res.Err != nil {
		t.Errorf("unexpected error: %v", res.Err)
	}
	if sess.openedRef != "alice" {
		t.Errorf("opened profile %q, want alice", sess.openedRef)
	}
	if sess.sentText != "hello" {
		t.Errorf("sent %q, want hello", sess.sentText)
	}
	if !sess.closed {
		t.Error("session was not closed")
	}
	if !sess.popupStopped {
		t.Error("popup watcher was not stopped")
	}
}

func TestRunStartFailure(t *testing.T) {
	sess := &fakeSession{startErr: NewError(KindInfra, "browser launch failed", nil)}
	m := NewMachine(sess, testLogger())

	res := m.Run(context.Background(), Credentials{}, "alice", "hello")

	if res.State != StateFailed {
		t.Fatalf("State = %q, want failed", res.State)
	}
	if res.Err.Kind != KindInfra {
		t.Errorf("Kind = %q, want infra", res.Err.Kind)
	}
}

func TestRunLoginChallenge(t *testing.T) {
	sess := &fakeSession{loginErr: NewError(KindAuth, "checkpoint challenge", nil)}
	m := NewMachine(sess, testLogger())

	res := m.Run(context.Background(), Credentials{}, "alice", "hello")

	if res.State != StateFailed {
		t.Fatalf("State = %q, want failed", res.State)
	}
	if res.Err.Kind != KindAuth {
		t.Errorf("Kind = %q, want auth", res.Err.Kind)
	}
	if res.Err.Locked {
		t.Error("challenge should not be flagged as a lockout")
	}
	if !sess.closed {
		t.Error("session must be closed after a failed login")
	}
}

func TestRunLoginLocked(t *testing.T) {
	ae := NewError(KindAuth, "account disabled", nil)
	ae.Locked = true
	sess := &fakeSession{loginErr: ae}
	m := NewMachine(sess, testLogger())

	res := m.Run(context.Background(), Credentials{}, "alice", "hello")

	if res.Err.Kind != KindAuth || !res.Err.Locked {
		t.Errorf("expected locked auth error, got %+v", res.Err)
	}
}

func TestRunProfileUnavailable(t *testing.T) {
	sess := &fakeSession{profileErr: NewError(KindTargetUnavailable, "profile not found", nil)}
	m := NewMachine(sess, testLogger())

	res := m.Run(context.Background(), Credentials{}, "ghost", "hello")

	if res.Err.Kind != KindTargetUnavailable {
		t.Errorf("Kind = %q, want target-unavailable", res.Err.Kind)
	}
	if sess.sentText != "" {
		t.Error("send must not run after navigation failure")
	}
	if !sess.popupStopped {
		t.Error("popup watcher must stop even on navigation failure")
	}
}

func TestRunUnsupportedTarget(t *testing.T) {
	sess := &fakeSession{sendErr: NewError(KindUnsupportedTarget, "no message surface", nil)}
	m := NewMachine(sess, testLogger())

	res := m.Run(context.Background(), Credentials{}, "alice", "hello")

	if res.Err.Kind != KindUnsupportedTarget {
		t.Errorf("Kind = %q, want unsupported-target", res.Err.Kind)
	}
}

func TestRunUnclassifiedErrorIsTransient(t *testing.T) {
	sess := &fakeSession{sendErr: errors.New("connection reset by peer")}
	m := NewMachine(sess, testLogger())

	res := m.Run(context.Background(), Credentials{}, "alice", "hello")

	if res.State != StateFailed {
		t.Fatalf("State = %q, want failed", res.State)
	}
	if res.Err.Kind != KindTransient {
		t.Errorf("Kind = %q, want transient for unclassified errors", res.Err.Kind)
	}
}

func TestKindOf(t *testing.T) {
	if k := KindOf(NewError(KindAuth, "x", nil)); k != KindAuth {
		t.Errorf("KindOf = %q, want auth", k)
	}
	if k := KindOf(errors.New("plain")); k != KindTransient {
		t.Errorf("KindOf = %q, want transient for plain errors", k)
	}

	// Wrapped attempt errors still classify
	wrapped := NewError(KindInfra, "proxy down", errors.New("dial tcp: refused"))
	if k := KindOf(wrapped); k != KindInfra {
		t.Errorf("KindOf = %q, want infra", k)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewError(KindTransient, "timeout", nil)) {
		t.Error("transient errors are retryable")
	}
	if IsRetryable(NewError(KindAuth, "challenge", nil)) {
		t.Error("auth errors are not retryable")
	}
}

func TestIsStructural(t *testing.T) {
	if !IsStructural(NewError(KindTargetUnavailable, "gone", nil)) {
		t.Error("target-unavailable is structural")
	}
	if !IsStructural(NewError(KindUnsupportedTarget, "no dm", nil)) {
		t.Error("unsupported-target is structural")
	}
	if IsStructural(NewError(KindTransient, "timeout", nil)) {
		t.Error("transient is not structural")
	}
}

func TestAttemptErrorUnwrap(t *testing.T) {
	inner := errors.New("dial tcp: refused")
	ae := NewError(KindInfra, "proxy down", inner)

	if !errors.Is(ae, inner) {
		t.Error("AttemptError should unwrap to its cause")
	}
}
