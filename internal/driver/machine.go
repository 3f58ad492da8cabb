// Package driver runs the per-target browser flow as an explicit state
// machine over an abstract session, so the flow is testable against fakes
// and the scheduler can treat every outcome as data.
package driver

import (
	"context"
	"errors"
	"log/slog"
)

// State is a step of the per-target flow
type State string

const (
	StateInit          State = "init"
	StateAuthenticated State = "authenticated"
	StatePopupClear    State = "popup-clear"
	StateNavigated     State = "navigated"
	StateComposing     State = "composing"
	StateSent          State = "sent"
	StateFailed        State = "failed"
)

// Credentials holds what a session needs to authenticate
type Credentials struct {
	Username   string
	Password   string
	TOTPSecret string
}

// Session abstracts one browser session bound to an account and a proxy.
// The production implementation lives in internal/browser; tests supply
// scripted fakes.
type Session interface {
	// Start launches or reuses the persistent browser profile
	Start(ctx context.Context) error

	// Login authenticates the account, supplying a TOTP code when a
	// secret is configured
	Login(ctx context.Context, creds Credentials) error

	// WatchPopups installs the standing popup interceptor for the rest
	// of the session and returns a stop function
	WatchPopups(ctx context.Context) (stop func(), err error)

	// OpenProfile resolves a profile identifier to a live profile page
	OpenProfile(ctx context.Context, profileRef string) error

	// SendMessage locates the message surface, injects the text and
	// confirms submission via a positive UI signal
	SendMessage(ctx context.Context, text string) error

	// SenderKey returns the account's own platform identifier, recorded
	// on the attempt for reply correlation
	SenderKey() string

	// Close tears the session down
	Close() error
}

// Result is the terminal outcome of one attempt
type Result struct {
	State     State  // StateSent or StateFailed
	SenderKey string // set on success
	Err       *AttemptError
}

// Machine drives a Session through the per-target flow
type Machine struct {
	session Session
	logger  *slog.Logger
}

// NewMachine creates a state machine over a session
func NewMachine(session Session, logger *slog.Logger) *Machine {
	return &Machine{session: session, logger: logger}
}

// Run executes the flow: Init -> Authenticated -> PopupClear -> Navigated
// -> Composing -> Sent. Any step failure terminates in StateFailed with a
// classified error; the caller decides what that means for the target and
// the account.
func (m *Machine) Run(ctx context.Context, creds Credentials, profileRef, message string) Result {
	state := StateInit

	fail := func(err error) Result {
		var ae *AttemptError
		if !errors.As(err, &ae) {
			ae = NewError(KindTransient, "unclassified failure", err)
		}
		m.logger.Debug("attempt failed", "state", state, "kind", ae.Kind, "error", ae)
		return Result{State: StateFailed, Err: ae}
	}

	if err := m.session.Start(ctx); err != nil {
		return fail(err)
	}
	defer m.session.Close()

	state = StateInit
	m.logger.Debug("session started")

	if err := m.session.Login(ctx, creds); err != nil {
		return fail(err)
	}
	state = StateAuthenticated
	m.logger.Debug("authenticated", "username", creds.Username)

	// The popup watcher stays active for the whole session; platforms
	// surface modals at unpredictable points during navigation.
	stop, err := m.session.WatchPopups(ctx)
	if err != nil {
		return fail(err)
	}
	defer stop()
	state = StatePopupClear

	if err := m.session.OpenProfile(ctx, profileRef); err != nil {
		return fail(err)
	}
	state = StateNavigated
	m.logger.Debug("profile opened", "profile", profileRef)

	state = StateComposing
	if err := m.session.SendMessage(ctx, message); err != nil {
		return fail(err)
	}
	state = StateSent

	return Result{State: StateSent, SenderKey: m.session.SenderKey()}
}
