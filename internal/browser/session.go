package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/getreach/reachd/internal/driver"
)

// UI anchors for the messaging flow. These track the platform's current
// DOM; when the platform ships a redesign this is the file to update.
const (
	selLoginUser   = `input[name="username"]`
	selLoginPass   = `input[name="password"]`
	selLoginSubmit = `button[type="submit"]`
	selTOTPInput   = `input[name="verificationCode"]`
	selLoggedIn    = `svg[aria-label="Home"]`
	selComposer    = `div[role="textbox"][contenteditable="true"], textarea[placeholder*="Message"]`
	selDialog      = `div[role="dialog"]`
)

// session is one Chrome instance bound to an account and a proxy
type session struct {
	cfg    Config
	logger *slog.Logger

	username   string
	profileDir string
	proxyAddr  string
	proxyUser  string
	proxyPass  string

	launch    *launcher.Launcher
	browser   *rod.Browser
	page      *rod.Page
	senderKey string
}

// Start launches Chrome with the account's persistent profile and the
// assigned proxy, and opens the working page
func (s *session) Start(ctx context.Context) error {
	l := launcher.New().
		Headless(s.cfg.Headless).
		UserDataDir(s.profileDir)
	if s.cfg.Bin != "" {
		l = l.Bin(s.cfg.Bin)
	}
	if s.proxyAddr != "" {
		l = l.Set(flags.ProxyServer, s.proxyAddr)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return driver.NewError(driver.KindInfra, "failed to launch browser", err)
	}
	s.launch = l

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return driver.NewError(driver.KindInfra, "failed to connect to browser", err)
	}
	s.browser = b

	if s.proxyUser != "" {
		// Answer the proxy's auth challenge for the lifetime of the session
		go func() {
			_ = b.HandleAuth(s.proxyUser, s.proxyPass)()
		}()
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return driver.NewError(driver.KindInfra, "failed to open page", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             s.cfg.ViewportWidth,
		Height:            s.cfg.ViewportHeight,
		DeviceScaleFactor: 1.0,
	}).Call(page); err != nil {
		s.logger.Warn("failed to set viewport", "error", err)
	}
	s.page = page

	return nil
}

// Login authenticates the account. A warm profile usually lands already
// signed in; the form flow only runs when the session cookie is gone.
func (s *session) Login(ctx context.Context, creds driver.Credentials) error {
	if err := s.navigate(ctx, s.cfg.BaseURL+"/"); err != nil {
		return err
	}

	if s.isLoggedIn(ctx) {
		s.logger.Debug("session restored from profile")
		return s.resolveSenderKey(ctx, creds.Username)
	}

	if err := s.fillLoginForm(ctx, creds); err != nil {
		return err
	}

	if s.hasElement(ctx, selTOTPInput, 5*time.Second) {
		if creds.TOTPSecret == "" {
			return driver.NewError(driver.KindAuth, "two-factor prompt with no TOTP secret configured", nil)
		}
		code, err := totpCode(creds.TOTPSecret, time.Now())
		if err != nil {
			return driver.NewError(driver.KindAuth, "failed to derive TOTP code", err)
		}
		if err := s.typeInto(ctx, selTOTPInput, code); err != nil {
			return driver.NewError(driver.KindAuth, "failed to submit TOTP code", err)
		}
		if err := s.clickElement(ctx, selLoginSubmit, 10*time.Second); err != nil {
			return driver.NewError(driver.KindAuth, "failed to confirm TOTP code", err)
		}
	}

	if err := s.checkAuthBlocks(ctx); err != nil {
		return err
	}

	if !s.waitLoggedIn(ctx, 20*time.Second) {
		return driver.NewError(driver.KindAuth, "login did not reach an authenticated state", nil)
	}

	return s.resolveSenderKey(ctx, creds.Username)
}

func (s *session) fillLoginForm(ctx context.Context, creds driver.Credentials) error {
	if err := s.typeInto(ctx, selLoginUser, creds.Username); err != nil {
		return driver.NewError(driver.KindAuth, "login form not usable", err)
	}
	if err := s.typeInto(ctx, selLoginPass, creds.Password); err != nil {
		return driver.NewError(driver.KindAuth, "login form not usable", err)
	}
	if err := s.clickElement(ctx, selLoginSubmit, 10*time.Second); err != nil {
		return driver.NewError(driver.KindAuth, "failed to submit login form", err)
	}
	// Give the platform a moment to route: home, 2FA, or a challenge
	s.settle(ctx, 3*time.Second)
	return nil
}

// checkAuthBlocks inspects the landing URL for challenge and suspension
// interstitials
func (s *session) checkAuthBlocks(ctx context.Context) error {
	info, err := s.page.Context(ctx).Info()
	if err != nil {
		return driver.NewError(driver.KindTransient, "failed to read page state", err)
	}

	switch {
	case strings.Contains(info.URL, "/challenge/"):
		return driver.NewError(driver.KindAuth, "account hit a verification challenge", nil)
	case strings.Contains(info.URL, "/accounts/suspended"), strings.Contains(info.URL, "/accounts/disabled"):
		ae := driver.NewError(driver.KindAuth, "account is suspended", nil)
		ae.Locked = true
		return ae
	}

	if text, err := s.bodyText(ctx); err == nil {
		if strings.Contains(text, "account has been disabled") {
			ae := driver.NewError(driver.KindAuth, "account is disabled", nil)
			ae.Locked = true
			return ae
		}
	}
	return nil
}

// WatchPopups installs a standing sweep that dismisses modal dialogs for
// the rest of the session. Platforms raise save-login and notification
// prompts at unpredictable points of the flow.
func (s *session) WatchPopups(ctx context.Context) (func(), error) {
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.dismissPopup(ctx)
			}
		}
	}()

	return func() { close(done) }, nil
}

// dismissPopup clicks the decline control of a visible dialog, if any
func (s *session) dismissPopup(ctx context.Context) {
	has, _, err := s.page.Context(ctx).Has(selDialog)
	if err != nil || !has {
		return
	}

	el, err := s.page.Context(ctx).Timeout(2 * time.Second).ElementR("button", "/^(Not Now|Not now|Cancel|Dismiss)$/")
	if err != nil {
		return
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		s.logger.Debug("popup dismiss click failed", "error", err)
		return
	}
	s.logger.Debug("dismissed popup")
}

// OpenProfile resolves a profile reference to a live profile page
func (s *session) OpenProfile(ctx context.Context, profileRef string) error {
	handle := normalizeHandle(profileRef)
	if handle == "" {
		return driver.NewError(driver.KindUnsupportedTarget, fmt.Sprintf("unusable profile reference %q", profileRef), nil)
	}

	if err := s.navigate(ctx, s.cfg.BaseURL+"/"+handle+"/"); err != nil {
		return err
	}

	text, err := s.bodyText(ctx)
	if err != nil {
		return driver.NewError(driver.KindTransient, "failed to read profile page", err)
	}
	if strings.Contains(text, "page isn't available") || strings.Contains(text, "Page Not Found") {
		return driver.NewError(driver.KindTargetUnavailable, fmt.Sprintf("profile %s does not exist or is inaccessible", handle), nil)
	}

	return nil
}

// SendMessage opens the message surface, injects the text and confirms
// submission via the composer clearing
func (s *session) SendMessage(ctx context.Context, text string) error {
	btn, err := s.page.Context(ctx).Timeout(10 * time.Second).ElementR(`div[role="button"], button`, "/^Message$/")
	if err != nil {
		return driver.NewError(driver.KindUnsupportedTarget, "profile has no message entry point", err)
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return driver.NewError(driver.KindTransient, "failed to open message composer", err)
	}

	composer, err := s.page.Context(ctx).Timeout(15 * time.Second).Element(selComposer)
	if err != nil {
		return driver.NewError(driver.KindTransient, "message composer did not appear", err)
	}
	if err := composer.Input(text); err != nil {
		return driver.NewError(driver.KindTransient, "failed to type message", err)
	}

	send, err := s.page.Context(ctx).Timeout(10 * time.Second).ElementR(`div[role="button"], button`, "/^Send$/")
	if err != nil {
		return driver.NewError(driver.KindTransient, "send control did not appear", err)
	}
	if err := send.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return driver.NewError(driver.KindTransient, "failed to click send", err)
	}

	// Positive confirmation: the composer empties once the platform accepts
	// the message. Without this an attempt could report sent on a swallowed
	// submission.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		val, err := composer.Text()
		if err == nil && strings.TrimSpace(val) == "" {
			return nil
		}
		s.settle(ctx, 500*time.Millisecond)
	}
	return driver.NewError(driver.KindTransient, "no send confirmation observed", nil)
}

// SenderKey returns the account's platform identifier captured at login
func (s *session) SenderKey() string {
	return s.senderKey
}

// Close tears the browser down
func (s *session) Close() error {
	var err error
	if s.page != nil {
		_ = s.page.Close()
	}
	if s.browser != nil {
		err = s.browser.Close()
	}
	if s.launch != nil {
		s.launch.Cleanup()
	}
	return err
}

// resolveSenderKey reads the account's platform user ID from the session
// cookie; reply events carry the same identifier
func (s *session) resolveSenderKey(ctx context.Context, username string) error {
	cookies, err := s.browser.GetCookies()
	if err == nil {
		for _, c := range cookies {
			if c.Name == "ds_user_id" && c.Value != "" {
				s.senderKey = c.Value
				return nil
			}
		}
	}

	// Cookie layout changed or not present; fall back to the username so
	// the attempt still records a correlation key
	s.logger.Warn("platform user ID cookie not found, using username as sender key")
	s.senderKey = username
	return nil
}

func (s *session) navigate(ctx context.Context, url string) error {
	page := s.page.Context(ctx).Timeout(s.cfg.NavigationTimeout)
	if err := page.Navigate(url); err != nil {
		return driver.NewError(driver.KindTransient, fmt.Sprintf("navigation to %s failed", url), err)
	}
	if err := page.WaitLoad(); err != nil {
		return driver.NewError(driver.KindTransient, fmt.Sprintf("page load of %s timed out", url), err)
	}
	return nil
}

func (s *session) isLoggedIn(ctx context.Context) bool {
	return s.hasElement(ctx, selLoggedIn, 3*time.Second)
}

func (s *session) waitLoggedIn(ctx context.Context, timeout time.Duration) bool {
	return s.hasElement(ctx, selLoggedIn, timeout)
}

func (s *session) hasElement(ctx context.Context, selector string, timeout time.Duration) bool {
	_, err := s.page.Context(ctx).Timeout(timeout).Element(selector)
	return err == nil
}

func (s *session) typeInto(ctx context.Context, selector, text string) error {
	el, err := s.page.Context(ctx).Timeout(10 * time.Second).Element(selector)
	if err != nil {
		return err
	}
	return el.Input(text)
}

func (s *session) clickElement(ctx context.Context, selector string, timeout time.Duration) error {
	el, err := s.page.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (s *session) bodyText(ctx context.Context) (string, error) {
	res, err := s.page.Context(ctx).Timeout(5 * time.Second).Eval(`() => document.body.innerText`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (s *session) settle(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// normalizeHandle accepts a bare handle, @handle, or a profile URL and
// returns the bare handle
func normalizeHandle(ref string) string {
	ref = strings.TrimSpace(ref)
	ref = strings.TrimPrefix(ref, "@")

	if strings.Contains(ref, "://") {
		parts := strings.Split(strings.Trim(ref, "/"), "/")
		if len(parts) > 0 {
			ref = parts[len(parts)-1]
		}
	}

	if ref == "" || strings.ContainsAny(ref, " ?#") {
		return ""
	}
	return ref
}
