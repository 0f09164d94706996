package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"courier/internal/domain"
)

type State int

const (
	Uninitialized State = iota
	Ready
	LoggedIn
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case LoggedIn:
		return "logged_in"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Target describes the site: where to go and the candidate selectors for
// every control, most preferred first.
type Target struct {
	LoginURL    string
	HomeURL     string
	MessagesURL string

	// VerificationMarkers are URL fragments present while a second factor
	// is pending.
	VerificationMarkers []string
	LoggedInMarkers     []string

	EmailFields    []string
	PasswordFields []string
	SubmitButtons  []string

	SearchBoxes  []string
	FirstResult  string
	ComposeBoxes []string
	SendButtons  []string
}

func FacebookTarget() Target {
	return Target{
		LoginURL:            "https://www.facebook.com/login",
		HomeURL:             "https://www.facebook.com",
		MessagesURL:         "https://www.messenger.com",
		VerificationMarkers: []string{"checkpoint", "two_factor", "two_step_verification"},
		LoggedInMarkers:     []string{`[aria-label="Menu"]`, `[aria-label="メニュー"]`, `[aria-label="Account"]`},
		EmailFields:         []string{`input[name="email"]`, `input#email`, `input[type="email"]`},
		PasswordFields:      []string{`input[name="pass"]`, `input#pass`, `input[type="password"]`},
		SubmitButtons:       []string{`button[name="login"]`, `button[type="submit"]`, `#loginbutton`},
		SearchBoxes: []string{
			`input[placeholder*="Search"]`,
			`input[placeholder*="検索"]`,
			`input[aria-label*="Search"]`,
			`input[aria-label*="検索"]`,
		},
		FirstResult: `div[role="listbox"] > div:first-child`,
		ComposeBoxes: []string{
			`div[aria-label*="Message"]`,
			`div[aria-label*="メッセージ"]`,
			`div[contenteditable="true"][data-text]`,
			`div[contenteditable="true"]`,
		},
		SendButtons: []string{
			`div[aria-label*="Send"]`,
			`div[aria-label*="送信"]`,
			`button[aria-label*="Send"]`,
			`button[aria-label*="送信"]`,
		},
	}
}

// Timings bounds every wait the session performs.
type Timings struct {
	Operation          time.Duration // default per browser call
	Backoff            time.Duration // fixed pause between attempts
	LoginOutcome       time.Duration
	Poll               time.Duration
	VerificationBudget time.Duration
	VerificationPoll   time.Duration
	SuccessMarker      time.Duration
	Probe              time.Duration
	Search             time.Duration
	Candidate          time.Duration
	Result             time.Duration
	Settle             time.Duration
	Keystroke          time.Duration
}

func DefaultTimings(operation time.Duration) Timings {
	if operation <= 0 {
		operation = 30 * time.Second
	}
	return Timings{
		Operation:          operation,
		Backoff:            5 * time.Second,
		LoginOutcome:       30 * time.Second,
		Poll:               time.Second,
		VerificationBudget: 5 * time.Minute,
		VerificationPoll:   5 * time.Second,
		SuccessMarker:      10 * time.Second,
		Probe:              5 * time.Second,
		Search:             10 * time.Second,
		Candidate:          3 * time.Second,
		Result:             5 * time.Second,
		Settle:             2 * time.Second,
		Keystroke:          time.Second,
	}
}

type Options struct {
	Target        Target
	Timings       Timings
	Attempts      int
	ScreenshotDir string
}

// Session owns one browser. It is not safe for concurrent task execution;
// only State and Identity may be read from other goroutines.
type Session struct {
	launch Launcher
	opts   Options

	mu        sync.RWMutex
	state     State
	identity  string
	createdAt time.Time

	page     Page
	releases []Release
}

func NewSession(launch Launcher, opts Options) *Session {
	if opts.Attempts < 1 {
		opts.Attempts = 3
	}
	return &Session{launch: launch, opts: opts}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Identity is the login identifier of the last successful login. It
// survives a logged-out probe so callers can tell an expired session apart
// from a fresh one.
func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *Session) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

func (s *Session) set(state State, identity string) {
	s.mu.Lock()
	s.state = state
	s.identity = identity
	s.mu.Unlock()
}

// Initialize launches the browser.
func (s *Session) Initialize(ctx context.Context) error {
	if st := s.State(); st != Uninitialized {
		return fmt.Errorf("initialize: session is %s", st)
	}
	log.Info().Msg("launching browser")
	page, releases, err := s.launch(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrBrowserLaunch, err)
	}
	s.page = page
	s.releases = releases
	s.mu.Lock()
	s.state = Ready
	s.createdAt = time.Now()
	s.mu.Unlock()
	return nil
}

// Login authenticates, retrying with a fixed backoff. A verification
// challenge that does not clear in time ends the call without further
// attempts.
func (s *Session) Login(ctx context.Context, identifier, secret string) error {
	if st := s.State(); st != Ready && st != LoggedIn {
		return fmt.Errorf("%w: session is %s", domain.ErrLoginFailed, st)
	}
	err := s.retry(ctx, "login", func(attempt int) error {
		log.Info().Str("stage", "login").Int("attempt", attempt).Int("of", s.opts.Attempts).
			Str("identity", identifier).Msg("login attempt")
		return s.loginOnce(ctx, identifier, secret)
	})
	if err != nil {
		s.set(Ready, "")
		s.capture(ctx, "login")
		if errors.Is(err, domain.ErrVerificationTimeout) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrLoginFailed, err)
	}
	s.set(LoggedIn, identifier)
	log.Info().Str("stage", "login").Str("identity", identifier).Msg("logged in")
	return nil
}

type loginOutcome int

const (
	outcomeNone loginOutcome = iota
	outcomeSuccess
	outcomeVerification
)

func (s *Session) loginOnce(ctx context.Context, identifier, secret string) error {
	t, tm := s.opts.Target, s.opts.Timings
	if err := s.navigate(ctx, t.LoginURL); err != nil {
		return err
	}
	email, err := FirstMatch(ctx, s.page, tm.Candidate, visibleAll(t.EmailFields)...)
	if err != nil {
		return fmt.Errorf("locate email field: %w", err)
	}
	if err := s.fill(ctx, email, identifier); err != nil {
		return fmt.Errorf("fill email: %w", err)
	}
	pass, err := FirstMatch(ctx, s.page, tm.Candidate, visibleAll(t.PasswordFields)...)
	if err != nil {
		return fmt.Errorf("locate password field: %w", err)
	}
	if err := s.fill(ctx, pass, secret); err != nil {
		return fmt.Errorf("fill password: %w", err)
	}
	if err := s.submit(ctx, t.SubmitButtons); err != nil {
		return fmt.Errorf("submit login: %w", err)
	}

	outcome, err := s.awaitLoginOutcome(ctx)
	if err != nil {
		return err
	}
	if outcome == outcomeVerification {
		return s.awaitVerification(ctx)
	}
	return nil
}

// awaitLoginOutcome polls for either the logged-in marker or a
// verification challenge.
func (s *Session) awaitLoginOutcome(ctx context.Context) (loginOutcome, error) {
	tm := s.opts.Timings
	wctx, cancel := context.WithTimeout(ctx, tm.LoginOutcome)
	defer cancel()
	for {
		if url, err := s.url(wctx); err == nil && s.verificationPending(url) {
			return outcomeVerification, nil
		}
		if s.markerPresent(wctx) {
			return outcomeSuccess, nil
		}
		select {
		case <-wctx.Done():
			if err := ctx.Err(); err != nil {
				return outcomeNone, err
			}
			return outcomeNone, fmt.Errorf("no login outcome within %s", tm.LoginOutcome)
		case <-time.After(tm.Poll):
		}
	}
}

func (s *Session) awaitVerification(ctx context.Context) error {
	tm := s.opts.Timings
	log.Warn().Str("stage", "login").Dur("budget", tm.VerificationBudget).
		Msg("out-of-band verification required, waiting for it to be completed")

	vctx, cancel := context.WithTimeout(ctx, tm.VerificationBudget)
	defer cancel()
	for {
		select {
		case <-vctx.Done():
			if err := ctx.Err(); err != nil {
				return backoff.Permanent(err)
			}
			return backoff.Permanent(fmt.Errorf("%w: challenge not cleared within %s",
				domain.ErrVerificationTimeout, tm.VerificationBudget))
		case <-time.After(tm.VerificationPoll):
		}
		url, err := s.url(vctx)
		if err != nil {
			continue
		}
		if !s.verificationPending(url) {
			break
		}
	}
	if _, err := FirstMatch(ctx, s.page, tm.SuccessMarker, visibleAll(s.opts.Target.LoggedInMarkers)...); err != nil {
		return fmt.Errorf("verification cleared but not logged in: %w", err)
	}
	return nil
}

// IsLoggedIn re-probes the landing page. It never fails: any probe error
// drops the session back to not logged in.
func (s *Session) IsLoggedIn(ctx context.Context) bool {
	if s.State() != LoggedIn {
		return false
	}
	if err := s.navigate(ctx, s.opts.Target.HomeURL); err != nil {
		log.Warn().Err(err).Str("stage", "probe").Msg("login probe failed")
		s.set(Ready, "")
		return false
	}
	if _, err := FirstMatch(ctx, s.page, s.opts.Timings.Probe, visibleAll(s.opts.Target.LoggedInMarkers)...); err != nil {
		log.Info().Str("stage", "probe").Msg("session is logged out")
		s.set(Ready, s.Identity())
		return false
	}
	return true
}

// SendMessage opens the conversation with recipient and sends body.
func (s *Session) SendMessage(ctx context.Context, recipient, body string) error {
	if st := s.State(); st != LoggedIn {
		return fmt.Errorf("%w: session is %s", domain.ErrMessageSendFailed, st)
	}
	err := s.retry(ctx, "send", func(attempt int) error {
		log.Info().Str("stage", "send").Int("attempt", attempt).Int("of", s.opts.Attempts).
			Str("recipient", recipient).Msg("send attempt")
		return s.sendOnce(ctx, recipient, body)
	})
	if err != nil {
		s.capture(ctx, "send")
		return fmt.Errorf("%w: %v", domain.ErrMessageSendFailed, err)
	}
	log.Info().Str("stage", "send").Str("recipient", recipient).Msg("message sent")
	return nil
}

func (s *Session) sendOnce(ctx context.Context, recipient, body string) error {
	t, tm := s.opts.Target, s.opts.Timings
	if err := s.navigate(ctx, t.MessagesURL); err != nil {
		return err
	}
	search, err := FirstMatch(ctx, s.page, tm.Search, visibleAll(t.SearchBoxes)...)
	if err != nil {
		return fmt.Errorf("locate search box: %w", err)
	}
	if err := s.fill(ctx, search, recipient); err != nil {
		return fmt.Errorf("fill search: %w", err)
	}
	if err := sleep(ctx, tm.Settle); err != nil {
		return err
	}

	result, err := FirstMatch(ctx, s.page, tm.Result, conversationMatchers(recipient)...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Debug().Str("stage", "send").Str("recipient", recipient).Msg("no exact result, using first listed")
		result = t.FirstResult
	}
	if err := s.click(ctx, result); err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	if err := sleep(ctx, tm.Settle); err != nil {
		return err
	}

	compose, err := FirstMatch(ctx, s.page, tm.Candidate, visibleAll(t.ComposeBoxes)...)
	if err != nil {
		return fmt.Errorf("locate compose box: %w", err)
	}
	if err := s.click(ctx, compose); err != nil {
		return fmt.Errorf("focus compose box: %w", err)
	}
	if err := s.fill(ctx, compose, body); err != nil {
		return fmt.Errorf("fill message: %w", err)
	}
	if err := sleep(ctx, tm.Keystroke); err != nil {
		return err
	}
	if err := s.submit(ctx, t.SendButtons); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return sleep(ctx, tm.Settle)
}

// Cleanup releases the handles in the order the launcher returned them. Each
// release is guarded on its own; the session ends Closed regardless.
func (s *Session) Cleanup() {
	for _, r := range s.releases {
		s.release(r)
	}
	s.releases = nil
	s.page = nil
	s.set(Closed, "")
}

func (s *Session) release(r Release) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("handle", r.Name).Interface("panic", p).Msg("release panicked")
		}
	}()
	if err := r.Close(); err != nil {
		log.Warn().Err(err).Str("handle", r.Name).Msg("release failed")
	}
}

func (s *Session) retry(ctx context.Context, stage string, op func(attempt int) error) error {
	attempt := 0
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.Timings.Backoff), uint64(s.opts.Attempts-1)),
		ctx,
	)
	return backoff.RetryNotify(func() error {
		attempt++
		return op(attempt)
	}, b, func(err error, next time.Duration) {
		log.Warn().Err(err).Str("stage", stage).Int("attempt", attempt).Dur("backoff", next).Msg("attempt failed")
	})
}

func (s *Session) verificationPending(url string) bool {
	for _, m := range s.opts.Target.VerificationMarkers {
		if strings.Contains(url, m) {
			return true
		}
	}
	return false
}

func (s *Session) markerPresent(ctx context.Context) bool {
	_, err := FirstMatch(ctx, s.page, s.opts.Timings.Operation, presentAll(s.opts.Target.LoggedInMarkers)...)
	return err == nil
}

// submit clicks the first control found, falling back to Enter.
func (s *Session) submit(ctx context.Context, buttons []string) error {
	sel, err := FirstMatch(ctx, s.page, s.opts.Timings.Operation, presentAll(buttons)...)
	if err == nil {
		if err = s.click(ctx, sel); err == nil {
			return nil
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	octx, cancel := s.bounded(ctx)
	defer cancel()
	return s.page.PressEnter(octx)
}

func (s *Session) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.Timings.Operation)
}

func (s *Session) navigate(ctx context.Context, url string) error {
	octx, cancel := s.bounded(ctx)
	defer cancel()
	if err := s.page.Navigate(octx, url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (s *Session) url(ctx context.Context) (string, error) {
	octx, cancel := s.bounded(ctx)
	defer cancel()
	return s.page.URL(octx)
}

func (s *Session) fill(ctx context.Context, sel, text string) error {
	octx, cancel := s.bounded(ctx)
	defer cancel()
	return s.page.Fill(octx, sel, text)
}

func (s *Session) click(ctx context.Context, sel string) error {
	octx, cancel := s.bounded(ctx)
	defer cancel()
	return s.page.Click(octx, sel)
}

// capture saves a screenshot for later inspection when a directory is set.
func (s *Session) capture(ctx context.Context, stage string) {
	if s.opts.ScreenshotDir == "" || s.page == nil {
		return
	}
	octx, cancel := s.bounded(context.WithoutCancel(ctx))
	defer cancel()
	buf, err := s.page.Screenshot(octx)
	if err != nil {
		log.Warn().Err(err).Str("stage", stage).Msg("screenshot failed")
		return
	}
	if err := os.MkdirAll(s.opts.ScreenshotDir, 0o755); err != nil {
		log.Warn().Err(err).Msg("create screenshot dir")
		return
	}
	path := filepath.Join(s.opts.ScreenshotDir, fmt.Sprintf("%s_%s.png", stage, time.Now().Format("20060102_150405.000")))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("write screenshot")
		return
	}
	log.Info().Str("stage", stage).Str("path", path).Msg("screenshot saved")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
