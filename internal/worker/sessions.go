package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"courier/internal/domain"
)

// Automation is a browser session bound to one account.
type Automation interface {
	IsLoggedIn(ctx context.Context) bool
	Login(ctx context.Context, identifier, secret string) error
	SendMessage(ctx context.Context, recipient, body string) error
	// Identity is the identifier of the last successful login, kept after the
	// session is found logged out.
	Identity() string
	Cleanup()
}

// Factory creates and initializes a session for accountID.
type Factory func(ctx context.Context, accountID string) (Automation, error)

// Sessions caches one Automation per account, created on first use.
type Sessions struct {
	factory Factory

	mu sync.Mutex
	m  map[string]Automation
}

func NewSessions(f Factory) *Sessions {
	return &Sessions{factory: f, m: make(map[string]Automation)}
}

// Get returns the account's session, creating it on first use. The factory
// runs without the lock held; if another caller stored a session for the
// same account meanwhile, the new one is cleaned up and the stored one wins.
// Creation errors always match domain.ErrBrowserLaunch.
func (s *Sessions) Get(ctx context.Context, accountID string) (Automation, error) {
	s.mu.Lock()
	a, ok := s.m[accountID]
	s.mu.Unlock()
	if ok {
		return a, nil
	}

	log.Info().Str("account_id", accountID).Msg("creating browser session")
	a, err := s.factory(ctx, accountID)
	if err != nil {
		if !errors.Is(err, domain.ErrBrowserLaunch) {
			err = fmt.Errorf("%w: %w", domain.ErrBrowserLaunch, err)
		}
		return nil, fmt.Errorf("create session for %s: %w", accountID, err)
	}

	s.mu.Lock()
	if held, ok := s.m[accountID]; ok {
		s.mu.Unlock()
		cleanup(accountID, a)
		return held, nil
	}
	s.m[accountID] = a
	s.mu.Unlock()
	return a, nil
}

// Invalidate cleans up and forgets the account's session.
func (s *Sessions) Invalidate(accountID string) {
	s.mu.Lock()
	a, ok := s.m[accountID]
	delete(s.m, accountID)
	s.mu.Unlock()
	if ok {
		cleanup(accountID, a)
	}
}

// CloseAll cleans up every session. One failing cleanup does not stop the
// others.
func (s *Sessions) CloseAll() {
	s.mu.Lock()
	held := s.m
	s.m = make(map[string]Automation)
	s.mu.Unlock()
	for id, a := range held {
		cleanup(id, a)
	}
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func cleanup(accountID string, a Automation) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("account_id", accountID).Interface("panic", p).Msg("session cleanup panicked")
		}
	}()
	a.Cleanup()
	log.Info().Str("account_id", accountID).Msg("browser session closed")
}
