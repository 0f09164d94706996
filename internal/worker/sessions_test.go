package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/domain"
)

type stubAutomation struct {
	cleaned int
	panics  bool
}

func (s *stubAutomation) IsLoggedIn(ctx context.Context) bool                           { return false }
func (s *stubAutomation) Login(ctx context.Context, identifier, secret string) error    { return nil }
func (s *stubAutomation) SendMessage(ctx context.Context, recipient, body string) error { return nil }
func (s *stubAutomation) Identity() string                                              { return "" }
func (s *stubAutomation) Cleanup() {
	s.cleaned++
	if s.panics {
		panic("browser already gone")
	}
}

func TestSessionsAreCreatedLazilyPerAccount(t *testing.T) {
	made := map[string]*stubAutomation{}
	s := NewSessions(func(ctx context.Context, accountID string) (Automation, error) {
		a := &stubAutomation{panics: accountID == "a2"}
		made[accountID] = a
		return a, nil
	})
	ctx := context.Background()
	assert.Zero(t, s.Len())

	a1, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	again, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Same(t, a1, again)
	_, err = s.Get(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	s.Invalidate("a1")
	assert.Equal(t, 1, made["a1"].cleaned)
	s.Invalidate("missing")

	assert.NotPanics(t, s.CloseAll)
	assert.Equal(t, 1, made["a2"].cleaned)
	assert.Zero(t, s.Len())
}

func TestSessionFactoryError(t *testing.T) {
	s := NewSessions(func(ctx context.Context, accountID string) (Automation, error) {
		return nil, errors.New("launch browser: chrome not found")
	})
	_, err := s.Get(context.Background(), "a1")
	assert.ErrorContains(t, err, "create session for a1")
	assert.ErrorContains(t, err, "chrome not found")
	assert.ErrorIs(t, err, domain.ErrBrowserLaunch)
	assert.Zero(t, s.Len())
}

func TestSessionsReadableWhileLaunching(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	s := NewSessions(func(ctx context.Context, accountID string) (Automation, error) {
		close(entered)
		<-release
		return &stubAutomation{}, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.Get(context.Background(), "a1")
		done <- err
	}()
	<-entered

	n := make(chan int, 1)
	go func() { n <- s.Len() }()
	select {
	case got := <-n:
		assert.Zero(t, got)
	case <-time.After(time.Second):
		t.Fatal("Len blocked behind a browser launch")
	}

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, s.Len())
}

func TestSessionsConcurrentCreateKeepsOne(t *testing.T) {
	var (
		mu   sync.Mutex
		made []*stubAutomation
		both sync.WaitGroup
	)
	both.Add(2)
	s := NewSessions(func(ctx context.Context, accountID string) (Automation, error) {
		a := &stubAutomation{}
		mu.Lock()
		made = append(made, a)
		mu.Unlock()
		both.Done()
		both.Wait()
		return a, nil
	})

	got := make(chan Automation, 2)
	for range 2 {
		go func() {
			a, err := s.Get(context.Background(), "a1")
			assert.NoError(t, err)
			got <- a
		}()
	}
	first, second := <-got, <-got
	assert.Same(t, first, second)
	assert.Equal(t, 1, s.Len())

	require.Len(t, made, 2)
	assert.Equal(t, 1, made[0].cleaned+made[1].cleaned)
}
