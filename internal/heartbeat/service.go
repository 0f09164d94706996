package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"courier/internal/domain"
)

// Store is the part of the task store a heartbeat writes to.
type Store interface {
	Heartbeat(ctx context.Context, workerID string, stats domain.SystemStats, currentTaskID string) error
}

// StatsFunc samples host load. A partial sample with an error is still sent.
type StatsFunc func(ctx context.Context) (domain.SystemStats, error)

// Service writes a liveness row for one worker on a fixed interval. Failed
// beats are logged and the schedule carries on.
type Service struct {
	store    Store
	workerID string
	current  func() string
	stats    StatsFunc
	interval time.Duration

	mu   sync.Mutex
	cron *cron.Cron

	beats    atomic.Int64
	failures atomic.Int64
	last     atomic.Int64 // unix nanos of the last successful beat
}

func NewService(store Store, workerID string, interval time.Duration, current func() string, stats StatsFunc) *Service {
	if current == nil {
		current = func() string { return "" }
	}
	return &Service{
		store:    store,
		workerID: workerID,
		current:  current,
		stats:    stats,
		interval: interval,
	}
}

// Start sends one beat right away, then schedules the rest. The schedule
// stops when ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("heartbeat already started")
	}

	logger := log.With().Str("component", "heartbeat").Logger()
	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(&logger)),
		cron.SkipIfStillRunning(cron.PrintfLogger(&logger)),
	))
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := c.AddFunc(spec, func() { s.Beat(ctx) }); err != nil {
		return fmt.Errorf("schedule heartbeat %q: %w", spec, err)
	}
	s.cron = c

	log.Info().Str("stage", "heartbeat").Dur("interval", s.interval).Str("worker_id", s.workerID).Msg("heartbeat started")
	s.Beat(ctx)
	c.Start()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a beat in progress. Safe to call
// more than once.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// Beat sends a single heartbeat and reports whether it was stored.
func (s *Service) Beat(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	var stats domain.SystemStats
	if s.stats != nil {
		var err error
		stats, err = s.stats(ctx)
		if err != nil {
			log.Debug().Err(err).Str("stage", "heartbeat").Msg("partial system stats")
		}
	}
	if err := s.store.Heartbeat(ctx, s.workerID, stats, s.current()); err != nil {
		s.failures.Add(1)
		log.Error().Err(err).Str("stage", "heartbeat").Str("worker_id", s.workerID).Msg("heartbeat failed")
		return false
	}
	s.beats.Add(1)
	s.last.Store(time.Now().UnixNano())
	log.Debug().Str("stage", "heartbeat").Str("worker_id", s.workerID).
		Float64("cpu", stats.CPUPercent).Float64("memory", stats.MemoryPercent).Msg("heartbeat sent")
	return true
}

func (s *Service) Beats() int64    { return s.beats.Load() }
func (s *Service) Failures() int64 { return s.failures.Load() }

// LastBeat is zero until a beat has been stored.
func (s *Service) LastBeat() time.Time {
	n := s.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
