package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"courier/internal/domain"
	"courier/internal/heartbeat"
	"courier/internal/queue"
	"courier/internal/sysinfo"
)

// Handler executes one task type. A returned error fails the task.
type Handler interface {
	Handle(ctx context.Context, task domain.Task) error
}

type HandlerFunc func(ctx context.Context, task domain.Task) error

func (f HandlerFunc) Handle(ctx context.Context, task domain.Task) error { return f(ctx, task) }

// Host describes the machine for registration and heartbeats.
type Host interface {
	Describe(ctx context.Context) sysinfo.Identity
	Stats(ctx context.Context) (domain.SystemStats, error)
}

type State int32

const (
	Starting State = iota
	Registering
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Registering:
		return "registering"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Options struct {
	Name  string
	Type  string
	Email string

	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	TaskGap           time.Duration
	BatchSize         int
	// ShutdownTimeout bounds the final store writes while draining.
	ShutdownTimeout time.Duration
}

var successResult = json.RawMessage(`{"success":true}`)

// Worker claims tasks from the store and runs them one at a time.
type Worker struct {
	repo     queue.Repository
	handlers map[string]Handler
	sessions *Sessions
	host     Host
	waker    Waker
	opts     Options

	state     atomic.Int32
	id        atomic.Value // string
	current   atomic.Value // string
	processed atomic.Int64
	failed    atomic.Int64
	startedAt atomic.Int64

	hbMu sync.Mutex
	hb   *heartbeat.Service

	stopOnce sync.Once
	stop     chan struct{}
}

func New(repo queue.Repository, handlers map[string]Handler, sessions *Sessions, host Host, waker Waker, opts Options) *Worker {
	if waker == nil {
		waker = TimerWaker{}
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 10
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	w := &Worker{
		repo:     repo,
		handlers: handlers,
		sessions: sessions,
		host:     host,
		waker:    waker,
		opts:     opts,
		stop:     make(chan struct{}),
	}
	w.id.Store("")
	w.current.Store("")
	return w
}

func (w *Worker) State() State          { return State(w.state.Load()) }
func (w *Worker) setState(s State)      { w.state.Store(int32(s)) }
func (w *Worker) ID() string            { return w.id.Load().(string) }
func (w *Worker) CurrentTaskID() string { return w.current.Load().(string) }

// Stop asks Run to drain and return.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Run registers the worker, then polls and dispatches until ctx is done or
// Stop is called. A browser launch failure fails the task that needed it and
// ends Run with an error. Sessions are cleaned up and the registration is
// marked offline on every exit path once registration has succeeded.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	w.setState(Registering)
	id, err := w.register(ctx)
	if err != nil {
		w.setState(Stopped)
		return fmt.Errorf("register worker: %w", err)
	}
	w.id.Store(id)
	w.startedAt.Store(time.Now().UnixNano())
	defer w.drain(ctx)

	if n, err := w.repo.FailOrphaned(ctx, id); err != nil {
		log.Warn().Err(err).Str("worker_id", id).Msg("orphan recovery failed")
	} else if n > 0 {
		log.Warn().Int("tasks", n).Str("worker_id", id).Msg("failed tasks left processing by a previous run")
	}

	hb := heartbeat.NewService(w.repo, id, w.opts.HeartbeatInterval, w.CurrentTaskID, w.stats)
	if err := hb.Start(ctx); err != nil {
		return fmt.Errorf("start heartbeat: %w", err)
	}
	w.hbMu.Lock()
	w.hb = hb
	w.hbMu.Unlock()

	w.setState(Running)
	log.Info().Str("worker_id", id).Str("name", w.opts.Name).
		Dur("poll", w.opts.PollInterval).Int("batch", w.opts.BatchSize).Msg("worker running")

	for ctx.Err() == nil {
		n, err := w.cycle(ctx)
		if err != nil {
			log.Error().Err(err).Str("worker_id", id).Msg("browser engine unavailable, stopping")
			return fmt.Errorf("run tasks: %w", err)
		}
		if n > 0 {
			continue
		}
		if err := w.waker.Wait(ctx, w.opts.PollInterval); err != nil {
			break
		}
	}
	return nil
}

func (w *Worker) register(ctx context.Context) (string, error) {
	reg := domain.WorkerRegistration{
		Name:   w.opts.Name,
		Type:   w.opts.Type,
		Status: domain.WorkerOnline,
	}
	if w.host != nil {
		desc := w.host.Describe(ctx)
		reg.Hostname = desc.Hostname
		reg.IPAddress = desc.IP
		reg.SystemInfo = desc.Info
	}
	if reg.SystemInfo == nil {
		reg.SystemInfo = map[string]any{}
	}
	reg.SystemInfo["worker_type"] = w.opts.Type
	reg.SystemInfo["capabilities"] = map[string]any{
		"browser_automation": true,
		"max_concurrent":     1,
	}
	if w.opts.Email != "" {
		reg.SystemInfo["email"] = w.opts.Email
	}
	return w.repo.UpsertWorker(ctx, reg)
}

func (w *Worker) stats(ctx context.Context) (domain.SystemStats, error) {
	if w.host == nil {
		return domain.SystemStats{}, nil
	}
	return w.host.Stats(ctx)
}

// cycle claims and runs each fetched task in order and reports how many it
// dispatched. A non-nil error means the worker cannot go on.
func (w *Worker) cycle(ctx context.Context) (int, error) {
	tasks, err := w.repo.FetchClaimable(ctx, w.opts.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Str("stage", "poll").Msg("fetch claimable tasks")
		}
		return 0, nil
	}

	dispatched := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		ok, err := w.repo.Claim(ctx, t.ID, w.ID())
		if err != nil {
			log.Error().Err(err).Str("stage", "claim").Str("task_id", t.ID).Msg("claim failed")
			continue
		}
		if !ok {
			log.Debug().Str("stage", "claim").Str("task_id", t.ID).Msg("task claimed elsewhere, skipping")
			continue
		}
		fatal := w.dispatch(ctx, t)
		dispatched++
		if fatal != nil {
			return dispatched, fatal
		}
		if err := pause(ctx, w.opts.TaskGap); err != nil {
			break
		}
	}
	return dispatched, nil
}

// dispatch runs a claimed task and records its outcome. Task failures stay
// with the task; only a browser that cannot launch is returned.
func (w *Worker) dispatch(ctx context.Context, t domain.Task) error {
	w.current.Store(t.ID)
	defer w.current.Store("")

	logger := log.With().Str("task_id", t.ID).Str("type", t.Type).Logger()
	logger.Info().Str("account_id", t.AccountID).Str("recipient", t.RecipientName).Msg("processing task")
	started := time.Now()

	var err error
	if h, ok := w.handlers[t.Type]; ok {
		err = w.handle(ctx, h, t)
	} else {
		err = fmt.Errorf("%w: %s", domain.ErrUnsupportedTaskType, t.Type)
	}

	// The outcome is written even when shutdown interrupted the task.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.ShutdownTimeout)
	defer cancel()

	entry := domain.ExecutionLog{
		TaskID:   t.ID,
		WorkerID: w.ID(),
		Details: map[string]any{
			"task_type":   t.Type,
			"duration_ms": time.Since(started).Milliseconds(),
		},
	}
	if err == nil {
		w.processed.Add(1)
		if cerr := w.repo.Complete(sctx, t.ID, successResult); cerr != nil {
			logger.Error().Err(cerr).Msg("record completion")
		}
		entry.Action = domain.ActionTaskCompleted
		entry.Details["recipient_name"] = t.RecipientName
		w.appendLog(sctx, entry)
		logger.Info().Dur("took", time.Since(started)).Msg("task completed")
		return nil
	}

	w.failed.Add(1)
	if ferr := w.repo.Fail(sctx, t.ID, err.Error()); ferr != nil {
		logger.Error().Err(ferr).Msg("record failure")
	}
	entry.Action = domain.ActionTaskFailed
	entry.Error = err.Error()
	entry.Details["retry_count"] = t.RetryCount + 1
	w.appendLog(sctx, entry)
	logger.Error().Err(err).Msg("task failed")
	if errors.Is(err, domain.ErrBrowserLaunch) {
		return err
	}
	return nil
}

// handle converts a handler panic into a task failure.
func (w *Worker) handle(ctx context.Context, h Handler, t domain.Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Handle(ctx, t)
}

func (w *Worker) appendLog(ctx context.Context, e domain.ExecutionLog) {
	if err := w.repo.AppendLog(ctx, e); err != nil {
		log.Warn().Err(err).Str("task_id", e.TaskID).Str("action", e.Action).Msg("append execution log")
	}
}

// drain stops the heartbeat, closes every session and marks the worker
// offline. It always ends Stopped.
func (w *Worker) drain(ctx context.Context) {
	w.setState(Draining)
	log.Info().Str("worker_id", w.ID()).Msg("draining worker")
	defer w.setState(Stopped)

	w.hbMu.Lock()
	hb := w.hb
	w.hbMu.Unlock()
	if hb != nil {
		hb.Stop()
	}
	if w.sessions != nil {
		w.sessions.CloseAll()
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.ShutdownTimeout)
	defer cancel()
	if err := w.repo.MarkOffline(sctx, w.ID()); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("worker_id", w.ID()).Msg("mark worker offline")
	}
	log.Info().Str("worker_id", w.ID()).
		Int64("processed", w.processed.Load()).Int64("failed", w.failed.Load()).Msg("worker stopped")
}

// Status is a point-in-time view of the worker.
type Status struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	State         string    `json:"state"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	Processed     int64     `json:"processed"`
	Failed        int64     `json:"failed"`
	Sessions      int       `json:"sessions"`
	Heartbeats    int64     `json:"heartbeats"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitzero"`
	StartedAt     time.Time `json:"started_at,omitzero"`
}

func (w *Worker) Snapshot() Status {
	st := Status{
		ID:            w.ID(),
		Name:          w.opts.Name,
		Type:          w.opts.Type,
		State:         w.State().String(),
		CurrentTaskID: w.CurrentTaskID(),
		Processed:     w.processed.Load(),
		Failed:        w.failed.Load(),
	}
	if w.sessions != nil {
		st.Sessions = w.sessions.Len()
	}
	if n := w.startedAt.Load(); n != 0 {
		st.StartedAt = time.Unix(0, n)
	}
	w.hbMu.Lock()
	hb := w.hb
	w.hbMu.Unlock()
	if hb != nil {
		st.Heartbeats = hb.Beats()
		st.LastHeartbeat = hb.LastBeat()
	}
	return st
}
