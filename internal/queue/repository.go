package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"courier/internal/domain"
)

// Repository is the query surface the worker needs from the shared store.
// Implementations are safe for concurrent use; Claim is the only
// concurrency-control primitive and must be a conditional update.
type Repository interface {
	FetchClaimable(ctx context.Context, max int) ([]domain.Task, error)
	Claim(ctx context.Context, taskID, workerID string) (bool, error)
	Complete(ctx context.Context, taskID string, result json.RawMessage) error
	Fail(ctx context.Context, taskID, errMsg string) error
	FailOrphaned(ctx context.Context, workerID string) (int, error)
	Get(ctx context.Context, taskID string) (domain.Task, error)

	AppendLog(ctx context.Context, entry domain.ExecutionLog) error
	Logs(ctx context.Context, taskID string) ([]domain.ExecutionLog, error)

	UpsertWorker(ctx context.Context, reg domain.WorkerRegistration) (string, error)
	Heartbeat(ctx context.Context, workerID string, stats domain.SystemStats, currentTaskID string) error
	MarkOffline(ctx context.Context, workerID string) error

	FetchAccount(ctx context.Context, accountID string) (domain.Account, error)

	Close() error
}

// Seeder creates rows that are normally produced outside the worker.
type Seeder interface {
	Enqueue(ctx context.Context, t domain.Task) (string, error)
	CreateAccount(ctx context.Context, a domain.Account) (string, error)
}

const orphanedMessage = "worker restarted while processing"

// timeLayout is fixed-width so text comparison orders like time.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreUnavailable, err)
}

func failureResult(errMsg string) json.RawMessage {
	b, _ := json.Marshal(map[string]any{"success": false, "error": errMsg})
	return b
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(b []byte) map[string]any {
	if len(b) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
