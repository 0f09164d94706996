package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/domain"
)

type store interface {
	Repository
	Seeder
}

// runContract exercises the behaviour every Repository must share.
func runContract(t *testing.T, open func(t *testing.T) store) {
	t.Run("fetch claimable filters and orders", func(t *testing.T) {
		r := open(t)
		ctx := context.Background()
		base := time.Now().Add(-time.Hour)

		mustEnqueue(t, r, domain.Task{ID: "t3", Type: domain.TypeSendMessage, AccountID: "a", CreatedAt: base.Add(3 * time.Second)})
		mustEnqueue(t, r, domain.Task{ID: "t1", Type: domain.TypeSendMessage, AccountID: "a", CreatedAt: base.Add(1 * time.Second)})
		mustEnqueue(t, r, domain.Task{ID: "t2", Type: domain.TypeSendMessage, AccountID: "a", Status: domain.StatusRetry, CreatedAt: base.Add(2 * time.Second)})
		mustEnqueue(t, r, domain.Task{ID: "done", Type: domain.TypeSendMessage, AccountID: "a", Status: domain.StatusCompleted, CreatedAt: base})
		mustEnqueue(t, r, domain.Task{ID: "busy", Type: domain.TypeSendMessage, AccountID: "a", Status: domain.StatusProcessing, CreatedAt: base})

		tasks, err := r.FetchClaimable(ctx, 10)
		require.NoError(t, err)
		require.Len(t, tasks, 3)
		assert.Equal(t, []string{"t1", "t2", "t3"}, ids(tasks))
		for i, tk := range tasks {
			assert.True(t, tk.Status.Claimable())
			if i > 0 {
				assert.False(t, tk.CreatedAt.Before(tasks[i-1].CreatedAt))
			}
		}

		limited, err := r.FetchClaimable(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"t1", "t2"}, ids(limited))
	})

	t.Run("claim is exactly once under race", func(t *testing.T) {
		r := open(t)
		ctx := context.Background()
		mustEnqueue(t, r, domain.Task{ID: "race", Type: domain.TypeSendMessage, AccountID: "a"})

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins []string
		)
		for _, w := range []string{"w1", "w2", "w3", "w4"} {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				ok, err := r.Claim(ctx, "race", worker)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins = append(wins, worker)
					mu.Unlock()
				}
			}(w)
		}
		wg.Wait()
		require.Len(t, wins, 1)

		got, err := r.Get(ctx, "race")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusProcessing, got.Status)
		assert.Equal(t, wins[0], got.WorkerID)
		require.NotNil(t, got.StartedAt)
	})

	t.Run("complete stores result", func(t *testing.T) {
		r := open(t)
		ctx := context.Background()
		mustEnqueue(t, r, domain.Task{ID: "ok", Type: domain.TypeSendMessage, AccountID: "a"})
		claimed, err := r.Claim(ctx, "ok", "w1")
		require.NoError(t, err)
		require.True(t, claimed)

		require.NoError(t, r.Complete(ctx, "ok", json.RawMessage(`{"success":true}`)))
		got, err := r.Get(ctx, "ok")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, got.Status)
		assert.JSONEq(t, `{"success":true}`, string(got.Result))
		assert.NotNil(t, got.CompletedAt)
		assert.Zero(t, got.RetryCount)

		assert.ErrorIs(t, r.Complete(ctx, "ok", nil), domain.ErrNotFound)
	})

	t.Run("fail increments retry count once", func(t *testing.T) {
		r := open(t)
		ctx := context.Background()
		mustEnqueue(t, r, domain.Task{ID: "bad", Type: domain.TypeSendMessage, AccountID: "a", Status: domain.StatusRetry, RetryCount: 2})
		claimed, err := r.Claim(ctx, "bad", "w1")
		require.NoError(t, err)
		require.True(t, claimed)

		require.NoError(t, r.Fail(ctx, "bad", "login failed: boom"))
		got, err := r.Get(ctx, "bad")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, got.Status)
		assert.Equal(t, 3, got.RetryCount)
		assert.Equal(t, "login failed: boom", got.ErrorMessage)
		assert.JSONEq(t, `{"success":false,"error":"login failed: boom"}`, string(got.Result))

		claimed, err = r.Claim(ctx, "bad", "w2")
		require.NoError(t, err)
		assert.False(t, claimed)
	})

	t.Run("orphaned tasks fail", func(t *testing.T) {
		r := open(t)
		ctx := context.Background()
		mustEnqueue(t, r, domain.Task{ID: "o1", Type: domain.TypeSendMessage, AccountID: "a"})
		mustEnqueue(t, r, domain.Task{ID: "o2", Type: domain.TypeSendMessage, AccountID: "a"})
		_, err := r.Claim(ctx, "o1", "w1")
		require.NoError(t, err)
		_, err = r.Claim(ctx, "o2", "w2")
		require.NoError(t, err)

		n, err := r.FailOrphaned(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		o1, _ := r.Get(ctx, "o1")
		o2, _ := r.Get(ctx, "o2")
		assert.Equal(t, domain.StatusFailed, o1.Status)
		assert.Equal(t, domain.StatusProcessing, o2.Status)
	})

	t.Run("logs are appended", func(t *testing.T) {
		r := open(t)
		ctx := context.Background()
		require.NoError(t, r.AppendLog(ctx, domain.ExecutionLog{TaskID: "t1", WorkerID: "w1", Action: domain.ActionTaskFailed, Error: "x", Details: map[string]any{"stage": "login"}, CreatedAt: time.Now().Add(-time.Second)}))
		require.NoError(t, r.AppendLog(ctx, domain.ExecutionLog{TaskID: "t1", Action: domain.ActionTaskCompleted, CreatedAt: time.Now()}))

		logs, err := r.Logs(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, domain.ActionTaskFailed, logs[0].Action)
		assert.Equal(t, "x", logs[0].Error)
		assert.Equal(t, "login", logs[0].Details["stage"])
		assert.Empty(t, logs[1].WorkerID)
	})

	t.Run("worker upsert is keyed by name", func(t *testing.T) {
		r := open(t)
		ctx := context.Background()
		reg := domain.WorkerRegistration{Name: "worker-a", Type: "browser_automation", Hostname: "a", SystemInfo: map[string]any{"cpu_count": 4}}

		id1, err := r.UpsertWorker(ctx, reg)
		require.NoError(t, err)
		reg.IPAddress = "10.0.0.2"
		id2, err := r.UpsertWorker(ctx, reg)
		require.NoError(t, err)
		assert.Equal(t, id1, id2)

		require.NoError(t, r.Heartbeat(ctx, id1, domain.SystemStats{CPUPercent: 12.5}, "t9"))
		require.NoError(t, r.Heartbeat(ctx, id1, domain.SystemStats{}, ""))
		require.NoError(t, r.MarkOffline(ctx, id1))
		assert.ErrorIs(t, r.Heartbeat(ctx, "nope", domain.SystemStats{}, ""), domain.ErrNotFound)
	})

	t.Run("fetch account", func(t *testing.T) {
		r := open(t)
		ctx := context.Background()
		id, err := r.CreateAccount(ctx, domain.Account{ID: "a1", Email: "a@example.com", EncryptedPassword: "tok"})
		require.NoError(t, err)
		assert.Equal(t, "a1", id)

		a, err := r.FetchAccount(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "a@example.com", a.Email)
		assert.Equal(t, "tok", a.EncryptedPassword)

		_, err = r.FetchAccount(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = r.Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func mustEnqueue(t *testing.T, r Seeder, tk domain.Task) {
	t.Helper()
	_, err := r.Enqueue(context.Background(), tk)
	require.NoError(t, err)
}

func ids(tasks []domain.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}
