package message

import (
	"context"
	"errors"
	"testing"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/domain"
	"courier/internal/vault"
	"courier/internal/worker"
	"courier/internal/worker/workertest"
)

type accounts map[string]domain.Account

func (a accounts) FetchAccount(ctx context.Context, id string) (domain.Account, error) {
	acct, ok := a[id]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return acct, nil
}

type fixture struct {
	handler *Handler
	pool    *workertest.Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var k fernet.Key
	require.NoError(t, k.Generate())
	key := k.Encode()
	tok, err := vault.Encrypt("hunter2", key)
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)

	pool := &workertest.Pool{}
	accts := accounts{
		"a1":  {ID: "a1", Email: "a1@example.com", EncryptedPassword: tok},
		"bad": {ID: "bad", Email: "bad@example.com", EncryptedPassword: "not-a-token"},
	}
	return &fixture{
		handler: New(accts, v, worker.NewSessions(pool.Factory())),
		pool:    pool,
	}
}

func sendTask(account string) domain.Task {
	return domain.Task{ID: "t1", Type: domain.TypeSendMessage, AccountID: account, RecipientName: "Alice", Message: "hi"}
}

func TestHandleLogsInOnceAndReusesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, sendTask("a1")))
	require.NoError(t, f.handler.Handle(ctx, sendTask("a1")))

	created := f.pool.Created()
	require.Len(t, created, 1)
	logins, probes, _, sent := created[0].Snapshot()
	assert.Equal(t, 1, logins)
	assert.Equal(t, 2, probes)
	assert.Equal(t, []workertest.Sent{{Recipient: "Alice", Body: "hi"}, {Recipient: "Alice", Body: "hi"}}, sent)
	assert.Equal(t, "a1@example.com", created[0].Identity())
}

func TestHandleRecreatesExpiredSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.handler.Handle(ctx, sendTask("a1")))
	f.pool.Created()[0].Expire()

	require.NoError(t, f.handler.Handle(ctx, sendTask("a1")))
	created := f.pool.Created()
	require.Len(t, created, 2)
	_, _, cleaned, _ := created[0].Snapshot()
	assert.Equal(t, 1, cleaned)
	logins, _, _, sent := created[1].Snapshot()
	assert.Equal(t, 1, logins)
	assert.Len(t, sent, 1)
}

func TestHandleKeepsSessionAfterLoginFailure(t *testing.T) {
	f := newFixture(t)
	f.pool.Setup = func(a *workertest.Automation) {
		a.FailLogin(errors.Join(domain.ErrLoginFailed, errors.New("no login outcome")))
	}
	ctx := context.Background()

	err := f.handler.Handle(ctx, sendTask("a1"))
	assert.ErrorIs(t, err, domain.ErrLoginFailed)
	err = f.handler.Handle(ctx, sendTask("a1"))
	assert.ErrorIs(t, err, domain.ErrLoginFailed)

	created := f.pool.Created()
	require.Len(t, created, 1)
	logins, _, cleaned, sent := created[0].Snapshot()
	assert.Equal(t, 2, logins)
	assert.Zero(t, cleaned)
	assert.Empty(t, sent)
}

func TestHandleFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.handler.Handle(ctx, sendTask("missing"))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = f.handler.Handle(ctx, sendTask("bad"))
	assert.ErrorIs(t, err, domain.ErrDecryption)
	assert.NotContains(t, err.Error(), "hunter2")

	task := sendTask("a1")
	task.RecipientName = ""
	assert.ErrorContains(t, f.handler.Handle(ctx, task), "recipient_name")

	assert.Empty(t, f.pool.Created(), "no session is opened before credentials resolve")
}

func TestHandleSendFailure(t *testing.T) {
	f := newFixture(t)
	f.pool.Setup = func(a *workertest.Automation) {
		a.FailSend(errors.Join(domain.ErrMessageSendFailed, errors.New("locate compose box")))
	}

	err := f.handler.Handle(context.Background(), sendTask("a1"))
	assert.ErrorIs(t, err, domain.ErrMessageSendFailed)
	assert.ErrorContains(t, err, "locate compose box")
}

func TestHandleSessionCreationFailure(t *testing.T) {
	f := newFixture(t)
	f.pool.Err = errors.New("chrome not found")

	err := f.handler.Handle(context.Background(), sendTask("a1"))
	assert.ErrorContains(t, err, "chrome not found")
	assert.ErrorIs(t, err, domain.ErrBrowserLaunch)
}
