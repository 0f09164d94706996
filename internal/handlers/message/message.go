package message

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"courier/internal/domain"
	"courier/internal/worker"
)

type Accounts interface {
	FetchAccount(ctx context.Context, accountID string) (domain.Account, error)
}

type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Handler sends a direct message from the task's account.
type Handler struct {
	accounts Accounts
	vault    Decrypter
	sessions *worker.Sessions
}

func New(accounts Accounts, vault Decrypter, sessions *worker.Sessions) *Handler {
	return &Handler{accounts: accounts, vault: vault, sessions: sessions}
}

func (h *Handler) Handle(ctx context.Context, t domain.Task) error {
	if t.AccountID == "" {
		return errors.New("account_id is required")
	}
	if t.RecipientName == "" {
		return errors.New("recipient_name is required")
	}

	acct, err := h.accounts.FetchAccount(ctx, t.AccountID)
	if err != nil {
		return fmt.Errorf("fetch account %s: %w", t.AccountID, err)
	}
	secret, err := h.vault.Decrypt(acct.EncryptedPassword)
	if err != nil {
		return fmt.Errorf("account %s credentials: %w", acct.ID, err)
	}

	s, err := h.ensureLoggedIn(ctx, acct, secret)
	if err != nil {
		return err
	}
	return s.SendMessage(ctx, t.RecipientName, t.Message)
}

// ensureLoggedIn reuses the account's session when it still has a live
// login. A session that had logged in but now probes logged out is replaced.
func (h *Handler) ensureLoggedIn(ctx context.Context, acct domain.Account, secret string) (worker.Automation, error) {
	s, err := h.sessions.Get(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	if s.IsLoggedIn(ctx) {
		return s, nil
	}
	if s.Identity() != "" {
		log.Warn().Str("account_id", acct.ID).Msg("session expired, recreating browser")
		h.sessions.Invalidate(acct.ID)
		if s, err = h.sessions.Get(ctx, acct.ID); err != nil {
			return nil, err
		}
	}
	if err := s.Login(ctx, acct.Email, secret); err != nil {
		return nil, err
	}
	return s, nil
}
