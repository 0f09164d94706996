// Package workertest provides in-memory browser sessions for exercising the
// worker without a browser.
package workertest

import (
	"context"
	"sync"

	"courier/internal/worker"
)

type Sent struct {
	Recipient string
	Body      string
}

// Automation is a scripted worker.Automation.
type Automation struct {
	AccountID string

	mu       sync.Mutex
	loggedIn bool
	identity string
	loginErr error
	sendErr  error

	logins  int
	probes  int
	sent    []Sent
	cleaned int
}

func (a *Automation) IsLoggedIn(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.probes++
	return a.loggedIn
}

func (a *Automation) Login(ctx context.Context, identifier, secret string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logins++
	if a.loginErr != nil {
		a.loggedIn, a.identity = false, ""
		return a.loginErr
	}
	a.loggedIn, a.identity = true, identifier
	return nil
}

func (a *Automation) SendMessage(ctx context.Context, recipient, body string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return a.sendErr
	}
	a.sent = append(a.sent, Sent{Recipient: recipient, Body: body})
	return nil
}

func (a *Automation) Identity() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity
}

func (a *Automation) Cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cleaned++
	a.loggedIn, a.identity = false, ""
}

// Expire logs the session out but keeps its identity, as a probe of a
// stale login would.
func (a *Automation) Expire() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loggedIn = false
}

func (a *Automation) FailLogin(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loginErr = err
}

func (a *Automation) FailSend(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendErr = err
}

func (a *Automation) Snapshot() (logins, probes, cleaned int, sent []Sent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logins, a.probes, a.cleaned, append([]Sent(nil), a.sent...)
}

// Pool hands out Automations and remembers them in creation order.
type Pool struct {
	// Setup, when set, scripts each new Automation.
	Setup func(a *Automation)
	// Err fails every creation.
	Err error

	mu      sync.Mutex
	created []*Automation
}

func (p *Pool) Factory() worker.Factory {
	return func(ctx context.Context, accountID string) (worker.Automation, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.Err != nil {
			return nil, p.Err
		}
		a := &Automation{AccountID: accountID}
		if p.Setup != nil {
			p.Setup(a)
		}
		p.created = append(p.created, a)
		return a, nil
	}
}

func (p *Pool) Created() []*Automation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Automation(nil), p.created...)
}
