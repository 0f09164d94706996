package browser

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakePage is a scripted in-memory page. Hooks run with the lock held.
type fakePage struct {
	mu          sync.Mutex
	url         string
	visible     map[string]bool
	navigations []string
	filled      map[string]string
	clicks      []string
	enters      int
	urlCalls    int
	navErr      error
	fillErr     map[string]error

	onNavigate func(p *fakePage, url string)
	onClick    func(p *fakePage, sel string)
	onURL      func(p *fakePage)
}

func newFakePage() *fakePage {
	return &fakePage{visible: map[string]bool{}, filled: map[string]string{}}
}

func (p *fakePage) show(sels ...string) {
	for _, s := range sels {
		p.visible[s] = true
	}
}

func (p *fakePage) hide(sels ...string) {
	for _, s := range sels {
		delete(p.visible, s)
	}
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.navErr != nil {
		return p.navErr
	}
	p.url = url
	p.navigations = append(p.navigations, url)
	if p.onNavigate != nil {
		p.onNavigate(p, url)
	}
	return nil
}

func (p *fakePage) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.urlCalls++
	if p.onURL != nil {
		p.onURL(p)
	}
	return p.url, nil
}

func (p *fakePage) WaitVisible(ctx context.Context, sel string) error {
	for {
		p.mu.Lock()
		ok := p.visible[sel]
		p.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (p *fakePage) Exists(ctx context.Context, sel string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible[sel], nil
}

func (p *fakePage) Fill(ctx context.Context, sel, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.visible[sel] {
		return errors.New("not visible: " + sel)
	}
	if err := p.fillErr[sel]; err != nil {
		return err
	}
	p.filled[sel] = text
	return nil
}

func (p *fakePage) Click(ctx context.Context, sel string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.visible[sel] {
		return errors.New("not visible: " + sel)
	}
	p.clicks = append(p.clicks, sel)
	if p.onClick != nil {
		p.onClick(p, sel)
	}
	return nil
}

func (p *fakePage) PressEnter(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enters++
	return nil
}

func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte("png"), nil
}

func (p *fakePage) count(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, u := range p.navigations {
		if u == url {
			n++
		}
	}
	return n
}

func testTimings() Timings {
	return Timings{
		Operation:          time.Second,
		Backoff:            time.Millisecond,
		LoginOutcome:       30 * time.Millisecond,
		Poll:               time.Millisecond,
		VerificationBudget: 40 * time.Millisecond,
		VerificationPoll:   2 * time.Millisecond,
		SuccessMarker:      20 * time.Millisecond,
		Probe:              10 * time.Millisecond,
		Search:             10 * time.Millisecond,
		Candidate:          5 * time.Millisecond,
		Result:             5 * time.Millisecond,
		Settle:             time.Millisecond,
		Keystroke:          time.Millisecond,
	}
}

type releaseLog struct {
	mu    sync.Mutex
	order []string
}

func (l *releaseLog) add(name string) {
	l.mu.Lock()
	l.order = append(l.order, name)
	l.mu.Unlock()
}

func fakeLauncher(p *fakePage, log *releaseLog) Launcher {
	return func(ctx context.Context) (Page, []Release, error) {
		rel := func(name string) Release {
			return Release{Name: name, Close: func() error { log.add(name); return nil }}
		}
		return p, []Release{rel("page"), rel("context"), rel("browser"), rel("engine")}, nil
	}
}
