package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

const (
	viewportWidth  = 1280
	viewportHeight = 720

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36"

	// hides navigator.webdriver before any page script runs
	maskAutomation = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`
)

type LaunchOptions struct {
	Headless  bool
	ExecPath  string
	UserAgent string
}

// ChromeLauncher starts Chrome through chromedp with a fixed viewport and
// the automation flag masked.
func ChromeLauncher(o LaunchOptions) Launcher {
	return func(ctx context.Context) (Page, []Release, error) {
		ua := o.UserAgent
		if ua == "" {
			ua = defaultUserAgent
		}
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", o.Headless),
			chromedp.NoSandbox,
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.Flag("disable-features", "VizDisplayCompositor"),
			chromedp.WindowSize(viewportWidth, viewportHeight),
			chromedp.UserAgent(ua),
		)
		if o.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(o.ExecPath))
		}

		// The browser outlives the launching call; its lifetime is ended
		// by the releases.
		base := context.WithoutCancel(ctx)
		allocCtx, allocCancel := chromedp.NewExecAllocator(base, opts...)
		browserCtx, browserCancel := chromedp.NewContext(allocCtx)
		if err := chromedp.Run(browserCtx); err != nil {
			browserCancel()
			allocCancel()
			return nil, nil, fmt.Errorf("start chrome: %w", err)
		}

		tabCtx, tabCancel := chromedp.NewContext(browserCtx, chromedp.WithNewBrowserContext())
		err := chromedp.Run(tabCtx,
			chromedp.EmulateViewport(viewportWidth, viewportHeight),
			chromedp.ActionFunc(func(ctx context.Context) error {
				_, err := cdppage.AddScriptToEvaluateOnNewDocument(maskAutomation).Do(ctx)
				return err
			}),
		)
		if err != nil {
			tabCancel()
			_ = chromedp.Cancel(browserCtx)
			allocCancel()
			return nil, nil, fmt.Errorf("open tab: %w", err)
		}

		// Cancelling the tab context also disposes the browser context it
		// was created with.
		releases := []Release{
			{Name: "page", Close: func() error { return closeTarget(tabCtx) }},
			{Name: "context", Close: func() error { tabCancel(); return nil }},
			{Name: "browser", Close: func() error { return chromedp.Cancel(browserCtx) }},
			{Name: "engine", Close: func() error { allocCancel(); return nil }},
		}
		return &cdpPage{tab: tabCtx}, releases, nil
	}
}

func closeTarget(tab context.Context) error {
	ctx, cancel := context.WithTimeout(tab, 5*time.Second)
	defer cancel()
	return chromedp.Run(ctx, cdppage.Close())
}

// cdpPage runs actions on one chromedp tab, honouring the caller's deadline.
type cdpPage struct {
	tab context.Context
}

func (p *cdpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.tab)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		var cancelDL context.CancelFunc
		runCtx, cancelDL = context.WithDeadline(runCtx, dl)
		defer cancelDL()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (p *cdpPage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *cdpPage) URL(ctx context.Context) (string, error) {
	var u string
	err := p.run(ctx, chromedp.Location(&u))
	return u, err
}

func (p *cdpPage) WaitVisible(ctx context.Context, sel string) error {
	return p.run(ctx, chromedp.WaitVisible(sel, chromedp.BySearch))
}

func (p *cdpPage) Exists(ctx context.Context, sel string) (bool, error) {
	var nodes []*cdp.Node
	if err := p.run(ctx, chromedp.Nodes(sel, &nodes, chromedp.BySearch, chromedp.AtLeast(0))); err != nil {
		return false, err
	}
	return len(nodes) > 0, nil
}

func (p *cdpPage) Fill(ctx context.Context, sel, text string) error {
	return p.run(ctx,
		chromedp.Focus(sel, chromedp.BySearch),
		chromedp.SetValue(sel, "", chromedp.BySearch),
		chromedp.SendKeys(sel, text, chromedp.BySearch),
	)
}

func (p *cdpPage) Click(ctx context.Context, sel string) error {
	return p.run(ctx, chromedp.Click(sel, chromedp.BySearch))
}

func (p *cdpPage) PressEnter(ctx context.Context) error {
	return p.run(ctx, chromedp.KeyEvent(kb.Enter))
}

func (p *cdpPage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.CaptureScreenshot(&buf))
	return buf, err
}
