package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNoMatch = errors.New("no candidate matched")

// Matcher locates one control and returns the selector that resolved it.
type Matcher func(ctx context.Context, p Page) (string, error)

// Visible waits for sel to become visible.
func Visible(sel string) Matcher {
	return func(ctx context.Context, p Page) (string, error) {
		if err := p.WaitVisible(ctx, sel); err != nil {
			return "", fmt.Errorf("%s: %w", sel, err)
		}
		return sel, nil
	}
}

// Present checks sel once.
func Present(sel string) Matcher {
	return func(ctx context.Context, p Page) (string, error) {
		ok, err := p.Exists(ctx, sel)
		if err != nil {
			return "", fmt.Errorf("%s: %w", sel, err)
		}
		if !ok {
			return "", fmt.Errorf("%s: not present", sel)
		}
		return sel, nil
	}
}

func visibleAll(sels []string) []Matcher {
	ms := make([]Matcher, 0, len(sels))
	for _, s := range sels {
		ms = append(ms, Visible(s))
	}
	return ms
}

func presentAll(sels []string) []Matcher {
	ms := make([]Matcher, 0, len(sels))
	for _, s := range sels {
		ms = append(ms, Present(s))
	}
	return ms
}

// FirstMatch tries candidates in order, giving each at most wait, and returns
// the first selector found.
func FirstMatch(ctx context.Context, p Page, wait time.Duration, candidates ...Matcher) (string, error) {
	var errs []error
	for _, m := range candidates {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		cctx, cancel := context.WithTimeout(ctx, wait)
		sel, err := m(cctx, p)
		cancel()
		if err == nil {
			return sel, nil
		}
		errs = append(errs, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%w: %w", ErrNoMatch, errors.Join(errs...))
}

// conversationMatchers locate a search result for name, most specific first.
func conversationMatchers(name string) []Matcher {
	return []Matcher{
		Visible(fmt.Sprintf(`div[aria-label*=%s]`, cssString(name))),
		Visible(fmt.Sprintf(`//span[normalize-space(text())=%s]`, xpathLiteral(name))),
		Visible(fmt.Sprintf(`//span[contains(text(), %s)]`, xpathLiteral(name))),
	}
}

func cssString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// xpathLiteral quotes s for XPath 1.0, which has no escape sequences.
func xpathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, `'`) {
		return `'` + s + `'`
	}
	parts := strings.Split(s, `"`)
	quoted := make([]string, 0, 2*len(parts))
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `'"'`)
		}
		quoted = append(quoted, `"`+p+`"`)
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}
