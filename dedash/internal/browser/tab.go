package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const navigateTimeout = 30 * time.Second

// Tab is the chat page dedash works on.
type Tab struct {
	Page   *rod.Page
	URL    string
	router *rod.HijackRouter
}

// Open creates a tab on the current browser, applies stealth and resource
// blocking, and navigates to url. A slow load is logged, not fatal: the
// watcher retries until the conversation root appears.
func (m *Manager) Open(ctx context.Context, url string) (*Tab, error) {
	b := m.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: not started")
	}

	var (
		page *rod.Page
		err  error
	)
	if m.cfg.Mode == Headless {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: new tab: %w", err)
	}

	t := &Tab{Page: page, URL: url}
	if bl := newBlocklist(m.cfg.ResourceBlocking); len(bl) > 0 {
		t.router = block(page, bl)
	}

	navCtx, cancel := context.WithTimeout(ctx, navigateTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(url); err != nil {
		t.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		m.cfg.Logger.Warn("browser: page load incomplete", "url", url, "error", err)
	}
	return t, nil
}

// Close stops request hijacking and closes the page.
func (t *Tab) Close() error {
	if t.router != nil {
		_ = t.router.Stop()
		t.router = nil
	}
	if t.Page == nil {
		return nil
	}
	return t.Page.Close()
}
