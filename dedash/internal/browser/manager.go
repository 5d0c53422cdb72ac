// CLAUDE:SUMMARY Owns the Chrome process behind the chat tab: launch or attach, heap and age based recycling, Xvfb for headful mode.
// Package browser manages the Chrome instance dedash drives: launching or
// attaching over CDP, recycling on age or heap pressure, and notifying the
// caller so the chat tab can be reopened.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Mode selects how Chrome is displayed.
type Mode int

const (
	Headless Mode = iota // launcher headless + stealth
	Headful              // visible window on an Xvfb display
)

func (m Mode) String() string {
	if m == Headful {
		return "headful"
	}
	return "headless"
}

// ParseMode maps the config spelling to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "headless":
		return Headless, nil
	case "headful":
		return Headful, nil
	}
	return Headless, fmt.Errorf("browser: unknown mode %q", s)
}

const monitorEvery = 30 * time.Second

// Config configures the Manager.
type Config struct {
	// Remote is the DevTools WebSocket URL of an already running Chrome.
	// Empty launches a local one.
	Remote string

	// MemoryLimit is the JS heap size, in bytes, above which Chrome is recycled.
	MemoryLimit int64

	// RecycleInterval bounds the lifetime of one Chrome process.
	RecycleInterval time.Duration

	// ResourceBlocking lists resource types the tab never loads.
	ResourceBlocking []string

	Mode        Mode
	XvfbDisplay string
	UserDataDir string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = 1 << 30
	}
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns one Chrome process at a time.
type Manager struct {
	cfg Config

	mu        sync.RWMutex
	browser   *rod.Browser
	lnch      *launcher.Launcher
	xvfb      *exec.Cmd
	startedAt time.Time
	closed    bool

	// onRecycle runs, with the new browser, after every successful recycle.
	onRecycle func(*rod.Browser)
}

// NewManager returns a Manager. Nothing is launched until Start.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// OnRecycle registers fn to be called after Chrome has been replaced.
func (m *Manager) OnRecycle(fn func(*rod.Browser)) {
	m.mu.Lock()
	m.onRecycle = fn
	m.mu.Unlock()
}

// Start brings Chrome up and starts the recycle monitor, which stops with ctx.
func (m *Manager) Start(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browser: manager closed")
	}
	b, err := m.launch()
	if err != nil {
		return nil, err
	}
	m.browser = b
	m.startedAt = time.Now()

	go m.monitor(ctx)
	return b, nil
}

// Browser returns the current handle, nil before Start or after Close.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// Uptime reports how long the current Chrome has been running.
func (m *Manager) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.browser == nil {
		return 0
	}
	return time.Since(m.startedAt)
}

// Recycle replaces Chrome and then runs the OnRecycle hook.
func (m *Manager) Recycle(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("browser: manager closed")
	}
	m.cfg.Logger.Info("browser: recycling", "uptime", time.Since(m.startedAt))
	m.shutdown()

	b, err := m.launch()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("browser: relaunch: %w", err)
	}
	m.browser = b
	m.startedAt = time.Now()
	hook := m.onRecycle
	m.mu.Unlock()

	// The hook reopens the tab and may call back into the Manager.
	if hook != nil {
		hook(b)
	}
	m.cfg.Logger.Info("browser: recycled")
	return nil
}

// Close shuts Chrome down for good.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.shutdown()
	return nil
}

func (m *Manager) launch() (*rod.Browser, error) {
	log := m.cfg.Logger

	if m.cfg.Mode == Headful && m.cfg.Remote == "" {
		if err := m.startXvfb(); err != nil {
			return nil, fmt.Errorf("browser: xvfb: %w", err)
		}
	}

	controlURL := m.cfg.Remote
	if controlURL == "" {
		l := launcher.New().
			Headless(m.cfg.Mode == Headless).
			Set("disable-blink-features", "AutomationControlled")
		if m.cfg.Mode == Headful {
			l = l.Env(append(os.Environ(), "DISPLAY="+m.cfg.XvfbDisplay)...)
		}
		if m.cfg.UserDataDir != "" {
			l = l.UserDataDir(m.cfg.UserDataDir)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		controlURL = u
		m.lnch = l
		log.Info("browser: launched chrome", "mode", m.cfg.Mode)
	} else {
		log.Info("browser: attaching to remote chrome", "url", controlURL)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return b, nil
}

func (m *Manager) shutdown() {
	if m.browser != nil {
		// A remote Chrome belongs to someone else; only drop the connection.
		if m.lnch != nil {
			if err := m.browser.Close(); err != nil {
				m.cfg.Logger.Debug("browser: close", "error", err)
			}
		}
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	m.stopXvfb()
}

func (m *Manager) monitor(ctx context.Context) {
	log := m.cfg.Logger
	ticker := time.NewTicker(monitorEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.RLock()
		b, closed, age := m.browser, m.closed, time.Since(m.startedAt)
		m.mu.RUnlock()
		if closed {
			return
		}
		if b == nil {
			continue
		}

		reason := ""
		if age > m.cfg.RecycleInterval {
			reason = "age"
		} else if used, err := heapUsed(b); err != nil {
			log.Debug("browser: heap check", "error", err)
		} else if used > m.cfg.MemoryLimit {
			log.Info("browser: heap over limit", "used", used, "limit", m.cfg.MemoryLimit)
			reason = "memory"
		}
		if reason == "" {
			continue
		}
		if err := m.Recycle(ctx); err != nil {
			log.Error("browser: recycle failed", "reason", reason, "error", err)
		}
	}
}

// heapUsed sums JSHeapUsedSize over the open pages.
func heapUsed(b *rod.Browser) (int64, error) {
	pages, err := b.Pages()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, p := range pages {
		if err := (proto.PerformanceEnable{}).Call(p); err != nil {
			return 0, err
		}
		res, err := proto.PerformanceGetMetrics{}.Call(p)
		if err != nil {
			return 0, err
		}
		total += jsHeap(res.Metrics)
	}
	return total, nil
}

func jsHeap(metrics []*proto.PerformanceMetric) int64 {
	for _, mt := range metrics {
		if mt.Name == "JSHeapUsedSize" {
			return int64(mt.Value)
		}
	}
	return 0
}
