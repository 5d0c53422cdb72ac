// CLAUDE:SUMMARY Orchestrates the dedash daemon: Chrome lifecycle, chat tab, rewrite engine, metrics store and status endpoint.
// Package dedash keeps a live chat page free of em and en dashes. It drives
// Chrome over CDP, watches the conversation for completed assistant
// messages, rewrites their dashes to hyphens once the upstream stream has
// settled, and shows a transient counter of replacements on the page.
//
// The same rewrite pipeline runs offline over saved HTML (RewriteHTML).
package dedash

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/dedash/dbopen"
	"github.com/hazyhaar/dedash/dedash/internal/browser"
	"github.com/hazyhaar/dedash/dedash/internal/engine"
	"github.com/hazyhaar/dedash/dedash/internal/page"
	"github.com/hazyhaar/dedash/dedash/internal/stream"
	"github.com/hazyhaar/dedash/idgen"
	"github.com/hazyhaar/dedash/observability"
)

var errNoTab = errors.New("dedash: no chat tab")

// Exchange is one network exchange of the chat page, as seen by taps.
type Exchange = stream.Exchange

// Tap observes every exchange of the chat page. Re-exported from internal.
type Tap = stream.Tap

// TapFunc adapts a function to Tap.
type TapFunc = stream.TapFunc

// Status is a point-in-time copy of the pipeline state.
type Status = engine.Status

// Option configures a Watcher.
type Option func(*Watcher)

// WithTap registers an interceptor that sees every network exchange of the
// chat page. Taps run on the CDP event goroutine and must not block.
func WithTap(t Tap) Option {
	return func(w *Watcher) { w.taps = append(w.taps, t) }
}

// WithRunID overrides the generated run id used to label metrics.
func WithRunID(id string) Option {
	return func(w *Watcher) { w.runID = id }
}

// Watcher runs dedash against one chat page.
type Watcher struct {
	cfg      *Config
	logger   *slog.Logger
	runID    string
	taps     []Tap
	eventIDs idgen.Generator

	// openTab attaches a fresh chat tab; it runs with mu held.
	openTab  func(ctx context.Context) error
	tabRetry backoff

	mgr     *browser.Manager
	session *session
	engine  *engine.Engine

	db        *sql.DB
	metrics   *observability.MetricsManager
	events    *observability.EventLogger
	heartbeat *observability.HeartbeatWriter
	server    *http.Server

	mu        sync.Mutex
	tab       *browser.Tab
	tabCancel context.CancelFunc
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

// New creates a Watcher. Nothing runs until Start.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Watcher, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	mode, err := browser.ParseMode(cfg.Browser.Stealth)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		cfg:     cfg,
		logger:  logger,
		session: &session{},
	}
	for _, o := range opts {
		o(w)
	}
	if w.runID == "" {
		w.runID = idgen.Prefixed("run_", idgen.Default)()
	}
	w.eventIDs = idgen.Prefixed(w.runID+"_evt_", idgen.Sequence())
	w.openTab = w.openTabLocked
	w.tabRetry = backoff{min: tabRetryMin, max: tabRetryMax}

	w.mgr = browser.NewManager(browser.Config{
		Remote:           cfg.Browser.Remote,
		MemoryLimit:      cfg.Browser.MemoryLimit,
		RecycleInterval:  cfg.Browser.RecycleInterval,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		Mode:             mode,
		XvfbDisplay:      cfg.Browser.XvfbDisplay,
		UserDataDir:      cfg.Browser.UserDataDir,
		Logger:           logger,
	})
	return w, nil
}

// newEngine builds the pipeline over doc with the configured timings.
func newEngine(cfg *Config, doc engine.Document, display engine.Display, rec engine.Recorder, logger *slog.Logger) *engine.Engine {
	tracker := stream.NewTracker(stream.Classifier{
		Start:    cfg.Stream.StartPatterns,
		Complete: cfg.Stream.CompletePatterns,
	}, cfg.Stream.UnpauseDelay)

	return engine.New(engine.Config{
		Document:      doc,
		Display:       display,
		Tracker:       tracker,
		Recorder:      rec,
		SweepInterval: cfg.Watch.SweepInterval,
		RetryInterval: cfg.Watch.RetryInterval,
		CounterIdle:   cfg.Watch.CounterIdle,
		Logger:        logger,
	})
}

// Start opens the metrics store, launches Chrome, opens the chat tab and
// starts the pipeline. It returns once everything is running.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return fmt.Errorf("dedash: already started")
	}

	if err := w.openMetrics(); err != nil {
		return err
	}

	var rec engine.Recorder
	if w.metrics != nil {
		rec = metricsRecorder{w.metrics}
	}
	w.engine = newEngine(w.cfg, w.session, w.session, rec, w.logger)

	runCtx, cancel := context.WithCancel(ctx)
	if _, err := w.mgr.Start(runCtx); err != nil {
		cancel()
		w.closeMetrics()
		return fmt.Errorf("dedash: start browser: %w", err)
	}
	w.mgr.OnRecycle(func(*rod.Browser) { w.reopen(runCtx) })

	if err := w.openTab(runCtx); err != nil {
		w.logger.Error("dedash: open chat tab", "url", w.cfg.Page.URL, "error", err)
		go w.keepTab(runCtx)
	}

	w.cancel = cancel
	w.done = make(chan struct{})
	w.startedAt = time.Now()
	go func() {
		defer close(w.done)
		if err := w.engine.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("dedash: engine stopped", "error", err)
		}
	}()

	if w.heartbeat != nil {
		w.heartbeat.Start(runCtx)
	}
	if w.cfg.Status.Listen != "" {
		w.serveStatus(w.cfg.Status.Listen)
	}
	w.logEvent(runCtx, observability.EventStarted)
	w.logger.Info("dedash: started", "url", w.cfg.Page.URL, "run", w.runID)
	return nil
}

// Stop shuts everything down. Safe to call once after Start.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == nil {
		return
	}

	if w.server != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.server.Shutdown(shutCtx); err != nil {
			w.logger.Warn("dedash: status server shutdown", "error", err)
		}
		cancel()
		w.server = nil
	}

	w.cancel()
	<-w.done
	w.closeTabLocked()
	if err := w.mgr.Close(); err != nil {
		w.logger.Warn("dedash: close browser", "error", err)
	}

	w.logEvent(context.Background(), observability.EventStopped)
	if w.heartbeat != nil {
		w.heartbeat.Stop()
	}
	w.closeMetrics()
	w.done = nil
	w.logger.Info("dedash: stopped", "run", w.runID)
}

// Status returns the pipeline state.
func (w *Watcher) Status(ctx context.Context) (Status, error) {
	if w.engine == nil {
		return Status{}, fmt.Errorf("dedash: not started")
	}
	return w.engine.Status(ctx)
}

// RunID identifies this run in the metrics store.
func (w *Watcher) RunID() string { return w.runID }

func (w *Watcher) openTabLocked(ctx context.Context) error {
	tab, err := w.mgr.Open(ctx, w.cfg.Page.URL)
	if err != nil {
		return err
	}

	pg := page.New(tab.Page, page.Options{
		RootSelector:    w.cfg.Page.RootSelector,
		MessageSelector: w.cfg.Page.MessageSelector,
	}, w.logger)

	tabCtx, cancel := context.WithCancel(ctx)
	taps := append([]Tap{w.engine}, w.taps...)
	wait, err := pg.Listen(tabCtx, w.engine, stream.Tee(taps...))
	if err != nil {
		cancel()
		tab.Close()
		return err
	}
	go wait()

	if err := pg.Install(tabCtx); err != nil {
		cancel()
		tab.Close()
		return err
	}

	w.tab = tab
	w.tabCancel = cancel
	w.session.set(pg)
	w.logEvent(ctx, observability.EventAttached)
	return nil
}

func (w *Watcher) closeTabLocked() {
	if old := w.session.set(nil); old != nil {
		if err := old.Uninstall(); err != nil {
			w.logger.Debug("dedash: uninstall script", "error", err)
		}
	}
	if w.tabCancel != nil {
		w.tabCancel()
		w.tabCancel = nil
	}
	if w.tab != nil {
		if err := w.tab.Close(); err != nil {
			w.logger.Debug("dedash: close tab", "error", err)
		}
		w.tab = nil
	}
}

// reopen runs after Chrome was recycled: the old tab died with it.
func (w *Watcher) reopen(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	w.closeTabLocked()
	if err := w.openTab(ctx); err != nil {
		w.logger.Error("dedash: reopen chat tab", "error", err)
		go w.keepTab(ctx)
	}
	w.engine.Submit(ctx, engine.Event{Kind: engine.EventReset})
	w.logEvent(ctx, observability.EventRecycled)
}

// keepTab retries opening the chat tab with exponential backoff until a tab
// is attached or ctx ends. Without a tab the engine has no root to find.
func (w *Watcher) keepTab(ctx context.Context) {
	delay := w.tabRetry.min
	for {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		done, err := w.retryTab(ctx)
		if done {
			return
		}
		delay = w.tabRetry.next(delay)
		w.logger.Warn("dedash: open chat tab", "error", err, "retry_in", delay)
	}
}

// retryTab makes one attempt. It reports done when a tab is attached, or
// when there is nothing left to do because ctx ended or another path
// already attached one.
func (w *Watcher) retryTab(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ctx.Err() != nil || w.session.get() != nil {
		return true, nil
	}
	if err := w.openTab(ctx); err != nil {
		return false, err
	}
	if w.engine != nil {
		w.engine.Submit(ctx, engine.Event{Kind: engine.EventReset})
	}
	w.logger.Info("dedash: chat tab opened after retry", "url", w.cfg.Page.URL)
	return true, nil
}

const (
	tabRetryMin = time.Second
	tabRetryMax = 30 * time.Second
)

type backoff struct{ min, max time.Duration }

func (b backoff) next(d time.Duration) time.Duration {
	return min(2*d, b.max)
}

func (w *Watcher) openMetrics() error {
	mc := w.cfg.Metrics
	if mc.DB == "" {
		return nil
	}
	db, err := dbopen.Open(mc.DB, dbopen.WithMkdirAll(), dbopen.WithSchema(observability.Schema))
	if err != nil {
		return fmt.Errorf("dedash: metrics db: %w", err)
	}
	w.db = db
	w.metrics = observability.NewMetricsManager(db, mc.BufferSize, mc.FlushInterval,
		observability.WithRunID(w.runID), observability.WithMetricsLogger(w.logger))
	w.events = observability.NewEventLogger(db, w.runID, w.logger,
		observability.WithEventIDGenerator(w.eventIDs))

	var hbOpts []observability.HeartbeatOption
	if mc.RetentionDays > 0 {
		keep := observability.Retention(mc.RetentionDays)
		if err := observability.Cleanup(context.Background(), db, keep); err != nil {
			w.logger.Warn("dedash: retention cleanup", "error", err)
		}
		hbOpts = append(hbOpts, observability.WithRetention(keep))
	}
	w.heartbeat = observability.NewHeartbeatWriter(db, w.runID, heartbeatInterval,
		func(ctx context.Context) (any, error) { return w.Status(ctx) }, w.logger, hbOpts...)
	return nil
}

func (w *Watcher) closeMetrics() {
	if w.metrics != nil {
		w.metrics.Close()
		w.metrics = nil
	}
	if w.db != nil {
		w.db.Close()
		w.db = nil
	}
	w.events = nil
	w.heartbeat = nil
}

func (w *Watcher) logEvent(ctx context.Context, typ string) {
	if w.events == nil {
		return
	}
	w.events.LogEvent(ctx, observability.Event{Type: typ, PageURL: w.cfg.Page.URL})
}

const heartbeatInterval = 30 * time.Second

// metricsRecorder feeds engine rewrites into the metrics store.
type metricsRecorder struct {
	mm *observability.MetricsManager
}

func (r metricsRecorder) RecordRewrite(rw engine.Rewrite) {
	r.mm.RecordRewrite(rw.ContainerID, rw.Replaced, rw.Missed)
}
