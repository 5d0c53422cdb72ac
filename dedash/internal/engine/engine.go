// Package engine is the change-detection and rewrite pipeline. One
// dispatcher goroutine owns all state: the processing set, the pause state
// and the replacement tally. Mutation and network events are queued and
// handled in arrival order; timers are deadlines serviced by the same
// goroutine, so every handler runs to completion without locking.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/dedash/dedash/internal/stream"
)

// Defaults for Config.
const (
	DefaultSweepInterval = time.Second
	DefaultRetryInterval = 500 * time.Millisecond
)

// EventKind identifies what an Event carries.
type EventKind int

const (
	// EventMutation is a batch of DOM mutations under the root.
	EventMutation EventKind = iota
	// EventExchange is an observed network exchange.
	EventExchange
	// EventReset means the document was replaced; the engine re-attaches.
	EventReset
)

func (k EventKind) String() string {
	switch k {
	case EventMutation:
		return "mutation"
	case EventExchange:
		return "exchange"
	case EventReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Event is one entry of the dispatcher queue.
type Event struct {
	Kind     EventKind
	Exchange stream.Exchange
}

// Config for creating an Engine.
type Config struct {
	Document Document
	Display  Display
	Tracker  *stream.Tracker
	Recorder Recorder

	SweepInterval time.Duration
	RetryInterval time.Duration
	CounterIdle   time.Duration

	// QueueSize bounds the event queue. Default: 1024.
	QueueSize int
	// Now is the clock used inside handlers. Default: time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Display == nil {
		c.Display = nopDisplay{}
	}
	if c.Tracker == nil {
		c.Tracker = stream.NewTracker(stream.DefaultClassifier(), stream.DefaultDelay)
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.CounterIdle <= 0 {
		c.CounterIdle = DefaultCounterIdle
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Status is a point-in-time copy of the engine state.
type Status struct {
	Attached  bool      `json:"attached"`
	Paused    bool      `json:"paused"`
	UnpauseAt time.Time `json:"unpause_at,omitzero"`
	Tally     int       `json:"tally"`
	Active    int       `json:"active"`
	Processed uint64    `json:"processed"`
	Rewritten uint64    `json:"rewritten"`
	Replaced  uint64    `json:"replaced"`
}

// Engine runs the pipeline for one page.
type Engine struct {
	doc      Document
	display  Display
	tracker  *stream.Tracker
	recorder Recorder
	now      func() time.Time
	logger   *slog.Logger

	sweepInterval time.Duration
	retryInterval time.Duration

	events   chan Event
	statusCh chan chan Status

	// life ends when Run returns; sources without a context of their own
	// submit under it.
	life context.Context
	stop context.CancelFunc

	guard    *guard
	tally    tally
	attached bool
	retryAt  time.Time
	sweepAt  time.Time

	processed uint64
	rewritten uint64
	replaced  uint64
}

// New creates an Engine. Call Run to start the dispatcher.
func New(cfg Config) *Engine {
	cfg.defaults()
	life, stop := context.WithCancel(context.Background())
	return &Engine{
		life:          life,
		stop:          stop,
		doc:           cfg.Document,
		display:       cfg.Display,
		tracker:       cfg.Tracker,
		recorder:      cfg.Recorder,
		now:           cfg.Now,
		logger:        cfg.Logger,
		sweepInterval: cfg.SweepInterval,
		retryInterval: cfg.RetryInterval,
		events:        make(chan Event, cfg.QueueSize),
		statusCh:      make(chan chan Status),
		guard:         newGuard(),
		tally:         tally{idle: cfg.CounterIdle},
	}
}

// Submit queues ev for the dispatcher. Mutation events are dropped when the
// queue is full: the next sweep covers whatever they would have triggered.
// Other events wait for room or for ctx.
func (e *Engine) Submit(ctx context.Context, ev Event) {
	if ev.Kind == EventMutation {
		select {
		case e.events <- ev:
		default:
			e.logger.Debug("engine: queue full, mutation coalesced")
		}
		return
	}
	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}

// Observe implements stream.Tap so network sources can feed the engine
// directly. Once Run has returned, exchanges are dropped.
func (e *Engine) Observe(ex stream.Exchange) {
	e.Submit(e.life, Event{Kind: EventExchange, Exchange: ex})
}

// Run is the dispatcher loop. It attaches to the document, then serves
// events and deadlines until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer e.stop()
	e.Start(ctx, e.now())

	timer := time.NewTimer(e.wait(e.now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-e.events:
			e.Handle(ctx, ev)

		case reply := <-e.statusCh:
			reply <- e.snapshot()

		case <-timer.C:
			e.Advance(ctx, e.now())
		}
		timer.Reset(e.wait(e.now()))
	}
}

// Status asks the dispatcher for a copy of its state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	select {
	case e.statusCh <- reply:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Start schedules the first sweep and tries to attach right away.
func (e *Engine) Start(ctx context.Context, now time.Time) {
	e.sweepAt = now.Add(e.sweepInterval)
	e.attach(ctx, now)
}

// Handle processes one queued event.
func (e *Engine) Handle(ctx context.Context, ev Event) {
	now := e.now()
	switch ev.Kind {
	case EventMutation:
		if e.attached {
			e.ProcessLatest(ctx)
		}

	case EventExchange:
		sig := e.tracker.Observe(ev.Exchange, now)
		switch sig {
		case stream.SignalStart:
			e.logger.Debug("engine: generation started, paused",
				"method", ev.Exchange.Method, "url", ev.Exchange.URL)
		case stream.SignalComplete:
			at, _ := e.tracker.Deadline()
			e.logger.Debug("engine: generation complete, resume scheduled",
				"url", ev.Exchange.URL, "at", at)
		}

	case EventReset:
		e.logger.Info("engine: document replaced, re-attaching")
		e.attached = false
		e.attach(ctx, now)
	}
}

// Advance services every deadline that has passed at now: root retry,
// debounced resume, periodic sweep and counter reset.
func (e *Engine) Advance(ctx context.Context, now time.Time) {
	if !e.attached && !e.retryAt.IsZero() && !now.Before(e.retryAt) {
		e.attach(ctx, now)
	}

	if e.tracker.Due(now) {
		e.logger.Debug("engine: stream settled, resuming")
		e.ProcessLatest(ctx)
	}

	if !e.sweepAt.IsZero() && !now.Before(e.sweepAt) {
		e.sweepAt = now.Add(e.sweepInterval)
		e.Sweep(ctx)
	}

	if e.tally.due(now) {
		if err := e.display.Hide(ctx); err != nil {
			e.logger.Debug("engine: hide counter", "error", err)
		}
	}
}

// attach looks for the root. When found it starts mutation notifications
// and processes every existing container once; otherwise it schedules a
// retry.
func (e *Engine) attach(ctx context.Context, now time.Time) {
	ok, err := e.doc.RootReady(ctx)
	if err != nil {
		e.logger.Debug("engine: root lookup failed", "error", err)
	}
	if !ok {
		e.retryAt = now.Add(e.retryInterval)
		return
	}

	if err := e.doc.Watch(ctx); err != nil {
		e.logger.Warn("engine: watch root failed, retrying", "error", err)
		e.retryAt = now.Add(e.retryInterval)
		return
	}
	e.retryAt = time.Time{}
	e.attached = true
	e.logger.Info("engine: attached")

	e.ProcessAll(ctx)
}

// wait returns how long the dispatcher may sleep before the next deadline.
func (e *Engine) wait(now time.Time) time.Duration {
	next := e.sweepAt
	consider := func(t time.Time) {
		if !t.IsZero() && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	if !e.attached {
		consider(e.retryAt)
	}
	if at, ok := e.tracker.Deadline(); ok {
		consider(at)
	}
	consider(e.tally.resetAt)

	if next.IsZero() {
		return e.sweepInterval
	}
	d := next.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (e *Engine) snapshot() Status {
	s := Status{
		Attached:  e.attached,
		Paused:    e.tracker.Paused(),
		Tally:     e.tally.count,
		Active:    e.guard.len(),
		Processed: e.processed,
		Rewritten: e.rewritten,
		Replaced:  e.replaced,
	}
	if at, ok := e.tracker.Deadline(); ok {
		s.UnpauseAt = at
	}
	return s
}
