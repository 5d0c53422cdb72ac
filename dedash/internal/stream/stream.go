// Package stream infers whether the chat upstream is generating a message
// from the network exchanges the page makes, and turns that into a pause
// state with a debounced resume.
package stream

import (
	"strings"
	"time"
)

// Exchange is one observed request/response pair. Sources report it once the
// response headers have arrived.
type Exchange struct {
	Method string
	URL    string
	Status int
	Err    error
	At     time.Time
}

// Tap is the interception point network sources report to. Implementations
// must not block: sources call Observe from their event goroutine.
type Tap interface {
	Observe(Exchange)
}

// TapFunc adapts a function to Tap.
type TapFunc func(Exchange)

func (f TapFunc) Observe(ex Exchange) { f(ex) }

// Signal is the meaning the Classifier assigns to an exchange.
type Signal int

const (
	SignalNone Signal = iota
	SignalStart
	SignalComplete
)

func (s Signal) String() string {
	switch s {
	case SignalStart:
		return "start"
	case SignalComplete:
		return "complete"
	default:
		return "none"
	}
}

// Default URL patterns of the ChatGPT web client.
const (
	DefaultStartPattern    = "/backend-api/conversation"
	DefaultCompletePattern = "/backend-api/lat/r"
	DefaultDelay           = time.Second
)

// Classifier maps exchanges to signals by URL substring. Start patterns are
// tested before complete patterns.
type Classifier struct {
	Start    []string
	Complete []string
}

// DefaultClassifier returns the classifier for the ChatGPT web client.
func DefaultClassifier() Classifier {
	return Classifier{
		Start:    []string{DefaultStartPattern},
		Complete: []string{DefaultCompletePattern},
	}
}

// Classify returns the signal carried by ex. Failed exchanges carry none.
func (c Classifier) Classify(ex Exchange) Signal {
	if ex.Err != nil {
		return SignalNone
	}
	if containsAny(ex.URL, c.Start) {
		return SignalStart
	}
	if containsAny(ex.URL, c.Complete) {
		return SignalComplete
	}
	return SignalNone
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// Tracker holds the pause state. It is not safe for concurrent use; the
// engine's dispatcher goroutine owns it.
type Tracker struct {
	classifier Classifier
	delay      time.Duration
	paused     bool
	unpauseAt  time.Time // zero when no resume is pending
}

// NewTracker creates an unpaused Tracker. delay <= 0 means DefaultDelay.
func NewTracker(c Classifier, delay time.Duration) *Tracker {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Tracker{classifier: c, delay: delay}
}

// Observe applies ex to the pause state and returns its signal. A start
// pauses immediately and drops any pending resume. A complete schedules a
// resume delay after the exchange, replacing any earlier one.
func (t *Tracker) Observe(ex Exchange, now time.Time) Signal {
	at := ex.At
	if at.IsZero() {
		at = now
	}
	sig := t.classifier.Classify(ex)
	switch sig {
	case SignalStart:
		t.paused = true
		t.unpauseAt = time.Time{}
	case SignalComplete:
		t.unpauseAt = at.Add(t.delay)
	}
	return sig
}

// Paused reports whether processing is suspended.
func (t *Tracker) Paused() bool { return t.paused }

// Deadline returns the pending resume time, if any.
func (t *Tracker) Deadline() (time.Time, bool) {
	return t.unpauseAt, !t.unpauseAt.IsZero()
}

// Due resumes when the pending deadline has passed and reports whether it
// did. The caller runs its catch-up pass when Due returns true.
func (t *Tracker) Due(now time.Time) bool {
	if t.unpauseAt.IsZero() || now.Before(t.unpauseAt) {
		return false
	}
	t.unpauseAt = time.Time{}
	t.paused = false
	return true
}

// Delay returns the resume debounce.
func (t *Tracker) Delay() time.Duration { return t.delay }

// Tee reports every exchange to each tap in order. Nil taps are skipped.
func Tee(taps ...Tap) Tap {
	var live []Tap
	for _, t := range taps {
		if t != nil {
			live = append(live, t)
		}
	}
	return TapFunc(func(ex Exchange) {
		for _, t := range live {
			t.Observe(ex)
		}
	})
}
