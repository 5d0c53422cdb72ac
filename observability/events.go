package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/dedash/dbopen"
	"github.com/hazyhaar/dedash/idgen"
)

// Watcher lifecycle event types.
const (
	EventStarted  = "started"
	EventAttached = "tab_opened"
	EventRecycled = "browser_recycled"
	EventStopped  = "stopped"
)

// Event is one lifecycle entry of a watcher run.
type Event struct {
	Type    string
	PageURL string
	Details string // optional JSON
}

// EventLogger writes lifecycle events of one run.
type EventLogger struct {
	db     *sql.DB
	runID  string
	newID  idgen.Generator
	logger *slog.Logger
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets the generator for event ids.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger for runID.
func NewEventLogger(db *sql.DB, runID string, logger *slog.Logger, opts ...EventLoggerOption) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &EventLogger{
		db:     db,
		runID:  runID,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		logger: logger,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records ev. Failures are logged, never returned.
func (l *EventLogger) LogEvent(ctx context.Context, ev Event) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO watcher_events (event_id, run_id, event_type, page_url, details, created_at)
		VALUES (?,?,?,?,?,?)`,
		l.newID(), l.runID, ev.Type, ev.PageURL, ev.Details, time.Now().Unix())
	if err != nil {
		l.logger.Warn("observability: event log failed", "error", err, "event", ev.Type)
	}
}

// RetentionConfig is the per-table retention in days. Zero keeps everything.
type RetentionConfig struct {
	MetricsDays    int
	HeartbeatsDays int
	EventsDays     int
}

// Retention applies the same number of days to every table.
func Retention(days int) RetentionConfig {
	return RetentionConfig{MetricsDays: days, HeartbeatsDays: days, EventsDays: days}
}

func (c RetentionConfig) zero() bool {
	return c.MetricsDays <= 0 && c.HeartbeatsDays <= 0 && c.EventsDays <= 0
}

// Cleanup deletes rows past their retention.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()
	targets := []struct {
		query string
		days  int
	}{
		{"DELETE FROM metrics_timeseries WHERE timestamp < ?", cfg.MetricsDays},
		{"DELETE FROM watcher_heartbeats WHERE timestamp < ?", cfg.HeartbeatsDays},
		{"DELETE FROM watcher_events WHERE created_at < ?", cfg.EventsDays},
	}
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		if _, err := dbopen.Exec(ctx, db, t.query, now-int64(t.days*86400)); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
	}
	return nil
}
