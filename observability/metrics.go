// CLAUDE:SUMMARY Batched SQLite metrics for dedash rewrites (dashes replaced, messages rewritten, regions missed).
// Package observability persists dedash activity to SQLite: rewrite
// metrics, watcher heartbeats and lifecycle events. It uses its own
// database, opened through dbopen with Schema applied.
//
// Persistence never applies backpressure to the pipeline: metrics are
// buffered and flushed in batches, failures are logged and dropped.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/dedash/dbopen"
)

// Metric names written by RecordRewrite.
const (
	MetricDashesReplaced    = "dashes_replaced_count"
	MetricMessagesRewritten = "messages_rewritten_count"
	MetricRegionsMissed     = "regions_missed_count"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Unit      string            `json:"unit,omitempty"`
}

// MetricsOption configures a MetricsManager.
type MetricsOption func(*MetricsManager)

// WithRunID labels every rewrite metric with the watcher run.
func WithRunID(id string) MetricsOption {
	return func(mm *MetricsManager) { mm.runID = id }
}

// WithMetricsLogger sets the logger used for flush failures.
func WithMetricsLogger(l *slog.Logger) MetricsOption {
	return func(mm *MetricsManager) { mm.logger = l }
}

// MetricsManager buffers metrics and flushes them to SQLite in batches.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	runID         string
	logger        *slog.Logger

	mu     sync.Mutex
	buffer []*Metric

	stop chan struct{}
	done chan struct{}
}

// NewMetricsManager starts a manager that flushes every flushInterval or
// whenever bufferSize metrics are pending.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration, opts ...MetricsOption) *MetricsManager {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		logger:        slog.Default(),
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(mm)
	}
	go mm.flushLoop()
	return mm
}

// Record queues m. Non-blocking apart from an in-place flush when the
// buffer is full.
func (mm *MetricsManager) Record(m *Metric) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.bufferSize {
		mm.flushLocked()
	}
}

// RecordRewrite records one rewritten message: how many dashes it lost and
// how many regions changed under the rewrite.
func (mm *MetricsManager) RecordRewrite(containerID string, replaced, missed int) {
	now := time.Now()
	labels := map[string]string{"container": containerID}
	if mm.runID != "" {
		labels["run"] = mm.runID
	}
	mm.Record(&Metric{Name: MetricMessagesRewritten, Timestamp: now, Value: 1, Labels: labels, Unit: "count"})
	mm.Record(&Metric{Name: MetricDashesReplaced, Timestamp: now, Value: float64(replaced), Labels: labels, Unit: "count"})
	if missed > 0 {
		mm.Record(&Metric{Name: MetricRegionsMissed, Timestamp: now, Value: float64(missed), Labels: labels, Unit: "count"})
	}
}

// Query returns metrics by name (empty for all), newest first. Nil bounds
// are open; limit <= 0 means no limit.
func (mm *MetricsManager) Query(ctx context.Context, name string, since, until *time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	var args []any
	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	if since != nil {
		q += " AND timestamp >= ?"
		args = append(args, since.Unix())
	}
	if until != nil {
		q += " AND timestamp <= ?"
		args = append(args, until.Unix())
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			m      Metric
			ts     int64
			labels sql.NullString
			unit   sql.NullString
		)
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &unit); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		m.Unit = unit.String
		if labels.Valid {
			_ = json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Totals sums every flushed metric by name.
func (mm *MetricsManager) Totals(ctx context.Context) (map[string]float64, error) {
	rows, err := mm.db.QueryContext(ctx,
		"SELECT metric_name, SUM(value) FROM metrics_timeseries GROUP BY metric_name")
	if err != nil {
		return nil, fmt.Errorf("totals: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var name string
		var sum float64
		if err := rows.Scan(&name, &sum); err != nil {
			return nil, fmt.Errorf("totals: %w", err)
		}
		out[name] = sum
	}
	return out, rows.Err()
}

// Flush writes pending metrics now.
func (mm *MetricsManager) Flush() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.flushLocked()
}

// Close flushes what is pending and stops the flush loop.
func (mm *MetricsManager) Close() error {
	close(mm.stop)
	<-mm.done
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
			mm.Flush()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}
	batch := mm.buffer
	mm.buffer = make([]*Metric, 0, mm.bufferSize)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := dbopen.RunTx(ctx, mm.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, m := range batch {
			var labels sql.NullString
			if len(m.Labels) > 0 {
				if b, err := json.Marshal(m.Labels); err == nil {
					labels = sql.NullString{String: string(b), Valid: true}
				}
			}
			if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.Unix(), m.Value, labels, m.Unit); err != nil {
				return fmt.Errorf("insert %s: %w", m.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		mm.logger.Error("observability: metrics flush dropped", "count", len(batch), "error", err)
	}
}
