package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// RuntimeMetrics captures process health at a point in time.
type RuntimeMetrics struct {
	GoroutinesCount int
	MemoryAllocMB   float64
	RSSMB           float64
	CPUPercent      float64
}

// CollectRuntimeMetrics reads the Go runtime stats and, when proc is not
// nil, the OS view of the process. OS stats that cannot be read stay zero.
func CollectRuntimeMetrics(proc *process.Process) RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m := RuntimeMetrics{
		GoroutinesCount: runtime.NumGoroutine(),
		MemoryAllocMB:   float64(mem.Alloc) / 1024 / 1024,
	}
	if proc == nil {
		return m
	}
	if info, err := proc.MemoryInfo(); err == nil {
		m.RSSMB = float64(info.RSS) / 1024 / 1024
	}
	if pct, err := proc.CPUPercent(); err == nil {
		m.CPUPercent = pct
	}
	return m
}

// Probe returns the watcher state stored with each heartbeat. The value is
// JSON encoded; a probe error is logged and the heartbeat written without it.
type Probe func(ctx context.Context) (any, error)

// HeartbeatWriter writes periodic liveness rows for one watcher run.
type HeartbeatWriter struct {
	db       *sql.DB
	runID    string
	hostname string
	pid      int
	proc     *process.Process
	interval time.Duration
	probe    Probe
	keep     RetentionConfig
	logger   *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// HeartbeatOption configures a HeartbeatWriter.
type HeartbeatOption func(*HeartbeatWriter)

// WithRetention runs Cleanup with rc after every heartbeat.
func WithRetention(rc RetentionConfig) HeartbeatOption {
	return func(hw *HeartbeatWriter) { hw.keep = rc }
}

// NewHeartbeatWriter creates a writer. probe may be nil.
func NewHeartbeatWriter(db *sql.DB, runID string, interval time.Duration, probe Probe, logger *slog.Logger, opts ...HeartbeatOption) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if logger == nil {
		logger = slog.Default()
	}
	pid := os.Getpid()
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		logger.Debug("observability: process stats unavailable", "error", err)
		proc = nil
	}
	hw := &HeartbeatWriter{
		db:       db,
		runID:    runID,
		hostname: hostname,
		pid:      pid,
		proc:     proc,
		interval: interval,
		probe:    probe,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(hw)
	}
	return hw
}

// Start writes one heartbeat immediately, then one per interval until Stop
// or ctx is done.
func (hw *HeartbeatWriter) Start(ctx context.Context) {
	go hw.loop(ctx)
}

// Stop ends the loop started by Start and waits for it.
func (hw *HeartbeatWriter) Stop() {
	close(hw.stop)
	<-hw.done
}

// WriteHeartbeat writes a single row.
func (hw *HeartbeatWriter) WriteHeartbeat(ctx context.Context) error {
	m := CollectRuntimeMetrics(hw.proc)

	var state sql.NullString
	if hw.probe != nil {
		v, err := hw.probe(ctx)
		if err != nil {
			hw.logger.Debug("observability: heartbeat probe", "error", err)
		} else if b, err := json.Marshal(v); err == nil {
			state = sql.NullString{String: string(b), Valid: true}
		}
	}

	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO watcher_heartbeats (
			run_id, hostname, pid, timestamp, goroutines_count, memory_alloc_mb,
			rss_mb, cpu_percent, state
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		hw.runID, hw.hostname, hw.pid, time.Now().Unix(), m.GoroutinesCount, m.MemoryAllocMB,
		m.RSSMB, m.CPUPercent, state)
	if err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

func (hw *HeartbeatWriter) loop(ctx context.Context) {
	defer close(hw.done)
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	for {
		hw.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-hw.stop:
			return
		case <-ticker.C:
		}
	}
}

// tick writes one heartbeat, then prunes old rows when a retention is set.
func (hw *HeartbeatWriter) tick(ctx context.Context) {
	if err := hw.WriteHeartbeat(ctx); err != nil && ctx.Err() == nil {
		hw.logger.Error("observability: heartbeat write failed", "error", err, "run", hw.runID)
	}
	if hw.keep.zero() {
		return
	}
	if err := Cleanup(ctx, hw.db, hw.keep); err != nil && ctx.Err() == nil {
		hw.logger.Warn("observability: retention cleanup failed", "error", err)
	}
}

// HeartbeatStatus is the latest heartbeat of a run.
type HeartbeatStatus struct {
	RunID           string          `json:"run_id"`
	Hostname        string          `json:"hostname"`
	PID             int             `json:"pid"`
	Timestamp       time.Time       `json:"timestamp"`
	GoroutinesCount int             `json:"goroutines_count"`
	MemoryAllocMB   float64         `json:"memory_alloc_mb"`
	RSSMB           float64         `json:"rss_mb"`
	CPUPercent      float64         `json:"cpu_percent"`
	State           json.RawMessage `json:"state,omitempty"`
	Alive           bool            `json:"alive"`
}

// LatestHeartbeat returns the newest heartbeat of runID, nil if none. A
// heartbeat older than staleAfter is reported as not alive.
func LatestHeartbeat(ctx context.Context, db *sql.DB, runID string, staleAfter time.Duration) (*HeartbeatStatus, error) {
	row := db.QueryRowContext(ctx, `
		SELECT run_id, hostname, pid, timestamp, goroutines_count, memory_alloc_mb,
			COALESCE(rss_mb, 0), COALESCE(cpu_percent, 0), state
		FROM watcher_heartbeats
		WHERE run_id = ?
		ORDER BY timestamp DESC LIMIT 1`, runID)

	var (
		hs    HeartbeatStatus
		ts    int64
		state sql.NullString
	)
	err := row.Scan(&hs.RunID, &hs.Hostname, &hs.PID, &ts, &hs.GoroutinesCount, &hs.MemoryAllocMB,
		&hs.RSSMB, &hs.CPUPercent, &state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest heartbeat: %w", err)
	}
	hs.Timestamp = time.Unix(ts, 0)
	hs.Alive = time.Since(hs.Timestamp) <= staleAfter
	if state.Valid {
		hs.State = json.RawMessage(state.String)
	}
	return &hs, nil
}
