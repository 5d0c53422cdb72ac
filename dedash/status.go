package dedash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/dedash/observability"
)

const (
	statusTimeout = 2 * time.Second

	defaultSeriesWindow = time.Hour
	defaultSeriesLimit  = 100
	maxSeriesLimit      = 1000
)

type statusSource interface {
	Status(ctx context.Context) (Status, error)
}

// statusAPI is what the status endpoint reads. The metrics-backed readers
// are nil when no metrics database is configured.
type statusAPI struct {
	run     string
	started time.Time
	src     statusSource

	totals func(ctx context.Context) (map[string]float64, error)
	beat   func(ctx context.Context) (*observability.HeartbeatStatus, error)
	series func(ctx context.Context, name string, since time.Time, limit int) ([]*observability.Metric, error)
}

type statusReport struct {
	Run    string             `json:"run"`
	Uptime string             `json:"uptime"`
	Engine Status             `json:"engine"`
	Totals map[string]float64 `json:"totals,omitempty"`
}

type healthReport struct {
	Status    string                         `json:"status"`
	Heartbeat *observability.HeartbeatStatus `json:"heartbeat,omitempty"`
}

// router serves GET /health, GET /status and GET /metrics/{name}.
func (a statusAPI) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(noStore)

	r.Get("/health", a.health)
	r.Get("/status", a.status)
	r.Get("/metrics/{name}", a.metricSeries)
	return r
}

// health reports "degraded" once the last heartbeat is stale.
func (a statusAPI) health(w http.ResponseWriter, req *http.Request) {
	rep := healthReport{Status: "ok"}
	if a.beat != nil {
		ctx, cancel := context.WithTimeout(req.Context(), statusTimeout)
		defer cancel()
		if hb, err := a.beat(ctx); err == nil && hb != nil {
			rep.Heartbeat = hb
			if !hb.Alive {
				rep.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a statusAPI) status(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), statusTimeout)
	defer cancel()

	st, err := a.src.Status(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	rep := statusReport{
		Run:    a.run,
		Uptime: time.Since(a.started).Round(time.Second).String(),
		Engine: st,
	}
	if a.totals != nil {
		if t, err := a.totals(ctx); err == nil {
			rep.Totals = t
		}
	}
	writeJSON(w, http.StatusOK, rep)
}

// metricSeries returns the newest datapoints of one metric. Query
// parameters: since (a duration back from now, default 1h) and limit.
func (a statusAPI) metricSeries(w http.ResponseWriter, req *http.Request) {
	if a.series == nil {
		writeError(w, http.StatusNotFound, errors.New("metrics disabled"))
		return
	}
	window := defaultSeriesWindow
	if v := req.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid since %q", v))
			return
		}
		window = d
	}
	limit := defaultSeriesLimit
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = min(n, maxSeriesLimit)
	}

	ctx, cancel := context.WithTimeout(req.Context(), statusTimeout)
	defer cancel()
	points, err := a.series(ctx, chi.URLParam(req, "name"), time.Now().Add(-window), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if points == nil {
		points = []*observability.Metric{}
	}
	writeJSON(w, http.StatusOK, points)
}

// Handler returns the status endpoint of a started Watcher.
func (w *Watcher) Handler() http.Handler {
	api := statusAPI{run: w.runID, started: w.startedAt, src: w}
	if mm, db := w.metrics, w.db; mm != nil {
		api.totals = mm.Totals
		api.beat = func(ctx context.Context) (*observability.HeartbeatStatus, error) {
			return observability.LatestHeartbeat(ctx, db, w.runID, 3*heartbeatInterval)
		}
		api.series = func(ctx context.Context, name string, since time.Time, limit int) ([]*observability.Metric, error) {
			return mm.Query(ctx, name, &since, nil, limit)
		}
	}
	return api.router()
}

func (w *Watcher) serveStatus(addr string) {
	w.server = &http.Server{
		Addr:              addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := w.server
	go func() {
		w.logger.Info("dedash: status endpoint", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("dedash: status endpoint", "error", err)
		}
	}()
}

// noStore marks status responses as private and uncacheable.
func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
