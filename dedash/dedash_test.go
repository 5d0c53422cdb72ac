package dedash

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/dedash/dbopen"
	"github.com/hazyhaar/dedash/dedash/internal/engine"
	"github.com/hazyhaar/dedash/observability"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const savedPage = `<!DOCTYPE html><html><head><title>Chat — saved</title></head><body>
<main>
  <div data-message-author-role="user"><p>Is it – or —?</p></div>
  <div data-message-author-role="assistant"><p>Both — usually – work.</p></div>
  <div data-message-author-role="assistant"><ul><li>one — two</li><li>none</li></ul></div>
</main></body></html>`

func TestRewriteHTML(t *testing.T) {
	var out bytes.Buffer
	n, err := RewriteHTML(context.Background(), strings.NewReader(savedPage), &out, OfflineOptions{Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("replaced = %d, want 3", n)
	}
	got := out.String()
	for _, want := range []string{"Both - usually - work.", "one - two", "Is it – or —?", "Chat — saved"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestRewriteHTML_CustomSelectors(t *testing.T) {
	page := `<html><body><section id="log"><article class="bot">a — b</article></section></body></html>`
	var out bytes.Buffer
	n, err := RewriteHTML(context.Background(), strings.NewReader(page), &out, OfflineOptions{
		RootSelector:    "#log",
		MessageSelector: "article.bot",
		Logger:          quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || !strings.Contains(out.String(), "a - b") {
		t.Fatalf("replaced = %d, output = %s", n, out.String())
	}
}

func TestRewriteHTML_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	if _, err := RewriteHTML(ctx, strings.NewReader(savedPage), &out, OfflineOptions{Logger: quietLogger()}); err == nil {
		t.Fatal("expected context error")
	}
	if out.Len() != 0 {
		t.Fatal("output written for a cancelled rewrite")
	}
}

func TestRewriteHTML_AttributeValueWithSpace(t *testing.T) {
	page := `<html><body><main><div aria-label="Assistant reply">x — y</div><div aria-label="User">p — q</div></main></body></html>`
	var out bytes.Buffer
	n, err := RewriteHTML(context.Background(), strings.NewReader(page), &out, OfflineOptions{
		MessageSelector: `div[aria-label="Assistant reply"]`,
		Logger:          quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || !strings.Contains(out.String(), "x - y") || !strings.Contains(out.String(), "p — q") {
		t.Fatalf("replaced = %d, output = %s", n, out.String())
	}
}

func TestRewriteHTML_InvalidSelector(t *testing.T) {
	var out bytes.Buffer
	_, err := RewriteHTML(context.Background(), strings.NewReader(savedPage), &out, OfflineOptions{
		MessageSelector: "div:contains(—)",
		Logger:          quietLogger(),
	})
	if err == nil {
		t.Fatal("expected a selector error")
	}
}

func TestRewriteText(t *testing.T) {
	var out bytes.Buffer
	n, err := RewriteText(strings.NewReader("a — b – c\n"), &out)
	if err != nil {
		t.Fatal(err)
	}
	if out.String() != "a - b - c\n" || n != int64(out.Len()) {
		t.Fatalf("output = %q, n = %d", out.String(), n)
	}
}

type fakeSource struct {
	st  Status
	err error
}

func (f fakeSource) Status(context.Context) (Status, error) { return f.st, f.err }

func TestStatusRouter(t *testing.T) {
	src := fakeSource{st: Status{Attached: true, Paused: true, Replaced: 7}}
	totals := func(context.Context) (map[string]float64, error) {
		return map[string]float64{"dashes_replaced_count": 7}, nil
	}
	api := statusAPI{run: "run_x", started: time.Now().Add(-time.Minute), src: src, totals: totals}
	srv := httptest.NewServer(api.router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/health = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control = %q", got)
	}

	resp, err = http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/status = %d", resp.StatusCode)
	}
	var rep statusReport
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		t.Fatal(err)
	}
	if rep.Run != "run_x" || !rep.Engine.Attached || !rep.Engine.Paused || rep.Engine.Replaced != 7 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Totals["dashes_replaced_count"] != 7 {
		t.Fatalf("totals = %v", rep.Totals)
	}
}

func TestStatusRouter_Unavailable(t *testing.T) {
	api := statusAPI{run: "r", started: time.Now(), src: fakeSource{err: errors.New("stopped")}}
	srv := httptest.NewServer(api.router())
	defer srv.Close()

	if code := getJSON(t, srv.URL+"/status", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("/status = %d, want 503", code)
	}
	// No metrics store: the series route is absent.
	if code := getJSON(t, srv.URL+"/metrics/dashes_replaced_count", nil); code != http.StatusNotFound {
		t.Fatalf("/metrics = %d, want 404", code)
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

// watcherWithMetrics returns an unstarted Watcher over an in-memory
// metrics store.
func watcherWithMetrics(t *testing.T) (*Watcher, *sql.DB) {
	t.Helper()
	w, err := New(DefaultConfig(), quietLogger(), WithRunID("run_obs"))
	if err != nil {
		t.Fatal(err)
	}
	db := dbopen.OpenMemory(t, dbopen.WithSchema(observability.Schema))
	w.db = db
	w.metrics = observability.NewMetricsManager(db, 100, time.Hour, observability.WithRunID(w.runID))
	t.Cleanup(func() { w.metrics.Close() })
	return w, db
}

func TestHandler_HealthReportsHeartbeat(t *testing.T) {
	w, db := watcherWithMetrics(t)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	var rep healthReport
	getJSON(t, srv.URL+"/health", &rep)
	if rep.Status != "ok" || rep.Heartbeat != nil {
		t.Fatalf("before any heartbeat: %+v", rep)
	}

	hw := observability.NewHeartbeatWriter(db, w.runID, time.Minute, nil, nil)
	if err := hw.WriteHeartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	rep = healthReport{}
	getJSON(t, srv.URL+"/health", &rep)
	if rep.Status != "ok" || rep.Heartbeat == nil || !rep.Heartbeat.Alive {
		t.Fatalf("fresh heartbeat: %+v", rep)
	}

	if _, err := db.Exec(`DELETE FROM watcher_heartbeats`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO watcher_heartbeats (run_id, hostname, pid, timestamp) VALUES (?, 'h', 1, ?)`,
		w.runID, time.Now().Add(-time.Hour).Unix()); err != nil {
		t.Fatal(err)
	}
	rep = healthReport{}
	getJSON(t, srv.URL+"/health", &rep)
	if rep.Status != "degraded" || rep.Heartbeat == nil || rep.Heartbeat.Alive {
		t.Fatalf("stale heartbeat: %+v", rep)
	}
}

func TestHandler_MetricSeries(t *testing.T) {
	w, _ := watcherWithMetrics(t)
	w.metrics.RecordRewrite("c1", 3, 0)
	w.metrics.RecordRewrite("c2", 2, 1)
	w.metrics.Flush()

	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	var points []observability.Metric
	if code := getJSON(t, srv.URL+"/metrics/"+observability.MetricDashesReplaced+"?since=10m&limit=5", &points); code != http.StatusOK {
		t.Fatalf("/metrics = %d", code)
	}
	if len(points) != 2 {
		t.Fatalf("points = %+v", points)
	}
	sum := 0.0
	for _, p := range points {
		sum += p.Value
		if p.Labels["run"] != "run_obs" {
			t.Fatalf("labels = %v", p.Labels)
		}
	}
	if sum != 5 {
		t.Fatalf("sum = %v, want 5", sum)
	}

	points = nil
	getJSON(t, srv.URL+"/metrics/unknown_metric", &points)
	if points == nil || len(points) != 0 {
		t.Fatalf("unknown metric = %#v, want empty list", points)
	}

	for _, q := range []string{"?since=yesterday", "?since=-1h", "?limit=0", "?limit=x"} {
		if code := getJSON(t, srv.URL+"/metrics/x"+q, nil); code != http.StatusBadRequest {
			t.Errorf("/metrics/x%s = %d, want 400", q, code)
		}
	}
}

func TestSessionWithoutTab(t *testing.T) {
	s := &session{}
	ctx := context.Background()

	if ok, err := s.RootReady(ctx); ok || err != nil {
		t.Fatalf("RootReady = %v, %v", ok, err)
	}
	if err := s.Watch(ctx); !errors.Is(err, errNoTab) {
		t.Fatalf("Watch = %v", err)
	}
	if c, err := s.Latest(ctx); c != nil || err != nil {
		t.Fatalf("Latest = %v, %v", c, err)
	}
	if err := s.Show(ctx, 3); err != nil {
		t.Fatal(err)
	}

	// The engine keeps retrying without a tab.
	e := engine.New(engine.Config{Document: s, Display: s, Logger: quietLogger()})
	st := snapshotOf(t, e)
	if st.Attached {
		t.Fatal("attached without a tab")
	}
}

func snapshotOf(t *testing.T, e *engine.Engine) Status {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	st, err := e.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestNew(t *testing.T) {
	var seen []string
	w, err := New(nil, quietLogger(),
		WithRunID("run_test"),
		WithTap(TapFunc(func(ex Exchange) { seen = append(seen, ex.URL) })))
	if err != nil {
		t.Fatal(err)
	}
	if w.RunID() != "run_test" || len(w.taps) != 1 {
		t.Fatalf("watcher = %+v", w)
	}
	if w.cfg.Page.RootSelector != "main" {
		t.Fatalf("defaults not applied: %+v", w.cfg.Page)
	}
	if _, err := w.Status(context.Background()); err == nil {
		t.Fatal("Status before Start succeeded")
	}
	w.Stop() // no-op before Start

	bad := DefaultConfig()
	bad.Browser.Stealth = "invisible"
	if _, err := New(bad, quietLogger()); err == nil {
		t.Fatal("expected invalid stealth mode error")
	}
}

func TestNew_GeneratedRunID(t *testing.T) {
	w, err := New(DefaultConfig(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(w.RunID(), "run_") {
		t.Fatalf("run id = %q", w.RunID())
	}
}

func TestMetricSeries_Params(t *testing.T) {
	var gotName string
	var gotSince time.Time
	var gotLimit int
	api := statusAPI{run: "r", started: time.Now(), src: fakeSource{}}
	api.series = func(_ context.Context, name string, since time.Time, limit int) ([]*observability.Metric, error) {
		gotName, gotSince, gotLimit = name, since, limit
		return nil, nil
	}
	srv := httptest.NewServer(api.router())
	defer srv.Close()

	var points []observability.Metric
	if code := getJSON(t, srv.URL+"/metrics/regions_missed_count?limit=5000", &points); code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if gotName != "regions_missed_count" {
		t.Errorf("name = %q", gotName)
	}
	if gotLimit != maxSeriesLimit {
		t.Errorf("limit = %d, want %d", gotLimit, maxSeriesLimit)
	}
	if d := time.Since(gotSince); d < defaultSeriesWindow || d > defaultSeriesWindow+time.Minute {
		t.Errorf("since = %v ago, want about %v", d, defaultSeriesWindow)
	}
	if len(points) != 0 {
		t.Errorf("points = %v", points)
	}
}

func TestKeepTab_RetriesUntilOpen(t *testing.T) {
	w, err := New(DefaultConfig(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	attempts := 0
	w.openTab = func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	}
	w.tabRetry = backoff{min: time.Millisecond, max: 4 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.keepTab(ctx)

	if ctx.Err() != nil {
		t.Fatal("keepTab returned only after the deadline")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestKeepTab_StopsOnContextDone(t *testing.T) {
	w, err := New(DefaultConfig(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	attempts := 0
	w.openTab = func(context.Context) error {
		attempts++
		return errors.New("no browser")
	}
	w.tabRetry = backoff{min: time.Millisecond, max: 2 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.keepTab(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keepTab did not return after ctx was done")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if attempts < 1 {
		t.Fatal("opener never called")
	}
}

func TestBackoffNext(t *testing.T) {
	b := backoff{min: time.Second, max: 5 * time.Second}
	d := b.min
	var got []time.Duration
	for range 4 {
		d = b.next(d)
		got = append(got, d)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delays = %v, want %v", got, want)
		}
	}
}
