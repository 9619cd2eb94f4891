package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// newScraper installs a fresh provider and returns a func that renders /metrics.
func newScraper(t *testing.T) func() string {
	t.Helper()
	handler, shutdown, err := InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = shutdown(ctx)
	})

	return func() string {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("scrape returned %d", rr.Code)
		}
		return rr.Body.String()
	}
}

func TestInitMetrics_RuntimeCollectors(t *testing.T) {
	body := newScraper(t)()
	if !strings.Contains(body, "go_goroutines") {
		t.Errorf("expected go collector output, got:\n%s", body)
	}
}

func TestInitMetrics_RepeatedCallsDoNotCollide(t *testing.T) {
	newScraper(t)
	newScraper(t)
}

func TestWorkerMetrics_Export(t *testing.T) {
	scrape := newScraper(t)
	ctx := context.Background()

	m, err := NewWorkerMetrics()
	if err != nil {
		t.Fatalf("NewWorkerMetrics failed: %v", err)
	}
	m.Claimed.Add(ctx, 3)
	m.Submitted.Add(ctx, 2)
	m.SubmitAttempts.Add(ctx, 4)
	m.InFlight.Add(ctx, 1)
	m.RecordTerminal(ctx, "SUCCEEDED")
	m.RecordTerminal(ctx, "FAILED")

	if err := RegisterQueueDepth(func(context.Context) (int64, error) { return 7, nil }); err != nil {
		t.Fatalf("RegisterQueueDepth failed: %v", err)
	}

	body := scrape()
	for _, want := range []string{
		"poolplane_jobs_claimed_total",
		"poolplane_jobs_submitted_total",
		"poolplane_submit_attempts_total",
		"poolplane_jobs_inflight",
		`state="SUCCEEDED"`,
		`state="FAILED"`,
		"poolplane_queue_depth",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s in output, got:\n%s", want, body)
		}
	}
}

func TestRegisterQueueDepth_CallbackErrorKeepsScrapeAlive(t *testing.T) {
	scrape := newScraper(t)

	calls := 0
	err := RegisterQueueDepth(func(context.Context) (int64, error) {
		calls++
		return 0, context.DeadlineExceeded
	})
	if err != nil {
		t.Fatalf("RegisterQueueDepth failed: %v", err)
	}

	body := scrape()
	if calls == 0 {
		t.Error("expected the depth callback to run on scrape")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Errorf("expected the rest of the scrape to render, got:\n%s", body)
	}
}

func TestWorkerMetrics_NilSafe(t *testing.T) {
	var m *WorkerMetrics
	m.RecordTerminal(context.Background(), "FAILED")
}
