package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"pushpress/internal/delivery"
	"pushpress/internal/metrics"
	"pushpress/internal/queue"
	"pushpress/internal/storage"
	logx "pushpress/pkg/logx"
)

func newTestServer(t *testing.T) (*Server, *storage.Store, *queue.Service) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "app.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	q, err := queue.New(st.DB(), logx.Nop())
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return NewServer("127.0.0.1:0", st, q, logx.Nop()), st, q
}

func TestHealthzReportsQueueDepths(t *testing.T) {
	s, _, q := newTestServer(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, delivery.QueueName, "send-campaign", []byte(`{}`), queue.Options{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("status = %q", resp.Status)
	}
	if resp.Queues[delivery.QueueName] != 1 {
		t.Fatalf("campaign-send depth = %d, want 1", resp.Queues[delivery.QueueName])
	}
}

func TestHealthzStorageDown(t *testing.T) {
	s, st, _ := newTestServer(t)
	_ = st.Close()

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.Init()
	metrics.PushSends.WithLabelValues("ok").Inc()

	s, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "pushpress_push_sends_total") {
		t.Fatalf("metrics body missing pushpress counters")
	}
}
