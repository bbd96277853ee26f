package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"pushpress/internal/queue"
	"pushpress/internal/storage"
	logx "pushpress/pkg/logx"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "app.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSignMatchesReceiverSide(t *testing.T) {
	body := []byte(`{"event":"campaign.completed"}`)
	got := Sign("s3cret", body)

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	if want := hex.EncodeToString(mac.Sum(nil)); got != want {
		t.Fatalf("signature = %q, want %q", got, want)
	}
	if Sign("other", body) == got {
		t.Fatalf("different secrets must not collide")
	}
}

func TestWorkerDeliversSignedEnvelope(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	payload, _ := json.Marshal(DeliveryJob{
		WebhookID: "wh1",
		URL:       srv.URL,
		Secret:    "s3cret",
		EventType: "campaign.completed",
		Payload:   json.RawMessage(`{"campaignId":"c1","sent":10}`),
	})

	w := NewWorker(logx.Nop())
	w.now = func() time.Time { return time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC) }
	if err := w.Handle(context.Background(), &queue.Job{Payload: payload, Attempt: 1}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	var env envelope
	if err := json.Unmarshal(gotBody, &env); err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if env.Event != "campaign.completed" {
		t.Fatalf("event = %q", env.Event)
	}
	if env.OccurredAt != "2026-08-28T12:00:00Z" {
		t.Fatalf("occurredAt = %q", env.OccurredAt)
	}
	var data struct {
		CampaignID string `json:"campaignId"`
		Sent       int    `json:"sent"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.CampaignID != "c1" || data.Sent != 10 {
		t.Fatalf("data = %s (%v)", env.Data, err)
	}
	if gotSig != Sign("s3cret", gotBody) {
		t.Fatalf("signature does not cover delivered body")
	}
}

func TestWorkerErrorsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	payload, _ := json.Marshal(DeliveryJob{URL: srv.URL, Secret: "s", EventType: "e", Payload: json.RawMessage(`{}`)})
	w := NewWorker(logx.Nop())
	if err := w.Handle(context.Background(), &queue.Job{Payload: payload, Attempt: 1}); err == nil {
		t.Fatalf("expected error on 502 so the queue retries")
	}
}

func TestWorkerRejectsBadPayload(t *testing.T) {
	w := NewWorker(logx.Nop())
	err := w.Handle(context.Background(), &queue.Job{Payload: []byte("{"), Attempt: 1})
	if err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestEmitRespectsEventFilters(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateWebsite(ctx, storage.Website{ID: "site1", Domain: "example.com"}); err != nil {
		t.Fatalf("create website: %v", err)
	}
	mustEndpoint := func(ep storage.WebhookEndpoint) {
		t.Helper()
		if err := st.CreateWebhookEndpoint(ctx, ep); err != nil {
			t.Fatalf("create endpoint: %v", err)
		}
	}
	mustEndpoint(storage.WebhookEndpoint{ID: "all", WebsiteID: "site1", URL: "https://a.example/hook", Secret: "sa"})
	mustEndpoint(storage.WebhookEndpoint{ID: "completed-only", WebsiteID: "site1", URL: "https://b.example/hook", Secret: "sb",
		EventFilters: []string{"campaign.completed"}})
	mustEndpoint(storage.WebhookEndpoint{ID: "canceled-only", WebsiteID: "site1", URL: "https://c.example/hook", Secret: "sc",
		EventFilters: []string{"campaign.canceled"}})

	q, err := queue.New(st.DB(), logx.Nop())
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	em := NewEmitter(st, q, logx.Nop())
	if err := em.Emit(ctx, "site1", "campaign.completed", map[string]any{"campaignId": "c1"}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	depth, err := q.Depth(ctx, QueueName)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("expected 2 delivery jobs (unfiltered + matching), got %d", depth)
	}
}

func TestEmitDeliveryRetriesUntilSuccess(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := st.CreateWebsite(ctx, storage.Website{ID: "site1", Domain: "example.com"}); err != nil {
		t.Fatalf("create website: %v", err)
	}
	if err := st.CreateWebhookEndpoint(ctx, storage.WebhookEndpoint{
		ID: "flaky", WebsiteID: "site1", URL: srv.URL, Secret: "s",
	}); err != nil {
		t.Fatalf("create endpoint: %v", err)
	}

	q, err := queue.New(st.DB(), logx.Nop(), queue.WithPollInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	w := NewWorker(logx.Nop())
	if err := q.RegisterWorker(QueueName, 2, w.Handle); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop(ctx)

	em := NewEmitter(st, q, logx.Nop())
	if err := em.Emit(ctx, "site1", "campaign.completed", map[string]any{"campaignId": "c1"}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for hits.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if hits.Load() < 3 {
		t.Fatalf("endpoint hit %d times, want at least 3", hits.Load())
	}
}
