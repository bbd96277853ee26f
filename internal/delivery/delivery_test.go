package delivery

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"pushpress/internal/campaign"
	"pushpress/internal/queue"
	"pushpress/internal/secrets"
	"pushpress/internal/storage"
	"pushpress/internal/webpush"
	logx "pushpress/pkg/logx"
)

type fixture struct {
	store *storage.Store
	queue *queue.Service
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
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

	box, err := secrets.New("test-master-key")
	if err != nil {
		t.Fatalf("secrets: %v", err)
	}
	push := webpush.NewClient(webpush.Config{Contact: "mailto:test@example.com"}, logx.Nop())

	return &fixture{
		store: st,
		queue: q,
		svc:   NewService(st, push, box, nil, q, logx.Nop()),
	}
}

// seedWebsite provisions a tenant with a freshly generated, sealed VAPID pair.
func (f *fixture) seedWebsite(t *testing.T, id string) {
	t.Helper()
	creds, err := webpush.GenerateKeys()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	box, _ := secrets.New("test-master-key")
	sealed, err := box.Seal(creds.PrivateKey)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	err = f.store.CreateWebsite(context.Background(), storage.Website{
		ID: id, Domain: id + ".example.com",
		VAPIDPublicKey: creds.PublicKey, VAPIDPrivateKeySealed: sealed,
	})
	if err != nil {
		t.Fatalf("create website: %v", err)
	}
}

// seedSubscribers registers n push subscriptions all pointing at base.
func (f *fixture) seedSubscribers(t *testing.T, siteID, base string, n int) {
	t.Helper()
	uaPriv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ua key: %v", err)
	}
	p256dh := base64.RawURLEncoding.EncodeToString(uaPriv.PublicKey().Bytes())
	auth := make([]byte, 16)
	rand.Read(auth)
	authB64 := base64.RawURLEncoding.EncodeToString(auth)

	for i := 0; i < n; i++ {
		err := f.store.CreateSubscriber(context.Background(), storage.Subscriber{
			ID:        fmt.Sprintf("sub-%04d", i),
			WebsiteID: siteID,
			Endpoint:  fmt.Sprintf("%s/push/%04d", base, i),
			P256dhKey: p256dh,
			AuthKey:   authB64,
		})
		if err != nil {
			t.Fatalf("create subscriber %d: %v", i, err)
		}
	}
}

func (f *fixture) seedCampaign(t *testing.T, id, siteID string, status campaign.Status) {
	t.Helper()
	err := f.store.CreateCampaign(context.Background(), storage.Campaign{
		ID: id, WebsiteID: siteID, Title: "hello", Body: "world", Status: status,
	})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
}

func (f *fixture) status(t *testing.T, id string) campaign.Status {
	t.Helper()
	st, ok, err := f.store.CampaignStatus(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("campaign status: ok=%v err=%v", ok, err)
	}
	return st
}

func TestEnqueueSendQueuesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedWebsite(t, "site1")
	f.seedCampaign(t, "c1", "site1", campaign.StatusDraft)

	if err := f.svc.EnqueueSend(ctx, "c1", "site1"); err != nil {
		t.Fatalf("enqueue send: %v", err)
	}
	if got := f.status(t, "c1"); got != campaign.StatusQueued {
		t.Fatalf("status = %s, want queued", got)
	}

	if err := f.svc.EnqueueSend(ctx, "c1", "site1"); !errors.Is(err, ErrNotQueueable) {
		t.Fatalf("second enqueue: %v, want ErrNotQueueable", err)
	}

	depth, err := f.queue.Depth(ctx, QueueName)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}
}

func TestHandleSendCompletesCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var pushes atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushes.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	f.seedWebsite(t, "site1")
	f.seedSubscribers(t, "site1", srv.URL, 7)
	f.seedCampaign(t, "c1", "site1", campaign.StatusQueued)

	job := &queue.Job{Payload: []byte(`{"campaignId":"c1","websiteId":"site1"}`)}
	if err := f.svc.HandleSend(ctx, job); err != nil {
		t.Fatalf("handle send: %v", err)
	}

	if got := f.status(t, "c1"); got != campaign.StatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}
	if pushes.Load() != 7 {
		t.Fatalf("pushes = %d, want 7", pushes.Load())
	}

	counts, err := f.store.EventCounts(ctx, "c1")
	if err != nil {
		t.Fatalf("event counts: %v", err)
	}
	if counts[storage.EventSent] != 7 {
		t.Fatalf("sent events = %d, want 7", counts[storage.EventSent])
	}

	targeted, ok, err := f.store.SnapshotTargetedCount(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("snapshot: ok=%v err=%v", ok, err)
	}
	if targeted != 7 {
		t.Fatalf("snapshot targeted = %d, want 7", targeted)
	}
}

func TestHandleSendExpiresGoneSubscribers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/0001") {
			w.WriteHeader(http.StatusGone)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	f.seedWebsite(t, "site1")
	f.seedSubscribers(t, "site1", srv.URL, 3)
	f.seedCampaign(t, "c1", "site1", campaign.StatusQueued)

	job := &queue.Job{Payload: []byte(`{"campaignId":"c1","websiteId":"site1"}`)}
	if err := f.svc.HandleSend(ctx, job); err != nil {
		t.Fatalf("handle send: %v", err)
	}

	st, err := f.store.SubscriberStatus(ctx, "sub-0001")
	if err != nil {
		t.Fatalf("subscriber status: %v", err)
	}
	if st != storage.SubscriberExpired {
		t.Fatalf("subscriber status = %s, want expired", st)
	}

	counts, _ := f.store.EventCounts(ctx, "c1")
	if counts[storage.EventSent] != 2 || counts[storage.EventFailed] != 1 {
		t.Fatalf("events = %v, want 2 sent / 1 failed", counts)
	}
	if got := f.status(t, "c1"); got != campaign.StatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}
}

func TestHandleSendCancelsMidFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The first accepted push triggers the cancel; the checkpoint before
	// the second batch must observe it, bounding delivery to one batch.
	var once atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if once.CompareAndSwap(false, true) {
			if err := f.svc.RequestCancel(ctx, "c1", "site1"); err != nil {
				t.Errorf("request cancel: %v", err)
			}
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	f.seedWebsite(t, "site1")
	f.seedSubscribers(t, "site1", srv.URL, batchSize+40)
	f.seedCampaign(t, "c1", "site1", campaign.StatusQueued)

	job := &queue.Job{Payload: []byte(`{"campaignId":"c1","websiteId":"site1"}`)}
	if err := f.svc.HandleSend(ctx, job); err != nil {
		t.Fatalf("handle send: %v", err)
	}

	if got := f.status(t, "c1"); got != campaign.StatusCanceled {
		t.Fatalf("status = %s, want canceled", got)
	}
	counts, _ := f.store.EventCounts(ctx, "c1")
	if counts[storage.EventSent] != batchSize {
		t.Fatalf("sent events = %d, want exactly one batch (%d)", counts[storage.EventSent], batchSize)
	}
}

func TestHandleSendCancelBeforeStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedWebsite(t, "site1")
	f.seedCampaign(t, "c1", "site1", campaign.StatusQueued)

	if err := f.svc.RequestCancel(ctx, "c1", "site1"); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	job := &queue.Job{Payload: []byte(`{"campaignId":"c1","websiteId":"site1"}`)}
	if err := f.svc.HandleSend(ctx, job); err != nil {
		t.Fatalf("handle send: %v", err)
	}
	if got := f.status(t, "c1"); got != campaign.StatusCanceled {
		t.Fatalf("status = %s, want canceled", got)
	}
}

func TestHandleSendMissingCampaignIsNoop(t *testing.T) {
	f := newFixture(t)
	job := &queue.Job{Payload: []byte(`{"campaignId":"ghost","websiteId":"site1"}`)}
	if err := f.svc.HandleSend(context.Background(), job); err != nil {
		t.Fatalf("expected missing campaign to be a no-op, got %v", err)
	}
}

func TestHandleSendLosesClaimRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedWebsite(t, "site1")
	f.seedCampaign(t, "c1", "site1", campaign.StatusQueued)

	// Another worker already claimed the campaign.
	ok, err := f.store.TransitionCampaign(ctx, "c1",
		campaign.AllowedFrom(campaign.StatusSending), campaign.StatusSending)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	job := &queue.Job{Payload: []byte(`{"campaignId":"c1","websiteId":"site1"}`)}
	if err := f.svc.HandleSend(ctx, job); err != nil {
		t.Fatalf("losing the claim race must be a no-op, got %v", err)
	}
	if got := f.status(t, "c1"); got != campaign.StatusSending {
		t.Fatalf("status = %s, want sending untouched", got)
	}
}

func TestRequestCancelTerminalCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedWebsite(t, "site1")
	f.seedCampaign(t, "c1", "site1", campaign.StatusCompleted)

	if err := f.svc.RequestCancel(ctx, "c1", "site1"); !errors.Is(err, ErrNotCancelable) {
		t.Fatalf("cancel completed campaign: %v, want ErrNotCancelable", err)
	}
}
