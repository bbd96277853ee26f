package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"pushpress/internal/campaign"
	logx "pushpress/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "app.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedCampaign(t *testing.T, st *Store, id string, status campaign.Status) {
	t.Helper()
	ctx := context.Background()
	_, exists, err := st.GetWebsite(ctx, "site1")
	if err != nil {
		t.Fatalf("website lookup: %v", err)
	}
	if !exists {
		if err := st.CreateWebsite(ctx, Website{ID: "site1", Domain: "example.com"}); err != nil {
			t.Fatalf("website: %v", err)
		}
	}
	if err := st.CreateCampaign(ctx, Campaign{
		ID: id, WebsiteID: "site1", Title: "t", Body: "b", Status: status,
	}); err != nil {
		t.Fatalf("campaign: %v", err)
	}
}

func TestTransitionIsConditional(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedCampaign(t, st, "c1", campaign.StatusQueued)

	from := campaign.AllowedFrom(campaign.StatusSending)
	ok, err := st.TransitionCampaign(ctx, "c1", from, campaign.StatusSending)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if !ok {
		t.Fatalf("first claim must win")
	}

	ok, err = st.TransitionCampaign(ctx, "c1", from, campaign.StatusSending)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatalf("second claim must lose; exactly one worker owns the send")
	}

	c, _, err := st.GetCampaign(ctx, "c1", "site1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Status != campaign.StatusSending {
		t.Fatalf("status = %s, want sending", c.Status)
	}
	if c.StartedAt.IsZero() {
		t.Fatalf("started_at not stamped")
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedCampaign(t, st, "c1", campaign.StatusCompleted)

	ok, err := st.TransitionCampaign(ctx, "c1",
		campaign.AllowedFrom(campaign.StatusSending), campaign.StatusSending)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if ok {
		t.Fatalf("completed -> sending must not apply")
	}
}

func TestAppendEventIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	ev := Event{CampaignID: "c1", SubscriberID: "s1", WebsiteID: "site1", Type: EventSent}
	inserted, err := st.AppendEvent(ctx, ev)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !inserted {
		t.Fatalf("first append must insert")
	}

	inserted, err = st.AppendEvent(ctx, ev)
	if err != nil {
		t.Fatalf("re-append: %v", err)
	}
	if inserted {
		t.Fatalf("duplicate append must be absorbed")
	}

	counts, err := st.EventCounts(ctx, "c1")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[EventSent] != 1 {
		t.Fatalf("sent = %d, want 1", counts[EventSent])
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedCampaign(t, st, "c1", campaign.StatusQueued)

	for i := 0; i < 3; i++ {
		err := st.CreateSubscriber(ctx, Subscriber{
			ID: fmt.Sprintf("s%d", i), WebsiteID: "site1",
			Endpoint:  fmt.Sprintf("https://push.example.com/%d", i),
			P256dhKey: "k", AuthKey: "a",
		})
		if err != nil {
			t.Fatalf("subscriber: %v", err)
		}
	}

	targeted, err := st.CreateSnapshot(ctx, "c1", "site1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if targeted != 3 {
		t.Fatalf("targeted = %d, want 3", targeted)
	}

	// Audience changes after send-start must not move the snapshot.
	if err := st.ExpireSubscriber(ctx, "s0"); err != nil {
		t.Fatalf("expire: %v", err)
	}
	targeted, err = st.CreateSnapshot(ctx, "c1", "site1")
	if err != nil {
		t.Fatalf("re-snapshot: %v", err)
	}
	if targeted != 3 {
		t.Fatalf("re-run targeted = %d, want original 3", targeted)
	}
}

func TestSubscriberPagingIsStable(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if err := st.CreateWebsite(ctx, Website{ID: "site1", Domain: "example.com"}); err != nil {
		t.Fatalf("website: %v", err)
	}
	for i := 0; i < 5; i++ {
		err := st.CreateSubscriber(ctx, Subscriber{
			ID: fmt.Sprintf("s%d", i), WebsiteID: "site1",
			Endpoint:  fmt.Sprintf("https://push.example.com/%d", i),
			P256dhKey: "k", AuthKey: "a",
		})
		if err != nil {
			t.Fatalf("subscriber: %v", err)
		}
	}

	first, err := st.ListActiveSubscribers(ctx, "site1", 2, 0)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	second, err := st.ListActiveSubscribers(ctx, "site1", 2, 2)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("page sizes = %d/%d, want 2/2", len(first), len(second))
	}
	if first[0].ID != "s0" || first[1].ID != "s1" || second[0].ID != "s2" {
		t.Fatalf("unexpected page order: %s %s / %s", first[0].ID, first[1].ID, second[0].ID)
	}

	// Duplicate opt-in collapses onto the existing row.
	err = st.CreateSubscriber(ctx, Subscriber{
		ID: "dup", WebsiteID: "site1",
		Endpoint: "https://push.example.com/0", P256dhKey: "k", AuthKey: "a",
	})
	if err != nil {
		t.Fatalf("dup opt-in: %v", err)
	}
	n, err := st.CountActiveSubscribers(ctx, "site1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 5 {
		t.Fatalf("count = %d, want 5 after duplicate opt-in", n)
	}
}

func TestStalledSendingWindow(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedCampaign(t, st, "old", campaign.StatusQueued)
	seedCampaign(t, st, "new", campaign.StatusQueued)

	backdate := func(id string, ago time.Duration) {
		t.Helper()
		_, err := st.db.ExecContext(ctx,
			`UPDATE campaigns SET status = 'sending', started_at = ? WHERE id = ?`,
			formatTime(time.Now().Add(-ago)), id,
		)
		if err != nil {
			t.Fatalf("backdate: %v", err)
		}
	}
	backdate("old", time.Hour)
	backdate("new", time.Minute)

	cutoff := time.Now().Add(-30 * time.Minute)
	stalled, err := st.StalledSending(ctx, cutoff)
	if err != nil {
		t.Fatalf("stalled: %v", err)
	}
	if len(stalled) != 1 || stalled[0].CampaignID != "old" {
		t.Fatalf("stalled = %+v, want only old", stalled)
	}

	moved, err := st.RequeueStalled(ctx, "old", cutoff)
	if err != nil || !moved {
		t.Fatalf("requeue: moved=%v err=%v", moved, err)
	}
	moved, err = st.RequeueStalled(ctx, "new", cutoff)
	if err != nil {
		t.Fatalf("requeue fresh: %v", err)
	}
	if moved {
		t.Fatalf("fresh send must not be requeued")
	}
}
