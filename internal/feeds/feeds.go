// Package feeds turns RSS automations into campaigns: a recurring loop fans
// out one poll job per active automation, and each poll job fetches the feed,
// detects a new head item and queues a campaign for it.
package feeds

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pushpress/internal/delivery"
	"pushpress/internal/queue"
	"pushpress/internal/storage"
	logx "pushpress/pkg/logx"
)

const (
	QueueName = "feeds"
	JobPoll   = "poll-feed"

	fetchTimeout = 15 * time.Second
	maxFeedBytes = 2 << 20

	// bodyLimit truncates item descriptions to a push-sized body.
	bodyLimit = 240
)

// PollJob targets one automation. The automation row is re-read at execution
// time, so a feed URL edit between fan-out and poll is honored.
type PollJob struct {
	AutomationID string `json:"automationId"`
	WebsiteID    string `json:"websiteId"`
}

type Poller struct {
	store    *storage.Store
	delivery *delivery.Service
	queue    *queue.Service
	client   *http.Client
	log      logx.Logger
}

func NewPoller(store *storage.Store, d *delivery.Service, q *queue.Service, log logx.Logger) *Poller {
	return &Poller{
		store:    store,
		delivery: d,
		queue:    q,
		client:   &http.Client{Timeout: fetchTimeout},
		log:      log,
	}
}

// HandleLoop is the recurring fan-out: one uniquely keyed poll job per active
// automation. The unique key absorbs overlap with a still-running poll.
func (p *Poller) HandleLoop(ctx context.Context, _ *queue.Job) error {
	autos, err := p.store.ListActiveFeedAutomations(ctx)
	if err != nil {
		return err
	}
	for _, a := range autos {
		payload, err := json.Marshal(PollJob{AutomationID: a.ID, WebsiteID: a.WebsiteID})
		if err != nil {
			return err
		}
		_, err = p.queue.Enqueue(ctx, QueueName, JobPoll, payload, queue.Options{
			UniqueKey: "poll-" + a.ID,
		})
		if err != nil {
			p.log.Warn("feed poll enqueue failed", logx.String("automation", a.ID), logx.Err(err))
		}
	}
	p.log.Debug("feed poll fan-out", logx.Int("automations", len(autos)))
	return nil
}

// HandlePoll fetches one automation's feed and, when the head item's guid
// moved, creates and queues a campaign for it.
func (p *Poller) HandlePoll(ctx context.Context, job *queue.Job) error {
	var pj PollJob
	if err := json.Unmarshal(job.Payload, &pj); err != nil {
		return queue.Permanent(fmt.Errorf("decode poll job: %w", err))
	}

	auto, found, err := p.store.GetAutomation(ctx, pj.AutomationID)
	if err != nil {
		return err
	}
	if !found {
		p.log.Warn("poll job for missing automation, dropping", logx.String("automation", pj.AutomationID))
		return nil
	}

	item, err := p.fetchHead(ctx, auto.FeedURL)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", auto.FeedURL, err)
	}
	if item == nil {
		return nil
	}

	guid := item.GUID
	if guid == "" {
		guid = item.Link
	}
	if guid == "" || guid == auto.LastItemGUID {
		return nil
	}

	// The stable id makes a crashed poll's re-run converge on the same
	// campaign instead of minting a duplicate.
	campaignID := "feed-" + auto.ID + "-" + fingerprint(guid)
	_, exists, err := p.store.GetCampaign(ctx, campaignID, auto.WebsiteID)
	if err != nil {
		return err
	}
	if !exists {
		err = p.store.CreateCampaign(ctx, storage.Campaign{
			ID:        campaignID,
			WebsiteID: auto.WebsiteID,
			Title:     strings.TrimSpace(item.Title),
			Body:      truncate(strings.TrimSpace(item.Description), bodyLimit),
			URL:       strings.TrimSpace(item.Link),
		})
		if err != nil {
			return fmt.Errorf("create feed campaign: %w", err)
		}
	}
	if err := p.delivery.EnqueueSend(ctx, campaignID, auto.WebsiteID); err != nil && !errors.Is(err, delivery.ErrNotQueueable) {
		return err
	}
	if err := p.store.SetAutomationLastItem(ctx, auto.ID, guid); err != nil {
		return err
	}

	p.log.Info("feed item promoted to campaign",
		logx.String("automation", auto.ID),
		logx.String("campaign", campaignID),
		logx.String("guid", guid))
	return nil
}

type rssDoc struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	GUID        string `xml:"guid"`
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
}

// fetchHead returns the feed's newest item, or nil for an empty feed.
func (p *Poller) fetchHead(ctx context.Context, feedURL string) (*rssItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/rss+xml, application/xml, text/xml")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed responded %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, err
	}
	var doc rssDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	if len(doc.Channel.Items) == 0 {
		return nil, nil
	}
	return &doc.Channel.Items[0], nil
}

// fingerprint gives feed campaigns a stable id per item, so a crashed poll
// re-run hits the same campaign row instead of minting a duplicate.
func fingerprint(s string) string {
	h := fnv.New64a()
	h.Write([]byte(s))
	return strconv.FormatUint(h.Sum64(), 16)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "…"
}
