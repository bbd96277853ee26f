// Package delivery owns the campaign send pipeline: queueing a campaign,
// walking its audience in batches, pushing through the web-push client and
// recording per-subscriber outcome events.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pushpress/internal/campaign"
	"pushpress/internal/queue"
	"pushpress/internal/secrets"
	"pushpress/internal/storage"
	"pushpress/internal/webhook"
	"pushpress/internal/webpush"
	logx "pushpress/pkg/logx"
)

const (
	QueueName = "campaign-send"
	JobSend   = "send-campaign"

	// batchSize bounds how many subscribers are loaded and pushed between
	// two cancellation checkpoints.
	batchSize = 500
)

// ErrNotCancelable reports a cancel request against a campaign that is
// already terminal or does not exist.
var ErrNotCancelable = errors.New("campaign is not in a cancelable state")

// ErrNotQueueable reports a send request against a campaign that is not in
// draft or scheduled.
var ErrNotQueueable = errors.New("campaign is not in a queueable state")

// SendJob is the queue payload for one campaign send.
type SendJob struct {
	CampaignID string `json:"campaignId"`
	WebsiteID  string `json:"websiteId"`
}

type Service struct {
	store *storage.Store
	push  *webpush.Client
	box   *secrets.Box
	hooks *webhook.Emitter
	queue *queue.Service
	log   logx.Logger
}

func NewService(store *storage.Store, push *webpush.Client, box *secrets.Box,
	hooks *webhook.Emitter, q *queue.Service, log logx.Logger) *Service {
	return &Service{store: store, push: push, box: box, hooks: hooks, queue: q, log: log}
}

// EnqueueSend moves a draft or scheduled campaign to queued and enqueues its
// send job. The status update is conditional, so concurrent calls collapse to
// one transition; the job's unique key collapses duplicate enqueues the same
// way.
func (s *Service) EnqueueSend(ctx context.Context, campaignID, websiteID string) error {
	ok, err := s.store.TransitionCampaign(ctx, campaignID,
		campaign.AllowedFrom(campaign.StatusQueued), campaign.StatusQueued)
	if err != nil {
		return fmt.Errorf("queue campaign: %w", err)
	}
	if !ok {
		return ErrNotQueueable
	}
	if err := s.enqueueSendJob(ctx, campaignID, websiteID); err != nil {
		return err
	}
	s.log.Info("campaign queued",
		logx.String("campaign", campaignID), logx.String("site", websiteID))
	return nil
}

// RequestCancel flags a queued, sending or scheduled campaign for
// cancellation. The send worker observes the flag at its next checkpoint and
// finalizes the campaign; a job is (re-)enqueued here so a campaign with no
// send in flight is finalized too.
func (s *Service) RequestCancel(ctx context.Context, campaignID, websiteID string) error {
	ok, err := s.store.TransitionCampaign(ctx, campaignID,
		campaign.AllowedFrom(campaign.StatusCancelRequested), campaign.StatusCancelRequested)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if !ok {
		return ErrNotCancelable
	}
	if err := s.enqueueSendJob(ctx, campaignID, websiteID); err != nil {
		return err
	}
	s.log.Info("campaign cancel requested", logx.String("campaign", campaignID))
	return nil
}

// EnqueueRequeued re-enqueues the send job for a campaign the stall watchdog
// moved back to queued.
func (s *Service) EnqueueRequeued(ctx context.Context, ref storage.CampaignRef) error {
	return s.enqueueSendJob(ctx, ref.CampaignID, ref.WebsiteID)
}

func (s *Service) enqueueSendJob(ctx context.Context, campaignID, websiteID string) error {
	payload, err := json.Marshal(SendJob{CampaignID: campaignID, WebsiteID: websiteID})
	if err != nil {
		return err
	}
	_, err = s.queue.Enqueue(ctx, QueueName, JobSend, payload, queue.Options{
		UniqueKey: "send-" + campaignID,
	})
	if err != nil {
		return fmt.Errorf("enqueue send job: %w", err)
	}
	return nil
}
