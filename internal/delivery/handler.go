package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"pushpress/internal/campaign"
	"pushpress/internal/metrics"
	"pushpress/internal/queue"
	"pushpress/internal/storage"
	"pushpress/internal/webpush"
	logx "pushpress/pkg/logx"
)

// notification is the JSON the service worker receives after decryption.
type notification struct {
	CampaignID string `json:"campaignId"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	URL        string `json:"url,omitempty"`
	Icon       string `json:"icon,omitempty"`
	Image      string `json:"image,omitempty"`
}

// HandleSend executes one campaign send end to end. The job itself never
// retries; crash recovery goes through the stall watchdog, which re-queues
// the campaign, and every write below is idempotent so a re-run converges.
func (s *Service) HandleSend(ctx context.Context, job *queue.Job) error {
	var sj SendJob
	if err := json.Unmarshal(job.Payload, &sj); err != nil {
		return queue.Permanent(fmt.Errorf("decode send job: %w", err))
	}
	log := s.log.With(logx.String("campaign", sj.CampaignID), logx.String("site", sj.WebsiteID))

	camp, found, err := s.store.GetCampaign(ctx, sj.CampaignID, sj.WebsiteID)
	if err != nil {
		return err
	}
	if !found {
		log.Warn("send job for missing campaign, dropping")
		return nil
	}

	if camp.Status == campaign.StatusCancelRequested {
		return s.finalizeCanceled(ctx, sj, log)
	}

	claimed, err := s.store.TransitionCampaign(ctx, sj.CampaignID,
		campaign.AllowedFrom(campaign.StatusSending), campaign.StatusSending)
	if err != nil {
		return err
	}
	if !claimed {
		// A cancel may have slipped in between the read above and the
		// claim; finalize it here instead of dropping the job.
		status, ok, err := s.store.CampaignStatus(ctx, sj.CampaignID)
		if err != nil {
			return err
		}
		if ok && status == campaign.StatusCancelRequested {
			return s.finalizeCanceled(ctx, sj, log)
		}
		log.Debug("campaign not claimable, dropping", logx.String("status", string(status)))
		return nil
	}
	s.emitHook(ctx, sj.WebsiteID, "campaign.sending", map[string]any{"campaignId": sj.CampaignID})

	creds, err := s.credentials(ctx, sj.WebsiteID)
	if err != nil {
		return s.finalizeFailed(ctx, sj, log, err)
	}

	targeted, err := s.store.CreateSnapshot(ctx, sj.CampaignID, sj.WebsiteID)
	if err != nil {
		return err
	}
	log.Info("campaign send started", logx.Int64("targeted", targeted))

	message, err := json.Marshal(notification{
		CampaignID: camp.ID,
		Title:      camp.Title,
		Body:       camp.Body,
		URL:        camp.URL,
		Icon:       camp.Icon,
		Image:      camp.Image,
	})
	if err != nil {
		return queue.Permanent(err)
	}
	opts := webpush.SendOptions{TTL: camp.TTL, Urgency: camp.Urgency}

	var sent, failed int64
	for offset := 0; ; offset += batchSize {
		// Cancellation checkpoint: re-read status before touching the
		// next batch so a cancel lands within one batch of arriving.
		status, ok, err := s.store.CampaignStatus(ctx, sj.CampaignID)
		if err != nil {
			return err
		}
		if !ok || status == campaign.StatusCancelRequested {
			if !ok {
				log.Warn("campaign disappeared mid-send")
				return nil
			}
			log.Info("cancel observed mid-send", logx.Int64("sent", sent))
			return s.finalizeCanceled(ctx, sj, log)
		}
		if status != campaign.StatusSending {
			log.Warn("campaign left sending mid-send, dropping", logx.String("status", string(status)))
			return nil
		}

		subs, err := s.store.ListActiveSubscribers(ctx, sj.WebsiteID, batchSize, offset)
		if err != nil {
			return err
		}
		if len(subs) == 0 {
			break
		}

		for _, sub := range subs {
			ok, err := s.pushOne(ctx, sj, sub, creds, message, opts)
			if err != nil {
				return err
			}
			if ok {
				sent++
			} else {
				failed++
			}
		}
		if len(subs) < batchSize {
			break
		}
	}

	done, err := s.store.CompleteCampaign(ctx, sj.CampaignID, targeted)
	if err != nil {
		return err
	}
	if done {
		metrics.CampaignsFinished.WithLabelValues("completed").Inc()
		s.emitHook(ctx, sj.WebsiteID, "campaign.completed", map[string]any{
			"campaignId": sj.CampaignID,
			"targeted":   targeted,
			"sent":       sent,
			"failed":     failed,
		})
	}
	log.Info("campaign send finished",
		logx.Int64("sent", sent), logx.Int64("failed", failed), logx.Bool("completed", done))
	return nil
}

// pushOne delivers to a single subscriber and records the outcome event. It
// reports whether the push was accepted; errors are reserved for storage
// failures and context cancellation.
func (s *Service) pushOne(ctx context.Context, sj SendJob, sub storage.Subscriber,
	creds webpush.Credentials, message []byte, opts webpush.SendOptions) (bool, error) {

	res, err := s.push.Send(ctx, webpush.Subscription{
		Endpoint: sub.Endpoint,
		P256dh:   sub.P256dhKey,
		Auth:     sub.AuthKey,
	}, creds, message, opts)
	if err != nil {
		return false, err
	}

	ev := storage.Event{
		CampaignID:   sj.CampaignID,
		SubscriberID: sub.ID,
		WebsiteID:    sj.WebsiteID,
	}

	switch res.Outcome {
	case webpush.OutcomeOK:
		metrics.PushSends.WithLabelValues("ok").Inc()
		ev.Type = storage.EventSent
		_, err := s.store.AppendEvent(ctx, ev)
		return true, err

	case webpush.OutcomeGone:
		metrics.PushSends.WithLabelValues("gone").Inc()
		if err := s.store.ExpireSubscriber(ctx, sub.ID); err != nil {
			return false, err
		}
		ev.Type = storage.EventFailed
		ev.ErrorCode = res.Code
		ev.ProviderStatus = strconv.Itoa(res.Status)
		_, err := s.store.AppendEvent(ctx, ev)
		return false, err

	default:
		metrics.PushSends.WithLabelValues("transient").Inc()
		s.log.Debug("push rejected",
			logx.String("subscriber", sub.ID), logx.String("code", res.Code), logx.Err(res.Err))
		ev.Type = storage.EventFailed
		ev.ErrorCode = res.Code
		ev.ProviderStatus = strconv.Itoa(res.Status)
		_, err := s.store.AppendEvent(ctx, ev)
		return false, err
	}
}

func (s *Service) finalizeCanceled(ctx context.Context, sj SendJob, log logx.Logger) error {
	ok, err := s.store.TransitionCampaign(ctx, sj.CampaignID,
		campaign.AllowedFrom(campaign.StatusCanceled), campaign.StatusCanceled)
	if err != nil {
		return err
	}
	if ok {
		metrics.CampaignsFinished.WithLabelValues("canceled").Inc()
		s.emitHook(ctx, sj.WebsiteID, "campaign.canceled", map[string]any{"campaignId": sj.CampaignID})
		log.Info("campaign canceled")
	}
	return nil
}

func (s *Service) finalizeFailed(ctx context.Context, sj SendJob, log logx.Logger, cause error) error {
	ok, err := s.store.TransitionCampaign(ctx, sj.CampaignID,
		campaign.AllowedFrom(campaign.StatusFailed), campaign.StatusFailed)
	if err != nil {
		return err
	}
	if ok {
		metrics.CampaignsFinished.WithLabelValues("failed").Inc()
		s.emitHook(ctx, sj.WebsiteID, "campaign.failed", map[string]any{
			"campaignId": sj.CampaignID,
			"error":      cause.Error(),
		})
	}
	log.Error("campaign send failed", logx.Err(cause))
	return queue.Permanent(cause)
}

// credentials loads and unseals the tenant's VAPID key pair.
func (s *Service) credentials(ctx context.Context, websiteID string) (webpush.Credentials, error) {
	site, found, err := s.store.GetWebsite(ctx, websiteID)
	if err != nil {
		return webpush.Credentials{}, err
	}
	if !found {
		return webpush.Credentials{}, fmt.Errorf("website %s not found", websiteID)
	}
	private, err := s.box.Open(site.VAPIDPrivateKeySealed)
	if err != nil {
		return webpush.Credentials{}, fmt.Errorf("unseal vapid key: %w", err)
	}
	return webpush.Credentials{PublicKey: site.VAPIDPublicKey, PrivateKey: private}, nil
}

func (s *Service) emitHook(ctx context.Context, websiteID, event string, payload map[string]any) {
	if s.hooks == nil {
		return
	}
	if err := s.hooks.Emit(ctx, websiteID, event, payload); err != nil {
		s.log.Warn("webhook emit failed", logx.String("event", event), logx.Err(err))
	}
}
