// Package webhook fans campaign lifecycle events out to tenant-registered
// endpoints and delivers them with signed POSTs and queue-driven retries.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"pushpress/internal/queue"
	"pushpress/internal/storage"
	logx "pushpress/pkg/logx"
)

const (
	QueueName  = "webhook-delivery"
	JobDeliver = "deliver-webhook"

	deliveryAttempts = 5
	deliveryBackoff  = time.Second
)

// DeliveryJob is the queue payload. It carries its own URL and secret so the
// delivery worker never depends on live tenant state.
type DeliveryJob struct {
	WebhookID string          `json:"webhookId"`
	URL       string          `json:"url"`
	Secret    string          `json:"secret"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
}

type Emitter struct {
	store *storage.Store
	queue *queue.Service
	log   logx.Logger
}

func NewEmitter(store *storage.Store, q *queue.Service, log logx.Logger) *Emitter {
	return &Emitter{store: store, queue: q, log: log}
}

// Emit enqueues one independent delivery job per active endpoint whose
// allow-list is empty or contains eventType. A failure to enqueue for one
// endpoint does not block the others.
func (e *Emitter) Emit(ctx context.Context, websiteID, eventType string, payload any) error {
	endpoints, err := e.store.ListActiveWebhookEndpoints(ctx, websiteID)
	if err != nil {
		return fmt.Errorf("list webhook endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var firstErr error
	for _, ep := range endpoints {
		if len(ep.EventFilters) > 0 && !slices.Contains(ep.EventFilters, eventType) {
			continue
		}

		body, err := json.Marshal(DeliveryJob{
			WebhookID: ep.ID,
			URL:       ep.URL,
			Secret:    ep.Secret,
			EventType: eventType,
			Payload:   data,
		})
		if err != nil {
			return err
		}

		_, err = e.queue.Enqueue(ctx, QueueName, JobDeliver, body, queue.Options{
			Retry: queue.RetryPolicy{
				MaxAttempts: deliveryAttempts,
				Backoff:     queue.BackoffExponential,
				Base:        deliveryBackoff,
			},
		})
		if err != nil {
			e.log.Warn("webhook enqueue failed",
				logx.String("endpoint", ep.ID), logx.String("event", eventType), logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
