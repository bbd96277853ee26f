package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pushpress/internal/metrics"
	"pushpress/internal/queue"
	logx "pushpress/pkg/logx"
)

const deliveryTimeout = 10 * time.Second

// envelope is the wire format delivered to tenant endpoints.
type envelope struct {
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data"`
	OccurredAt string          `json:"occurredAt"`
}

type Worker struct {
	client *http.Client
	log    logx.Logger
	now    func() time.Time
}

func NewWorker(log logx.Logger) *Worker {
	return &Worker{
		client: &http.Client{Timeout: deliveryTimeout},
		log:    log,
		now:    time.Now,
	}
}

// Handle posts one signed envelope to one endpoint. Any error returned here
// feeds the queue's retry policy; a 2xx response settles the job.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	var dj DeliveryJob
	if err := json.Unmarshal(job.Payload, &dj); err != nil {
		return queue.Permanent(fmt.Errorf("decode delivery job: %w", err))
	}

	body, err := json.Marshal(envelope{
		Event:      dj.EventType,
		Data:       dj.Payload,
		OccurredAt: w.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return queue.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dj.URL, bytes.NewReader(body))
	if err != nil {
		return queue.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", Sign(dj.Secret, body))

	resp, err := w.client.Do(req)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		w.log.Warn("webhook endpoint rejected delivery",
			logx.String("endpoint", dj.WebhookID),
			logx.String("event", dj.EventType),
			logx.Int("status", resp.StatusCode),
			logx.Int("attempt", job.Attempt))
		return fmt.Errorf("endpoint responded %d", resp.StatusCode)
	}

	metrics.WebhookDeliveries.WithLabelValues("ok").Inc()
	w.log.Debug("webhook delivered",
		logx.String("endpoint", dj.WebhookID), logx.String("event", dj.EventType))
	return nil
}
