// Package webpush is the push-transport adapter: RFC 8291 aes128gcm payload
// encryption plus RFC 8292 VAPID request signing.
//
// The adapter is the only place that looks at provider status codes; callers
// get a closed outcome enum (ok / gone / transient) and base delivery policy
// on that, never on raw HTTP statuses.
package webpush

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	logx "pushpress/pkg/logx"
)

type Outcome int

const (
	// OutcomeOK: the push service accepted the message.
	OutcomeOK Outcome = iota
	// OutcomeGone: the subscription no longer exists; never retry.
	OutcomeGone
	// OutcomeTransient: anything else; the delivery failed this time.
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeGone:
		return "gone"
	default:
		return "transient"
	}
}

// Result is one delivery attempt's outcome. Code carries the provider error
// identifier recorded on failed events.
type Result struct {
	Outcome Outcome
	Status  int
	Code    string
	Err     error
}

// Subscription is a push-capable endpoint as captured at opt-in.
type Subscription struct {
	Endpoint string
	P256dh   string // base64url, uncompressed P-256 public point
	Auth     string // base64url, 16-byte auth secret
}

// Credentials is a tenant's VAPID key pair (private key already unsealed).
type Credentials struct {
	PublicKey  string // base64url, uncompressed P-256 public point
	PrivateKey string // base64url, 32-byte scalar
}

type SendOptions struct {
	TTL     int
	Urgency string // very-low | low | normal | high
}

type Config struct {
	// Contact becomes the VAPID "sub" claim, e.g. "mailto:ops@pushpress.dev".
	Contact    string
	Timeout    time.Duration
	RatePerSec int // 0 = unlimited
}

type Client struct {
	http    *http.Client
	contact string
	limiter *rate.Limiter
	log     logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	contact := cfg.Contact
	if contact == "" {
		contact = "mailto:ops@pushpress.dev"
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		contact: contact,
		limiter: lim,
		log:     log,
	}
}

// Send encrypts message for sub and posts it to the subscriber's push
// service. Per-subscriber failures are reported through the Result, not as
// an error; the error return is reserved for caller-side cancellation.
func (c *Client) Send(ctx context.Context, sub Subscription, creds Credentials, message []byte, opt SendOptions) (Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{}, err
		}
	}

	body, err := encryptPayload(sub, message)
	if err != nil {
		return Result{Outcome: OutcomeTransient, Code: "encrypt_failed", Err: err}, nil
	}

	endpoint, err := url.Parse(sub.Endpoint)
	if err != nil || endpoint.Host == "" {
		return Result{Outcome: OutcomeGone, Code: "bad_endpoint", Err: fmt.Errorf("invalid endpoint %q", sub.Endpoint)}, nil
	}

	auth, err := vapidAuthorization(endpoint, c.contact, creds)
	if err != nil {
		return Result{Outcome: OutcomeTransient, Code: "vapid_failed", Err: err}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: OutcomeTransient, Code: "bad_request", Err: err}, nil
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("Authorization", auth)
	req.Header.Set("TTL", strconv.Itoa(max(opt.TTL, 0)))
	if opt.Urgency != "" {
		req.Header.Set("Urgency", opt.Urgency)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{Outcome: OutcomeTransient, Code: "network_error", Err: err}, nil
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	return classify(resp.StatusCode), nil
}

// classify maps provider status codes onto the closed outcome enum. The
// mapping lives here so delivery policy never branches on raw statuses.
func classify(status int) Result {
	switch {
	case status >= 200 && status < 300:
		return Result{Outcome: OutcomeOK, Status: status}
	case status == http.StatusNotFound || status == http.StatusGone:
		return Result{
			Outcome: OutcomeGone,
			Status:  status,
			Code:    "subscription_gone",
			Err:     fmt.Errorf("push service returned %d", status),
		}
	default:
		return Result{
			Outcome: OutcomeTransient,
			Status:  status,
			Code:    "provider_" + strconv.Itoa(status),
			Err:     fmt.Errorf("push service returned %d", status),
		}
	}
}
