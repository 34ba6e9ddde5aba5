// Package notify posts signed run reports to an operator webhook.
package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventIDHeader   = "X-Webhook-ID"
	TimestampHeader = "X-Webhook-Timestamp"

	EventRunCompleted = "run.completed"
)

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a header value of the form "sha256=<hex>".
func VerifySignature(payload []byte, secret, header string) bool {
	expected := "sha256=" + SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(header))
}

type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      any       `json:"data"`
}

// Delivery is the outcome of one post.
type Delivery struct {
	EventID    string        `json:"event_id"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration"`
}

type Notifier struct {
	url    string
	secret string
	http   *resty.Client
}

type Option func(*Notifier)

func WithTimeout(d time.Duration) Option {
	return func(n *Notifier) { n.http.SetTimeout(d) }
}

func WithRetry(count int, wait time.Duration) Option {
	return func(n *Notifier) {
		n.http.SetRetryCount(count).SetRetryWaitTime(wait).SetRetryMaxWaitTime(wait * 4)
	}
}

func New(url, secret string, opts ...Option) *Notifier {
	n := &Notifier{
		url:    url,
		secret: secret,
		http: resty.New().
			SetTimeout(10 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= http.StatusInternalServerError
			}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Send posts data as an event of eventType. A non-2xx answer is an error.
func (n *Notifier) Send(ctx context.Context, eventType string, data any) (*Delivery, error) {
	event := Event{ID: uuid.NewString(), Type: eventType, CreatedAt: time.Now().UTC(), Data: data}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}

	req := n.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(EventIDHeader, event.ID).
		SetHeader(TimestampHeader, event.CreatedAt.Format(time.RFC3339)).
		SetBody(payload)
	if n.secret != "" {
		req.SetHeader(SignatureHeader, "sha256="+SignPayload(payload, n.secret))
	}

	start := time.Now()
	resp, err := req.Post(n.url)
	d := &Delivery{EventID: event.ID, Duration: time.Since(start)}
	if err != nil {
		return d, fmt.Errorf("post webhook: %w", err)
	}
	d.StatusCode = resp.StatusCode()
	if resp.IsError() {
		return d, fmt.Errorf("webhook returned %d", resp.StatusCode())
	}
	return d, nil
}
