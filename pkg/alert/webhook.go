package alert

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// EventTrendAlert is the event type of every webhook and NATS payload.
const EventTrendAlert = "trend.alert"

// Event is the envelope delivered to webhook and NATS consumers.
type Event struct {
	Type   string        `json:"type"`
	SentAt time.Time     `json:"sent_at"`
	Trend  *Notification `json:"trend"`
}

func newEvent(n *Notification, now time.Time) Event {
	return Event{Type: EventTrendAlert, SentAt: now.UTC(), Trend: n}
}

// Webhook posts an Event to a generic HTTP endpoint. With a secret set,
// X-Signature-256 is the hex HMAC-SHA256 of "<timestamp>.<body>", where
// timestamp is the X-Trendpulse-Timestamp header.
type Webhook struct {
	client *http.Client
	url    string
	secret string
	now    func() time.Time
}

func NewWebhook(url, secret string) *Webhook {
	return &Webhook{client: defaultClient, url: url, secret: secret, now: time.Now}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, n *Notification) error {
	now := w.now()
	body, err := json.Marshal(newEvent(n, now))
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	ts := strconv.FormatInt(now.Unix(), 10)
	headers := http.Header{}
	headers.Set("User-Agent", "trendpulse/1.0")
	headers.Set("X-Trendpulse-Event", EventTrendAlert)
	headers.Set("X-Trendpulse-Timestamp", ts)
	if w.secret != "" {
		headers.Set("X-Signature-256", "sha256="+Sign(w.secret, ts, body))
	}
	return postJSON(ctx, w.client, "webhook", w.url, body, headers)
}

// Sign returns the hex signature a receiver should compare against.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
