// Package notify delivers patron notices produced by the circulation sweep.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/warp/circulation-engine/circulation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// =============================================================================
// LOG SENDER
// =============================================================================

// LogSender writes notices to a logger. Used when no delivery channel is
// configured.
type LogSender struct {
	Logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{Logger: logger}
}

func (s *LogSender) Send(ctx context.Context, n circulation.Notice) error {
	s.Logger.InfoContext(ctx, "patron notice",
		"template_id", n.TemplateID,
		"recipient_id", n.RecipientID,
		"loan_id", n.LoanID,
		"item_id", n.ItemID,
		"triggering_event", n.TriggeringEvent)
	return nil
}

// =============================================================================
// WEBHOOK SENDER
// =============================================================================

// WebhookPayload is the body POSTed for each notice.
type WebhookPayload struct {
	TemplateID      string         `json:"templateId"`
	RecipientID     string         `json:"recipientId"`
	LoanID          string         `json:"loanId"`
	ItemID          string         `json:"itemId"`
	TriggeringEvent string         `json:"triggeringEvent"`
	Context         map[string]any `json:"context"`
	SentAt          time.Time      `json:"sentAt"`
}

// WebhookSender POSTs notices as JSON to a URL. Any 2xx is an ack.
type WebhookSender struct {
	URL  string
	HTTP *http.Client
}

func NewWebhookSender(url string, timeout time.Duration) *WebhookSender {
	return &WebhookSender{URL: url, HTTP: &http.Client{Timeout: timeout}}
}

func (s *WebhookSender) Send(ctx context.Context, n circulation.Notice) error {
	body, err := json.Marshal(WebhookPayload{
		TemplateID:      n.TemplateID,
		RecipientID:     string(n.RecipientID),
		LoanID:          string(n.LoanID),
		ItemID:          string(n.ItemID),
		TriggeringEvent: string(n.TriggeringEvent),
		Context:         n.Context,
		SentAt:          time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding notice: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("posting notice: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notice webhook returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// =============================================================================
// RATE LIMITING
// =============================================================================

// RateLimited caps the send rate of another sender. Send blocks until a
// token is available or ctx is done.
type RateLimited struct {
	Next    circulation.NoticeSender
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond sends per second with bursts of burst.
func NewRateLimited(next circulation.NoticeSender, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{Next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) Send(ctx context.Context, n circulation.Notice) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for send slot: %w", err)
	}
	return r.Next.Send(ctx, n)
}
