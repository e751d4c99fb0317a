package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/metrics"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

// Config holds the webhook destination and signing secret. An empty URL
// disables delivery.
type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// Notifier posts transaction state transitions to the configured endpoint.
// Delivery is asynchronous and retried with exponential backoff; failures
// are logged and counted but never surface to the caller.
type Notifier struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
}

// NewNotifier creates the webhook notifier.
func NewNotifier(cfg Config, log *slog.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

var _ usecase.Notifier = (*Notifier)(nil)

// Notify delivers the record in the background. The caller's context only
// gates the snapshot, not the delivery attempts.
func (n *Notifier) Notify(ctx context.Context, tx models.Transaction) {
	if n.cfg.URL == "" {
		return
	}
	payload, err := models.EncodeTransaction(tx)
	if err != nil {
		n.log.Error("encoding webhook payload", "queueId", tx.GetQueueID(), "error", err)
		return
	}
	go n.deliver(tx.GetQueueID(), string(tx.GetStatus()), payload)
}

func (n *Notifier) deliver(queueID, status string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.Retry(func() error {
		return n.post(ctx, payload)
	}, policy)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		n.log.Error("webhook delivery exhausted",
			"queueId", queueID, "status", status, "error", err)
		return
	}
	metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
	n.log.Debug("webhook delivered", "queueId", queueID, "status", status)
}

func (n *Notifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.Secret != "" {
		req.Header.Set("X-Relay-Signature", Sign(n.cfg.Secret, payload))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		// Client errors will not heal with retries.
		return backoff.Permanent(fmt.Errorf("webhook endpoint returned %d", resp.StatusCode))
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 receivers verify payloads with.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
