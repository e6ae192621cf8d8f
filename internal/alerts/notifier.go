// Package alerts delivers webhook notifications for flagged transactions.
//
// Deliveries run in a goroutine so they never block a scoring request, and
// are retried with exponential backoff. A lost alert is acceptable; a
// delayed verdict is not.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/retry"
	"github.com/mbd888/fraudguard/internal/risk"
)

const (
	deliveryTimeout = 5 * time.Second
	maxAttempts     = 3
	baseDelay       = 500 * time.Millisecond
)

// Payload is the webhook body for a flagged transaction.
type Payload struct {
	Event       string            `json:"event"`
	TriggeredAt time.Time         `json:"triggeredAt"`
	Evaluation  *risk.Evaluation  `json:"evaluation"`
	Transaction *risk.Transaction `json:"transaction"`
}

// Notifier posts flagged verdicts to a single configured webhook URL.
type Notifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewNotifier creates a Notifier. url must be non-empty.
func NewNotifier(url string, logger *slog.Logger) *Notifier {
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: deliveryTimeout},
		logger: logger,
	}
}

// NotifyFlagged fires the webhook call in the background.
// Implements risk.Notifier.
func (n *Notifier) NotifyFlagged(eval *risk.Evaluation, tx *risk.Transaction) {
	go n.deliver(eval, tx)
}

func (n *Notifier) deliver(eval *risk.Evaluation, tx *risk.Transaction) {
	body, err := json.Marshal(Payload{
		Event:       "flagged_transaction",
		TriggeredAt: time.Now().UTC(),
		Evaluation:  eval,
		Transaction: tx,
	})
	if err != nil {
		n.logger.Error("alert: failed to marshal payload",
			"transaction_id", eval.TransactionID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = retry.Do(ctx, maxAttempts, baseDelay, func() error {
		return n.post(ctx, body)
	})
	if err != nil {
		metrics.AlertDeliveriesTotal.WithLabelValues("failed").Inc()
		n.logger.Warn("alert: delivery failed",
			"url", n.url,
			"transaction_id", eval.TransactionID,
			"error", err,
		)
		return
	}

	metrics.AlertDeliveriesTotal.WithLabelValues("delivered").Inc()
	n.logger.Info("alert: delivered",
		"url", n.url,
		"transaction_id", eval.TransactionID,
		"score", eval.Score,
	)
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fraudguard-Event", "flagged_transaction")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The receiver rejected the payload; repeating won't help.
		return retry.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
}
