// Package worker provides async batch pricing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pricing"
)

// Worker prices transaction batches arriving over the EventBus.
type Worker struct {
	bus        domain.EventBus
	calculator *pricing.Calculator

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, calculator *pricing.Calculator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:        bus,
		calculator: calculator,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// BatchMessage is the payload for an async pricing request.
type BatchMessage struct {
	BatchID      string                     `json:"batchId"`
	TraceID      string                     `json:"traceId,omitempty"`
	Transactions []domain.TransactionRecord `json:"transactions"`
}

// BatchResult is the payload published once a batch is priced.
type BatchResult struct {
	BatchID  string                      `json:"batchId"`
	TraceID  string                      `json:"traceId,omitempty"`
	Pricings []domain.TransactionPricing `json:"pricings"`
	Error    string                      `json:"error,omitempty"`
}

// Start subscribes the worker to batch requests.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicBatchRequested, w.handleBatch)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("pricing worker started",
		"topic", domain.TopicBatchRequested,
	)
	return nil
}

// handleBatch prices one batch and publishes the result. Results go to
// the batch-priced topic and, when the request carries replyTo
// metadata, back to the requester.
func (w *Worker) handleBatch(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var batch BatchMessage
	if err := json.Unmarshal(msg.Payload, &batch); err != nil {
		slog.Error("failed to parse batch message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	traceID := batch.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("pricing batch",
		"batch_id", batch.BatchID,
		"trace_id", traceID,
		"transaction_count", len(batch.Transactions),
	)

	result := BatchResult{
		BatchID: batch.BatchID,
		TraceID: traceID,
	}

	pricings, err := w.calculator.CalculateBatch(ctx, batch.Transactions)
	if err != nil {
		slog.Error("batch pricing failed",
			"batch_id", batch.BatchID,
			"error", err,
		)
		result.Error = err.Error()
	} else {
		result.Pricings = pricings
	}

	payload, _ := json.Marshal(result)
	if err := w.bus.Publish(ctx, domain.TopicBatchPriced, payload); err != nil {
		slog.Error("failed to publish batch result",
			"batch_id", batch.BatchID,
			"error", err,
		)
	}

	if replyTo := msg.Metadata[domain.MetaReplyTo]; replyTo != "" {
		if err := w.bus.Publish(ctx, replyTo, payload); err != nil {
			slog.Error("failed to publish reply",
				"batch_id", batch.BatchID,
				"reply_to", replyTo,
				"error", err,
			)
		}
	}

	slog.Info("batch priced",
		"batch_id", batch.BatchID,
		"trace_id", traceID,
		"transaction_count", len(batch.Transactions),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("pricing worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
