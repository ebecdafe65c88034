// Package worker scores transactions that arrive on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/sentinel/internal/bus"
	"github.com/opensource-finance/sentinel/internal/domain"
)

// Predictor scores a transaction. *serving.Manager implements it.
type Predictor interface {
	Predict(ctx context.Context, source string, tx *domain.Transaction) (*domain.Assessment, error)
}

// Recorder stores and publishes completed assessments. *audit.Recorder implements it.
type Recorder interface {
	Record(ctx context.Context, a *domain.Assessment) error
}

// Worker consumes sentinel.transaction.received and scores each message
// through the same serving context as the HTTP API.
type Worker struct {
	bus       domain.EventBus
	predictor Predictor
	recorder  Recorder

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a worker. recorder may be nil.
func NewWorker(b domain.EventBus, predictor Predictor, recorder Recorder) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       b,
		predictor: predictor,
		recorder:  recorder,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the transaction topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionReceived, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicTransactionReceived, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started", "topic", domain.TopicTransactionReceived)
	return nil
}

// handleMessage scores one message. Requests sent with Request get the
// assessment, or an error envelope, as their reply.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	a, err := w.process(ctx, msg)
	if err != nil {
		slog.Warn("transaction rejected",
			"message_id", msg.ID,
			"kind", domain.KindOf(err),
			"error", err,
		)
		w.reply(ctx, msg, domain.NewErrorResponse(err))
		return err
	}

	if w.recorder != nil {
		// Recording failures are logged by the recorder and do not undo the assessment.
		_ = w.recorder.Record(ctx, a)
	}
	w.reply(ctx, msg, a)

	slog.Info("transaction scored",
		"transaction_id", a.TransactionID,
		"assessment_id", a.ID,
		"risk_score", a.Score,
		"action", a.Action,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) process(ctx context.Context, msg *domain.Message) (*domain.Assessment, error) {
	var req domain.TransactionRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, fmt.Errorf("%w: malformed transaction: %v", domain.ErrInvalidInput, err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return w.predictor.Predict(ctx, "worker", req.ToTransaction())
}

func (w *Worker) reply(ctx context.Context, msg *domain.Message, v any) {
	if msg.Metadata[domain.MetadataReplyTo] == "" {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal reply", "message_id", msg.ID, "error", err)
		return
	}
	if err := bus.Reply(ctx, w.bus, msg, payload); err != nil {
		slog.Error("failed to send reply", "message_id", msg.ID, "error", err)
	}
}

// Stop unsubscribes and cancels in-flight handlers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
	return nil
}

// Stats describes the worker's subscriptions.
type Stats struct {
	SubscriptionCount int      `json:"subscription_count"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{SubscriptionCount: len(w.subscriptions), Topics: topics}
}
