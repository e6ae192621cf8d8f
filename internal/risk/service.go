package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/syncutil"
	"github.com/mbd888/fraudguard/internal/traces"
)

// Notifier delivers out-of-band alerts for flagged evaluations. Delivery
// happens outside the per-user critical section and never affects the
// verdict.
type Notifier interface {
	NotifyFlagged(eval *Evaluation, tx *Transaction)
}

// Broadcaster publishes recorded evaluations to live subscribers.
type Broadcaster interface {
	BroadcastEvaluation(eval *Evaluation, tx *Transaction)
}

// Service is the scoring orchestrator: it owns the per-user serialization,
// the idempotency guarantee, and the evaluate-then-record pipeline.
type Service struct {
	store         Store
	window        RecentActivity
	engine        *Engine
	locks         *syncutil.ContextShardedMutex
	flagThreshold int
	logger        *slog.Logger
	notifier      Notifier
	broadcaster   Broadcaster
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithFlagThreshold overrides the default flagged-for-review threshold.
func WithFlagThreshold(t int) Option {
	return func(s *Service) { s.flagThreshold = t }
}

// WithNotifier sets an alert notifier for flagged evaluations.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithBroadcaster sets a live-stream broadcaster.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) { s.broadcaster = b }
}

// NewService creates the scoring orchestrator.
func NewService(store Store, window RecentActivity, blacklist Blacklist, opts ...Option) *Service {
	s := &Service{
		store:         store,
		window:        window,
		engine:        NewEngine(blacklist),
		locks:         syncutil.NewContextShardedMutex(),
		flagThreshold: DefaultFlagThreshold,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Evaluate scores a transaction and records the verdict. Resubmitting the
// same transaction ID returns the previously recorded evaluation without
// re-running rules or touching the recent-activity window.
//
// The whole pipeline for one user (idempotency check, snapshot read, rule
// evaluation, persistence, window append) runs inside that user's
// exclusive critical section. Different users proceed in parallel.
func (s *Service) Evaluate(ctx context.Context, tx *Transaction) (*Evaluation, error) {
	if err := validate(tx); err != nil {
		metrics.EvaluationsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "risk.evaluate",
		traces.TransactionID(tx.ID),
		traces.UserID(tx.UserID),
		traces.MerchantID(tx.MerchantID),
	)
	defer span.End()

	start := time.Now()

	unlock, err := s.locks.LockContext(ctx, tx.UserID)
	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("acquire user lock: %w", err)
	}

	eval, fresh, err := s.evaluateLocked(ctx, tx)
	unlock()

	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if !fresh {
		metrics.EvaluationsTotal.WithLabelValues("duplicate").Inc()
		logging.L(ctx).Debug("idempotent resubmission",
			"transaction_id", tx.ID, "score", eval.Score)
		return eval, nil
	}

	span.SetAttributes(traces.Score(eval.Score))
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	metrics.EvaluationScore.Observe(float64(eval.Score))
	for _, reason := range eval.Reasons {
		metrics.RuleFiredTotal.WithLabelValues(reason).Inc()
	}
	if eval.Flagged {
		metrics.EvaluationsTotal.WithLabelValues("flagged").Inc()
	} else {
		metrics.EvaluationsTotal.WithLabelValues("scored").Inc()
	}

	logging.L(ctx).Info("transaction evaluated",
		"transaction_id", tx.ID,
		"user_id", tx.UserID,
		"score", eval.Score,
		"reasons", eval.Reasons,
		"flagged", eval.Flagged,
	)

	// Side effects after the critical section: neither can change the
	// verdict, so there is no reason to hold other submissions back.
	if s.broadcaster != nil {
		s.broadcaster.BroadcastEvaluation(eval, tx)
	}
	if eval.Flagged && s.notifier != nil {
		s.notifier.NotifyFlagged(eval, tx)
	}

	return eval, nil
}

// evaluateLocked runs with the user's lock held. fresh is false when the
// idempotent short-circuit returned a previously recorded evaluation.
func (s *Service) evaluateLocked(ctx context.Context, tx *Transaction) (eval *Evaluation, fresh bool, err error) {
	// Idempotency check lives inside the critical section: two identical
	// submissions racing here would otherwise both pass a pre-check.
	existing, err := s.store.EvaluationFor(ctx, tx.ID)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency check: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	snap, err := s.snapshot(ctx, tx)
	if err != nil {
		return nil, false, err
	}

	score, reasons, evidence := s.engine.Evaluate(tx, snap)

	eval = &Evaluation{
		ID:            idgen.WithPrefix("eval_"),
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Score:         score,
		Reasons:       reasons,
		Evidence:      evidence,
		Flagged:       score >= s.flagThreshold,
		EvaluatedAt:   time.Now().UTC(),
	}

	if err := s.store.Record(ctx, tx, eval); err != nil {
		return nil, false, fmt.Errorf("record evaluation: %w", err)
	}

	// The store is now the source of truth for this transaction. A window
	// append failure leaves a rebuildable cache stale, not the record
	// inconsistent, and the submission must still succeed: failing it
	// would break the idempotency contract on retry.
	if err := s.window.Append(ctx, tx.UserID, Entry{
		TransactionID: tx.ID,
		MerchantID:    tx.MerchantID,
		DeviceID:      tx.DeviceID,
		Amount:        tx.Amount,
		Location:      tx.Location,
		Timestamp:     tx.Timestamp,
	}); err != nil {
		logging.L(ctx).Warn("recent-activity append failed",
			"transaction_id", tx.ID, "user_id", tx.UserID, "error", err)
	}

	return eval, true, nil
}

// snapshot assembles the rule inputs: the cached trailing window plus the
// historical aggregates the window's 600s horizon cannot answer.
func (s *Service) snapshot(ctx context.Context, tx *Transaction) (*Snapshot, error) {
	recent, err := s.window.Recent(ctx, tx.UserID, tx.Timestamp, RetentionWindow)
	if err != nil {
		return nil, fmt.Errorf("read recent activity: %w", err)
	}

	prior, err := s.store.MostRecentBefore(ctx, tx.UserID, tx.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("read prior transaction: %w", err)
	}

	snap := &Snapshot{Recent: recent, Prior: prior}

	mean, ok, err := s.store.MeanAmount(ctx, tx.UserID)
	if err != nil {
		return nil, fmt.Errorf("read mean amount: %w", err)
	}
	if ok {
		snap.MeanAmount = &mean
	}
	return snap, nil
}

// Get returns the recorded evaluation for a transaction ID.
func (s *Service) Get(ctx context.Context, transactionID string) (*Evaluation, error) {
	eval, err := s.store.EvaluationFor(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("lookup evaluation: %w", err)
	}
	if eval == nil {
		return nil, ErrEvaluationNotFound
	}
	return eval, nil
}

// ListFlagged returns flagged transactions at or above minScore.
func (s *Service) ListFlagged(ctx context.Context, minScore, limit int) ([]*FlaggedTransaction, error) {
	if minScore < 0 {
		minScore = 0
	}
	if minScore > MaxScore {
		minScore = MaxScore
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.ListFlagged(ctx, minScore, limit)
}

func validate(tx *Transaction) error {
	switch {
	case tx == nil:
		return fmt.Errorf("%w: nil transaction", ErrInvalidTransaction)
	case tx.ID == "":
		return fmt.Errorf("%w: missing transaction id", ErrInvalidTransaction)
	case tx.UserID == "":
		return fmt.Errorf("%w: missing user id", ErrInvalidTransaction)
	case tx.MerchantID == "":
		return fmt.Errorf("%w: missing merchant id", ErrInvalidTransaction)
	case tx.Amount.IsNegative():
		return fmt.Errorf("%w: negative amount", ErrInvalidTransaction)
	case tx.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidTransaction)
	}
	return nil
}
