// Package risk implements deterministic fraud risk scoring for financial
// transactions.
//
// Every submitted transaction is evaluated against 7 fixed behavioral rules:
// amount spike, two velocity windows, location jump, device change, merchant
// blacklist, and near-duplicate detection. Each firing rule contributes a
// fixed number of points; the total is clamped to [0, 100]. Evaluations are
// persisted 1:1 with their transaction and are never recomputed.
package risk

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Reason codes, in the order rules are declared. Reasons on an evaluation
// always appear in this order regardless of which rules fired.
const (
	ReasonAmountSpike       = "amount_spike"
	ReasonVelocitySpike     = "velocity_spike"
	ReasonVelocityUnusual   = "velocity_unusual"
	ReasonLocationMismatch  = "location_mismatch"
	ReasonDeviceChange      = "device_change"
	ReasonMerchantBlacklist = "merchant_blacklist"
	ReasonDuplicate         = "duplicate_transaction"
)

// Rule thresholds and point values.
const (
	AmountSpikeMultiplier = 5
	AmountSpikePoints     = 30

	VelocitySpikeCount  = 3
	VelocitySpikeWindow = 60 * time.Second
	VelocitySpikePoints = 25

	VelocityUnusualCount  = 5
	VelocityUnusualWindow = 600 * time.Second
	VelocityUnusualPoints = 15

	LocationDistanceKm = 500.0
	LocationMaxGap     = 12 * time.Hour
	LocationPoints     = 20

	DeviceChangePoints = 10

	BlacklistPoints = 40

	DuplicateWindow = 30 * time.Second
	DuplicatePoints = 35

	// MaxScore caps the summed points. Clamping happens once, after all
	// rules have run; the raw sum may exceed this.
	MaxScore = 100

	// DefaultFlagThreshold marks an evaluation as flagged for review.
	DefaultFlagThreshold = 50
)

var (
	// ErrInvalidTransaction indicates a structurally invalid transaction
	// reached the engine. Nothing is persisted.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrEvaluationNotFound indicates no evaluation exists for the
	// requested transaction ID.
	ErrEvaluationNotFound = errors.New("risk evaluation not found")

	// ErrAlreadyRecorded indicates the store already holds a transaction
	// with the same ID. The orchestrator resolves this via the idempotent
	// short-circuit; stores surface it to guard the uniqueness invariant.
	ErrAlreadyRecorded = errors.New("transaction already recorded")
)

// Location is a latitude/longitude pair in degrees.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Transaction is a validated, not-yet-persisted financial transaction.
// The ID is externally assigned and serves as the idempotency key.
type Transaction struct {
	ID         string            `json:"transactionId"`
	UserID     string            `json:"userId"`
	Amount     decimal.Decimal   `json:"amount"`
	Currency   string            `json:"currency"`
	MerchantID string            `json:"merchantId"`
	Timestamp  time.Time         `json:"timestamp"`
	Location   *Location         `json:"location,omitempty"`
	DeviceID   string            `json:"deviceId,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Evidence holds the rule-specific values that justified a contribution,
// keyed by field name (e.g. "distanceKm", "meanAmount").
type Evidence map[string]any

// Evaluation is the immutable verdict for a single transaction.
type Evaluation struct {
	ID            string              `json:"id"`
	TransactionID string              `json:"transactionId"`
	UserID        string              `json:"userId"`
	Score         int                 `json:"score"`
	Reasons       []string            `json:"reasons"`
	Evidence      map[string]Evidence `json:"evidence,omitempty"`
	Flagged       bool                `json:"flagged"`
	EvaluatedAt   time.Time           `json:"evaluatedAt"`
}

// FlaggedTransaction is a row in the flagged-transaction listing: the
// evaluation joined with the fields of its transaction.
type FlaggedTransaction struct {
	TransactionID string          `json:"transactionId"`
	UserID        string          `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	MerchantID    string          `json:"merchantId"`
	Score         int             `json:"score"`
	Reasons       []string        `json:"reasons"`
	Timestamp     time.Time       `json:"timestamp"`
	EvaluatedAt   time.Time       `json:"evaluatedAt"`
}

// Store is the historical record of transactions and their evaluations.
// It is the source of truth; the recent-activity window is a rebuildable
// cache over it.
type Store interface {
	// Record persists the transaction and its evaluation as a single
	// logical unit, creating the owning user on first reference. Either
	// both become visible or neither does. Returns ErrAlreadyRecorded if
	// the transaction ID already exists.
	Record(ctx context.Context, tx *Transaction, eval *Evaluation) error

	// EvaluationFor returns the stored evaluation for a transaction ID,
	// or (nil, nil) when none exists.
	EvaluationFor(ctx context.Context, transactionID string) (*Evaluation, error)

	// MeanAmount returns the mean amount over all of the user's recorded
	// transactions. ok is false when the user has no history.
	MeanAmount(ctx context.Context, userID string) (mean decimal.Decimal, ok bool, err error)

	// MostRecentBefore returns the user's latest transaction with an event
	// timestamp strictly before ts, or nil when none exists.
	MostRecentBefore(ctx context.Context, userID string, ts time.Time) (*Transaction, error)

	// ListFlagged returns evaluations with score >= minScore joined with
	// their transactions, ordered by score descending then evaluation time
	// descending, capped at limit.
	ListFlagged(ctx context.Context, minScore, limit int) ([]*FlaggedTransaction, error)
}

// Blacklist answers merchant blacklist membership. Implementations are
// expected to be cheap enough to consult on every evaluation.
type Blacklist interface {
	IsBlacklisted(merchantID string) bool
}
