package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory implementation of Store for tests and for
// running without DATABASE_URL.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]time.Time      // user id -> created at
	txs    map[string]*Transaction   // transaction id -> transaction
	byUser map[string][]*Transaction // user id -> transactions, insertion order
	evals  map[string]*Evaluation    // transaction id -> evaluation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]time.Time),
		txs:    make(map[string]*Transaction),
		byUser: make(map[string][]*Transaction),
		evals:  make(map[string]*Evaluation),
	}
}

func (s *MemoryStore) Record(ctx context.Context, tx *Transaction, eval *Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.txs[tx.ID]; exists {
		return ErrAlreadyRecorded
	}
	if _, exists := s.evals[tx.ID]; exists {
		return ErrAlreadyRecorded
	}

	if _, ok := s.users[tx.UserID]; !ok {
		s.users[tx.UserID] = time.Now().UTC()
	}

	txCopy := copyTransaction(tx)
	s.txs[tx.ID] = txCopy
	s.byUser[tx.UserID] = append(s.byUser[tx.UserID], txCopy)
	s.evals[tx.ID] = copyEvaluation(eval)
	return nil
}

func (s *MemoryStore) EvaluationFor(ctx context.Context, transactionID string) (*Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	eval, ok := s.evals[transactionID]
	if !ok {
		return nil, nil
	}
	return copyEvaluation(eval), nil
}

func (s *MemoryStore) MeanAmount(ctx context.Context, userID string) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs := s.byUser[userID]
	if len(txs) == 0 {
		return decimal.Zero, false, nil
	}

	sum := decimal.Zero
	for _, tx := range txs {
		sum = sum.Add(tx.Amount)
	}
	return sum.Div(decimal.NewFromInt(int64(len(txs)))), true, nil
}

func (s *MemoryStore) MostRecentBefore(ctx context.Context, userID string, ts time.Time) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Transaction
	for _, tx := range s.byUser[userID] {
		if !tx.Timestamp.Before(ts) {
			continue
		}
		if latest == nil || tx.Timestamp.After(latest.Timestamp) {
			latest = tx
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyTransaction(latest), nil
}

func (s *MemoryStore) ListFlagged(ctx context.Context, minScore, limit int) ([]*FlaggedTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []*FlaggedTransaction
	for txID, eval := range s.evals {
		if eval.Score < minScore {
			continue
		}
		tx := s.txs[txID]
		rows = append(rows, &FlaggedTransaction{
			TransactionID: txID,
			UserID:        eval.UserID,
			Amount:        tx.Amount,
			MerchantID:    tx.MerchantID,
			Score:         eval.Score,
			Reasons:       append([]string(nil), eval.Reasons...),
			Timestamp:     tx.Timestamp,
			EvaluatedAt:   eval.EvaluatedAt,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		return rows[i].EvaluatedAt.After(rows[j].EvaluatedAt)
	})

	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func copyTransaction(tx *Transaction) *Transaction {
	c := *tx
	if tx.Location != nil {
		loc := *tx.Location
		c.Location = &loc
	}
	if tx.Metadata != nil {
		c.Metadata = make(map[string]string, len(tx.Metadata))
		for k, v := range tx.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func copyEvaluation(eval *Evaluation) *Evaluation {
	c := *eval
	c.Reasons = append([]string(nil), eval.Reasons...)
	if eval.Evidence != nil {
		c.Evidence = make(map[string]Evidence, len(eval.Evidence))
		for reason, ev := range eval.Evidence {
			fields := make(Evidence, len(ev))
			for k, v := range ev {
				fields[k] = v
			}
			c.Evidence[reason] = fields
		}
	}
	return &c
}
