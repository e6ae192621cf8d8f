package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists transactions and evaluations in PostgreSQL.
// Schema lives in migrations/; run cmd/migrate before first use.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, tx *Transaction, eval *Evaluation) error {
	reasonsJSON, err := json.Marshal(eval.Reasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}
	evidenceJSON, err := json.Marshal(eval.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	var metadataJSON []byte
	if tx.Metadata != nil {
		if metadataJSON, err = json.Marshal(tx.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	var lat, lng any
	if tx.Location != nil {
		lat, lng = tx.Location.Lat, tx.Location.Lng
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	if _, err := dbTx.ExecContext(ctx, `
		INSERT INTO users (user_id, created_at)
		VALUES ($1, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, tx.UserID); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}

	if _, err := dbTx.ExecContext(ctx, `
		INSERT INTO transactions
			(transaction_id, user_id, amount, currency, merchant_id,
			 timestamp, location_lat, location_lng, device_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)
	`,
		tx.ID, tx.UserID, tx.Amount.String(), tx.Currency, tx.MerchantID,
		tx.Timestamp, lat, lng, tx.DeviceID, metadataJSON,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyRecorded
		}
		return fmt.Errorf("insert transaction: %w", err)
	}

	if _, err := dbTx.ExecContext(ctx, `
		INSERT INTO risk_evaluations
			(id, transaction_id, user_id, score, reasons, evidence, flagged, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		eval.ID, eval.TransactionID, eval.UserID, eval.Score,
		reasonsJSON, evidenceJSON, eval.Flagged, eval.EvaluatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyRecorded
		}
		return fmt.Errorf("insert evaluation: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) EvaluationFor(ctx context.Context, transactionID string) (*Evaluation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, user_id, score, reasons, evidence, flagged, evaluated_at
		FROM risk_evaluations
		WHERE transaction_id = $1
	`, transactionID)

	eval, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query evaluation: %w", err)
	}
	return eval, nil
}

func (s *PostgresStore) MeanAmount(ctx context.Context, userID string) (decimal.Decimal, bool, error) {
	var mean sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(amount)::text FROM transactions WHERE user_id = $1
	`, userID).Scan(&mean)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("query mean amount: %w", err)
	}
	if !mean.Valid {
		return decimal.Zero, false, nil
	}
	d, err := decimal.NewFromString(mean.String)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parse mean amount %q: %w", mean.String, err)
	}
	return d, true, nil
}

func (s *PostgresStore) MostRecentBefore(ctx context.Context, userID string, ts time.Time) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT transaction_id, user_id, amount::text, currency, merchant_id,
		       timestamp, location_lat, location_lng, device_id, metadata
		FROM transactions
		WHERE user_id = $1 AND timestamp < $2
		ORDER BY timestamp DESC
		LIMIT 1
	`, userID, ts)

	var (
		tx           Transaction
		amount       string
		lat, lng     sql.NullFloat64
		deviceID     sql.NullString
		metadataJSON []byte
	)
	err := row.Scan(&tx.ID, &tx.UserID, &amount, &tx.Currency, &tx.MerchantID,
		&tx.Timestamp, &lat, &lng, &deviceID, &metadataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query prior transaction: %w", err)
	}

	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if lat.Valid && lng.Valid {
		tx.Location = &Location{Lat: lat.Float64, Lng: lng.Float64}
	}
	tx.DeviceID = deviceID.String
	if len(metadataJSON) > 0 {
		_ = json.Unmarshal(metadataJSON, &tx.Metadata)
	}
	return &tx, nil
}

func (s *PostgresStore) ListFlagged(ctx context.Context, minScore, limit int) ([]*FlaggedTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.transaction_id, e.user_id, t.amount::text, t.merchant_id,
		       e.score, e.reasons, t.timestamp, e.evaluated_at
		FROM risk_evaluations e
		JOIN transactions t ON t.transaction_id = e.transaction_id
		WHERE e.score >= $1
		ORDER BY e.score DESC, e.evaluated_at DESC
		LIMIT $2
	`, minScore, limit)
	if err != nil {
		return nil, fmt.Errorf("query flagged transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*FlaggedTransaction
	for rows.Next() {
		var (
			ft          FlaggedTransaction
			amount      string
			reasonsJSON []byte
		)
		if err := rows.Scan(&ft.TransactionID, &ft.UserID, &amount, &ft.MerchantID,
			&ft.Score, &reasonsJSON, &ft.Timestamp, &ft.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("scan flagged row: %w", err)
		}
		if ft.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount %q: %w", amount, err)
		}
		if err := json.Unmarshal(reasonsJSON, &ft.Reasons); err != nil {
			return nil, fmt.Errorf("unmarshal reasons: %w", err)
		}
		result = append(result, &ft)
	}
	return result, rows.Err()
}

// Ping reports store reachability for health checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanEvaluation(row *sql.Row) (*Evaluation, error) {
	var (
		eval         Evaluation
		reasonsJSON  []byte
		evidenceJSON []byte
	)
	if err := row.Scan(&eval.ID, &eval.TransactionID, &eval.UserID, &eval.Score,
		&reasonsJSON, &evidenceJSON, &eval.Flagged, &eval.EvaluatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(reasonsJSON, &eval.Reasons); err != nil {
		return nil, fmt.Errorf("unmarshal reasons: %w", err)
	}
	if eval.Reasons == nil {
		eval.Reasons = []string{}
	}
	if len(evidenceJSON) > 0 {
		if err := json.Unmarshal(evidenceJSON, &eval.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
	}
	return &eval, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
