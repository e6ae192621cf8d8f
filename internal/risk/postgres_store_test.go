package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/testutil"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()

	tx := &Transaction{
		ID:         "tx_pg_1",
		UserID:     "u_pg",
		Amount:     dec("123.45"),
		Currency:   "USD",
		MerchantID: "m1",
		Timestamp:  t0,
		Location:   &Location{Lat: 40.7128, Lng: -74.0060},
		DeviceID:   "device_a",
		Metadata:   map[string]string{"channel": "web"},
	}
	eval := &Evaluation{
		ID:            "eval_pg_1",
		TransactionID: "tx_pg_1",
		UserID:        "u_pg",
		Score:         65,
		Reasons:       []string{ReasonAmountSpike, ReasonDuplicate},
		Evidence:      map[string]Evidence{ReasonAmountSpike: {"ratio": 6.5}},
		Flagged:       true,
		EvaluatedAt:   t0.Add(time.Second),
	}

	require.NoError(t, s.Record(ctx, tx, eval))

	got, err := s.EvaluationFor(ctx, "tx_pg_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, eval.ID, got.ID)
	assert.Equal(t, 65, got.Score)
	assert.Equal(t, []string{ReasonAmountSpike, ReasonDuplicate}, got.Reasons)
	assert.True(t, got.Flagged)

	missing, err := s.EvaluationFor(ctx, "tx_pg_none")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPostgresStoreDuplicateTransactionID(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()

	tx := &Transaction{ID: "tx_pg_dup", UserID: "u_pg", Amount: dec("10"), Currency: "USD", MerchantID: "m1", Timestamp: t0}
	eval := &Evaluation{ID: "eval_pg_a", TransactionID: "tx_pg_dup", UserID: "u_pg", Score: 0, Reasons: []string{}, EvaluatedAt: t0}

	require.NoError(t, s.Record(ctx, tx, eval))

	eval2 := &Evaluation{ID: "eval_pg_b", TransactionID: "tx_pg_dup", UserID: "u_pg", Score: 0, Reasons: []string{}, EvaluatedAt: t0}
	err := s.Record(ctx, tx, eval2)
	assert.ErrorIs(t, err, ErrAlreadyRecorded)

	// The losing insert must not have replaced the original evaluation.
	got, err := s.EvaluationFor(ctx, "tx_pg_dup")
	require.NoError(t, err)
	assert.Equal(t, "eval_pg_a", got.ID)
}

func TestPostgresStoreMeanAndPrior(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()

	_, ok, err := s.MeanAmount(ctx, "u_pg")
	require.NoError(t, err)
	assert.False(t, ok, "no history should report ok=false")

	for i, amount := range []string{"100", "200"} {
		tx := &Transaction{
			ID:         "tx_pg_m" + string(rune('a'+i)),
			UserID:     "u_pg",
			Amount:     dec(amount),
			Currency:   "USD",
			MerchantID: "m1",
			Timestamp:  t0.Add(time.Duration(i) * time.Minute),
			DeviceID:   "device_a",
		}
		eval := &Evaluation{ID: "eval_pg_m" + string(rune('a'+i)), TransactionID: tx.ID, UserID: "u_pg", Score: 0, Reasons: []string{}, EvaluatedAt: tx.Timestamp}
		require.NoError(t, s.Record(ctx, tx, eval))
	}

	mean, ok, err := s.MeanAmount(ctx, "u_pg")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mean.Equal(dec("150")), "mean = %s, want 150", mean)

	prior, err := s.MostRecentBefore(ctx, "u_pg", t0.Add(90*time.Second))
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.Equal(t, "tx_pg_ma", prior.ID)
	assert.Equal(t, "device_a", prior.DeviceID)

	none, err := s.MostRecentBefore(ctx, "u_pg", t0)
	require.NoError(t, err)
	assert.Nil(t, none, "boundary is strictly-before")
}

func TestPostgresStoreListFlagged(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()

	scores := map[string]int{"tx_pg_f1": 20, "tx_pg_f2": 80, "tx_pg_f3": 55}
	for id, score := range scores {
		tx := &Transaction{ID: id, UserID: "u_pg", Amount: dec("10"), Currency: "USD", MerchantID: "m1", Timestamp: t0}
		eval := &Evaluation{
			ID: "eval_" + id, TransactionID: id, UserID: "u_pg",
			Score: score, Reasons: []string{}, Flagged: score >= DefaultFlagThreshold,
			EvaluatedAt: t0,
		}
		require.NoError(t, s.Record(ctx, tx, eval))
	}

	rows, err := s.ListFlagged(ctx, 50, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "tx_pg_f2", rows[0].TransactionID)
	assert.Equal(t, "tx_pg_f3", rows[1].TransactionID)
}
