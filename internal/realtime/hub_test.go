package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/risk"
)

func startHub(t *testing.T) (*Hub, *httptest.Server, context.CancelFunc) {
	t.Helper()
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)
	return hub, srv, cancel
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sampleVerdict(score int, flagged bool) (*risk.Evaluation, *risk.Transaction) {
	eval := &risk.Evaluation{
		ID:            "eval_1",
		TransactionID: "tx_1",
		UserID:        "u1",
		Score:         score,
		Reasons:       []string{},
		Flagged:       flagged,
		EvaluatedAt:   time.Now().UTC(),
	}
	tx := &risk.Transaction{
		ID:         "tx_1",
		UserID:     "u1",
		Amount:     decimal.NewFromInt(42),
		Currency:   "USD",
		MerchantID: "m1",
		Timestamp:  time.Now().UTC(),
	}
	return eval, tx
}

func readEvent(t *testing.T, conn *websocket.Conn) *Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	return &ev
}

func TestHubBroadcastReachesClient(t *testing.T) {
	hub, srv, cancel := startHub(t)
	defer cancel()

	conn := dial(t, srv)
	time.Sleep(50 * time.Millisecond) // registration is async

	hub.BroadcastEvaluation(sampleVerdict(65, true))

	ev := readEvent(t, conn)
	assert.Equal(t, "evaluation", ev.Type)
	assert.Equal(t, 65, ev.Evaluation.Score)
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, "m1", ev.MerchantID)
}

func TestHubFlaggedOnlySubscription(t *testing.T) {
	hub, srv, cancel := startHub(t)
	defer cancel()

	conn := dial(t, srv)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, conn.WriteJSON(Subscription{FlaggedOnly: true}))
	time.Sleep(50 * time.Millisecond) // let readPump apply the filter

	hub.BroadcastEvaluation(sampleVerdict(10, false))
	hub.BroadcastEvaluation(sampleVerdict(80, true))

	// The unflagged verdict is filtered; the first frame is the flagged one.
	ev := readEvent(t, conn)
	assert.True(t, ev.Evaluation.Flagged)
	assert.Equal(t, 80, ev.Evaluation.Score)
}

func TestHubMinScoreSubscription(t *testing.T) {
	hub, srv, cancel := startHub(t)
	defer cancel()

	conn := dial(t, srv)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, conn.WriteJSON(Subscription{MinScore: 50}))
	time.Sleep(50 * time.Millisecond)

	hub.BroadcastEvaluation(sampleVerdict(30, false))
	hub.BroadcastEvaluation(sampleVerdict(55, true))

	ev := readEvent(t, conn)
	assert.Equal(t, 55, ev.Evaluation.Score)
}

func TestHubRejectsUpgradeAfterShutdown(t *testing.T) {
	_, srv, cancel := startHub(t)
	cancel()
	time.Sleep(50 * time.Millisecond) // let Run drain and close done

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
}
