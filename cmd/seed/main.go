// Command seed posts synthetic transaction traffic to a running fraudguard
// server. Useful for exercising the rules and populating the flags listing
// during development.
//
// Usage:
//
//	go run ./cmd/seed                          # 50 transactions against localhost
//	go run ./cmd/seed -n 200 -users 10         # more traffic, more users
//	go run ./cmd/seed -addr http://host:8080   # different server
//
// Roughly one in five transactions is made deliberately suspicious: a large
// amount, a burst of rapid submissions, a blacklisted merchant, or an exact
// duplicate of the previous payment.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var merchants = []string{
	"merch_grocery", "merch_electronics", "merch_travel",
	"merch_coffee", "merch_streaming", "merch_fuel",
}

// Listed in the default MERCHANT_BLACKLIST of .env.example.
var blacklisted = []string{"merch_darkpool", "merch_cardtest"}

var cities = []struct {
	lat, lng float64
}{
	{40.7128, -74.0060},  // New York
	{51.5074, -0.1278},   // London
	{35.6762, 139.6503},  // Tokyo
	{-33.8688, 151.2093}, // Sydney
	{37.7749, -122.4194}, // San Francisco
}

type submitRequest struct {
	TransactionID string             `json:"transactionId"`
	UserID        string             `json:"userId"`
	Amount        decimal.Decimal    `json:"amount"`
	Currency      string             `json:"currency"`
	MerchantID    string             `json:"merchantId"`
	Timestamp     time.Time          `json:"timestamp"`
	Location      map[string]float64 `json:"location,omitempty"`
	DeviceID      string             `json:"deviceId,omitempty"`
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "server base URL")
	count := flag.Int("n", 50, "number of transactions to submit")
	users := flag.Int("users", 5, "number of distinct users")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	userIDs := make([]string, *users)
	for i := range userIDs {
		userIDs[i] = "user_" + uuid.NewString()[:8]
	}

	var flagged, scored, failed int
	var prev *submitRequest

	for i := 0; i < *count; i++ {
		req := normalTransaction(userIDs)

		// Every fifth transaction, replay a fraud pattern.
		if i%5 == 4 {
			switch rand.Intn(4) {
			case 0:
				req.Amount = req.Amount.Mul(decimal.NewFromInt(20))
			case 1:
				req.MerchantID = blacklisted[rand.Intn(len(blacklisted))]
			case 2:
				if prev != nil {
					req.UserID = prev.UserID
					req.Amount = prev.Amount
					req.MerchantID = prev.MerchantID
				}
			case 3:
				// Burst: three extra rapid submissions for the same user.
				for j := 0; j < 3; j++ {
					burst := normalTransaction(userIDs)
					burst.UserID = req.UserID
					submit(client, *addr, burst, &scored, &flagged, &failed)
				}
			}
		}

		submit(client, *addr, req, &scored, &flagged, &failed)
		prev = req
	}

	fmt.Printf("done: %d scored, %d flagged, %d failed\n", scored, flagged, failed)
}

func normalTransaction(userIDs []string) *submitRequest {
	city := cities[rand.Intn(len(cities))]
	return &submitRequest{
		TransactionID: "tx_" + uuid.NewString(),
		UserID:        userIDs[rand.Intn(len(userIDs))],
		Amount:        decimal.NewFromFloat(5 + rand.Float64()*195).Round(2),
		Currency:      "USD",
		MerchantID:    merchants[rand.Intn(len(merchants))],
		Timestamp:     time.Now().UTC(),
		Location:      map[string]float64{"lat": city.lat, "lng": city.lng},
		DeviceID:      fmt.Sprintf("device_%02d", rand.Intn(3)),
	}
}

func submit(client *http.Client, addr string, req *submitRequest, scored, flagged, failed *int) {
	body, err := json.Marshal(req)
	if err != nil {
		log.Fatalf("marshal: %v", err)
	}

	resp, err := client.Post(addr+"/v1/transactions", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("submit %s: %v", req.TransactionID, err)
		*failed++
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		log.Printf("submit %s: status %d", req.TransactionID, resp.StatusCode)
		*failed++
		return
	}

	var out struct {
		Evaluation struct {
			Score   int      `json:"score"`
			Flagged bool     `json:"flagged"`
			Reasons []string `json:"reasons"`
		} `json:"evaluation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Printf("decode %s: %v", req.TransactionID, err)
		*failed++
		return
	}

	*scored++
	if out.Evaluation.Flagged {
		*flagged++
		fmt.Printf("FLAGGED %s user=%s score=%d reasons=%v\n",
			req.TransactionID, req.UserID, out.Evaluation.Score, out.Evaluation.Reasons)
	}
}
