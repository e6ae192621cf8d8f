package risk

import (
	"reflect"
	"testing"
	"time"
)

func TestEngineCleanFirstTransaction(t *testing.T) {
	engine := NewEngine(NewStaticBlacklist(nil))

	tx := &Transaction{ID: "tx1", UserID: "u1", Amount: dec("25.00"), MerchantID: "m1", Timestamp: t0}
	score, reasons, evidence := engine.Evaluate(tx, &Snapshot{})

	if score != 0 {
		t.Errorf("score = %d, want 0", score)
	}
	if reasons == nil {
		t.Error("reasons should be empty, not nil")
	}
	if len(reasons) != 0 {
		t.Errorf("reasons = %v, want none", reasons)
	}
	if len(evidence) != 0 {
		t.Errorf("evidence = %v, want none", evidence)
	}
}

func TestEngineAmountSpikeOnly(t *testing.T) {
	engine := NewEngine(NewStaticBlacklist(nil))

	// Mean 100, amount 600: only the amount rule should fire.
	tx := &Transaction{ID: "tx1", UserID: "u1", Amount: dec("600"), MerchantID: "m1", Timestamp: t0}
	snap := &Snapshot{MeanAmount: decPtr("100")}

	score, reasons, evidence := engine.Evaluate(tx, snap)
	if score != 30 {
		t.Errorf("score = %d, want 30", score)
	}
	if !reflect.DeepEqual(reasons, []string{ReasonAmountSpike}) {
		t.Errorf("reasons = %v, want [amount_spike]", reasons)
	}
	if _, ok := evidence[ReasonAmountSpike]; !ok {
		t.Error("missing evidence for amount_spike")
	}
}

func TestEngineClampsAtOneHundred(t *testing.T) {
	engine := NewEngine(NewStaticBlacklist([]string{"merch_bad"}))

	// Stack every signal: raw sum 30+25+15+20+10+40+35 = 175.
	var recent []Entry
	for i := 0; i < 5; i++ {
		recent = append(recent, Entry{
			TransactionID: "tx_prior_" + string(rune('a'+i)),
			MerchantID:    "merch_bad",
			Amount:        dec("999"),
			Timestamp:     t0.Add(-time.Duration(5-i) * time.Second),
		})
	}
	prior := &Transaction{
		ID:        "tx_prior_e",
		DeviceID:  "device_a",
		Location:  &Location{Lat: 40.0, Lng: -74.0},
		Timestamp: t0.Add(-1 * time.Second),
	}
	tx := &Transaction{
		ID:         "tx_hot",
		UserID:     "u1",
		Amount:     dec("999"),
		MerchantID: "merch_bad",
		DeviceID:   "device_b",
		Location:   &Location{Lat: 51.5, Lng: -0.12},
		Timestamp:  t0,
	}
	snap := &Snapshot{Recent: recent, Prior: prior, MeanAmount: decPtr("10")}

	score, reasons, _ := engine.Evaluate(tx, snap)
	if score != MaxScore {
		t.Errorf("score = %d, want clamped to %d", score, MaxScore)
	}
	if len(reasons) != 7 {
		t.Errorf("reasons = %v, want all 7", reasons)
	}
}

func TestEngineReasonsInDeclarationOrder(t *testing.T) {
	engine := NewEngine(NewStaticBlacklist([]string{"merch_bad"}))

	// Blacklist is declared after the amount rule; order must not depend on
	// which evidence is "stronger".
	tx := &Transaction{ID: "tx1", UserID: "u1", Amount: dec("600"), MerchantID: "merch_bad", Timestamp: t0}
	snap := &Snapshot{MeanAmount: decPtr("100")}

	_, reasons, _ := engine.Evaluate(tx, snap)
	want := []string{ReasonAmountSpike, ReasonMerchantBlacklist}
	if !reflect.DeepEqual(reasons, want) {
		t.Errorf("reasons = %v, want %v", reasons, want)
	}
}

func TestEngineDeterministic(t *testing.T) {
	engine := NewEngine(NewStaticBlacklist([]string{"merch_bad"}))

	tx := &Transaction{ID: "tx1", UserID: "u1", Amount: dec("600"), MerchantID: "merch_bad", Timestamp: t0}
	snap := &Snapshot{MeanAmount: decPtr("100")}

	s1, r1, _ := engine.Evaluate(tx, snap)
	s2, r2, _ := engine.Evaluate(tx, snap)
	if s1 != s2 || !reflect.DeepEqual(r1, r2) {
		t.Errorf("same input gave different verdicts: (%d, %v) vs (%d, %v)", s1, r1, s2, r2)
	}
}
