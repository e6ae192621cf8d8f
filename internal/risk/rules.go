package risk

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is the read-only view of a user's history that rules evaluate
// against. The orchestrator assembles it inside the per-user critical
// section so concurrent submissions for one user never race on it.
type Snapshot struct {
	// Recent holds the user's cached entries in the trailing
	// RetentionWindow ending at the transaction's event timestamp,
	// oldest first. The current transaction is not included.
	Recent []Entry

	// Prior is the user's most recent transaction strictly before the
	// current one, from the historical store. Nil for a first-ever
	// transaction.
	Prior *Transaction

	// MeanAmount is the mean over all prior transactions. Nil without
	// history.
	MeanAmount *decimal.Decimal
}

// Contribution is a single firing rule's output.
type Contribution struct {
	Points   int
	Reason   string
	Evidence Evidence
}

// Rule inspects one transaction against the user's snapshot and returns a
// contribution, or nil when it does not fire. Rules never return errors:
// missing optional fields or insufficient history simply disable them.
type Rule func(tx *Transaction, snap *Snapshot) *Contribution

// amountSpike fires when the amount exceeds 5x the user's historical mean.
func amountSpike(tx *Transaction, snap *Snapshot) *Contribution {
	if snap.MeanAmount == nil || !snap.MeanAmount.IsPositive() {
		return nil
	}
	threshold := snap.MeanAmount.Mul(decimal.NewFromInt(AmountSpikeMultiplier))
	if !tx.Amount.GreaterThan(threshold) {
		return nil
	}
	ratio, _ := tx.Amount.Div(*snap.MeanAmount).Round(2).Float64()
	return &Contribution{
		Points: AmountSpikePoints,
		Reason: ReasonAmountSpike,
		Evidence: Evidence{
			"currentAmount": tx.Amount.String(),
			"meanAmount":    snap.MeanAmount.Round(2).String(),
			"ratio":         ratio,
		},
	}
}

// velocitySpike fires at >=3 transactions (current included) in the
// trailing 60 seconds ending at the event timestamp.
func velocitySpike(tx *Transaction, snap *Snapshot) *Contribution {
	count := countWithin(snap.Recent, tx.Timestamp, VelocitySpikeWindow) + 1
	if count < VelocitySpikeCount {
		return nil
	}
	return &Contribution{
		Points: VelocitySpikePoints,
		Reason: ReasonVelocitySpike,
		Evidence: Evidence{
			"count":       count,
			"windowStart": tx.Timestamp.Add(-VelocitySpikeWindow),
			"windowEnd":   tx.Timestamp,
		},
	}
}

// velocityUnusual fires at >=5 transactions in the trailing 600 seconds.
// Independent of velocitySpike: both may fire on the same transaction.
func velocityUnusual(tx *Transaction, snap *Snapshot) *Contribution {
	count := countWithin(snap.Recent, tx.Timestamp, VelocityUnusualWindow) + 1
	if count < VelocityUnusualCount {
		return nil
	}
	return &Contribution{
		Points: VelocityUnusualPoints,
		Reason: ReasonVelocityUnusual,
		Evidence: Evidence{
			"count":       count,
			"windowStart": tx.Timestamp.Add(-VelocityUnusualWindow),
			"windowEnd":   tx.Timestamp,
		},
	}
}

// locationMismatch fires when the transaction is over 500 km from the
// user's previous transaction within a 12 hour gap.
func locationMismatch(tx *Transaction, snap *Snapshot) *Contribution {
	if tx.Location == nil || snap.Prior == nil || snap.Prior.Location == nil {
		return nil
	}
	gap := tx.Timestamp.Sub(snap.Prior.Timestamp)
	if gap > LocationMaxGap {
		return nil
	}
	dist := haversineKm(snap.Prior.Location.Lat, snap.Prior.Location.Lng, tx.Location.Lat, tx.Location.Lng)
	if dist <= LocationDistanceKm {
		return nil
	}
	return &Contribution{
		Points: LocationPoints,
		Reason: ReasonLocationMismatch,
		Evidence: Evidence{
			"distanceKm":   math.Round(dist*100) / 100,
			"timeGapHours": math.Round(gap.Hours()*100) / 100,
			"priorLat":     snap.Prior.Location.Lat,
			"priorLng":     snap.Prior.Location.Lng,
			"currentLat":   tx.Location.Lat,
			"currentLng":   tx.Location.Lng,
		},
	}
}

// deviceChange fires when the device ID is present and differs from the
// previous transaction's device ID. First-ever transactions, and prior
// transactions without a device ID, never fire.
func deviceChange(tx *Transaction, snap *Snapshot) *Contribution {
	if tx.DeviceID == "" || snap.Prior == nil || snap.Prior.DeviceID == "" {
		return nil
	}
	if tx.DeviceID == snap.Prior.DeviceID {
		return nil
	}
	return &Contribution{
		Points: DeviceChangePoints,
		Reason: ReasonDeviceChange,
		Evidence: Evidence{
			"previousDevice": snap.Prior.DeviceID,
			"currentDevice":  tx.DeviceID,
		},
	}
}

// merchantBlacklist fires when the merchant is on the configured blacklist.
// History-independent: evaluable from transaction count one.
func merchantBlacklist(bl Blacklist) Rule {
	return func(tx *Transaction, snap *Snapshot) *Contribution {
		if bl == nil || !bl.IsBlacklisted(tx.MerchantID) {
			return nil
		}
		return &Contribution{
			Points:   BlacklistPoints,
			Reason:   ReasonMerchantBlacklist,
			Evidence: Evidence{"merchantId": tx.MerchantID},
		}
	}
}

// duplicateTransaction fires when another transaction by the same user with
// identical amount and merchant sits within the trailing 30 seconds.
func duplicateTransaction(tx *Transaction, snap *Snapshot) *Contribution {
	var match *Entry
	for i := range snap.Recent {
		e := &snap.Recent[i]
		if e.TransactionID == tx.ID {
			continue
		}
		if tx.Timestamp.Sub(e.Timestamp) > DuplicateWindow {
			continue
		}
		if e.MerchantID != tx.MerchantID || !e.Amount.Equal(tx.Amount) {
			continue
		}
		if match == nil || e.Timestamp.After(match.Timestamp) {
			match = e
		}
	}
	if match == nil {
		return nil
	}
	return &Contribution{
		Points: DuplicatePoints,
		Reason: ReasonDuplicate,
		Evidence: Evidence{
			"matchingTransactionId": match.TransactionID,
			"timeDeltaSeconds":      tx.Timestamp.Sub(match.Timestamp).Seconds(),
		},
	}
}

// countWithin counts entries with timestamps in [until-window, until].
func countWithin(entries []Entry, until time.Time, window time.Duration) int {
	start := until.Add(-window)
	n := 0
	for _, e := range entries {
		if !e.Timestamp.Before(start) && !e.Timestamp.After(until) {
			n++
		}
	}
	return n
}

const earthRadiusKm = 6371.0

// haversineKm returns the great-circle distance between two points in km.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}
