package risk

// Engine runs the fixed rule set against one transaction and aggregates
// the contributions. It holds no mutable state: all history arrives in the
// Snapshot, so evaluation is a pure function of its inputs.
type Engine struct {
	rules []Rule
}

// NewEngine creates an engine with the 7 rules in declaration order.
func NewEngine(blacklist Blacklist) *Engine {
	return &Engine{
		rules: []Rule{
			amountSpike,
			velocitySpike,
			velocityUnusual,
			locationMismatch,
			deviceChange,
			merchantBlacklist(blacklist),
			duplicateTransaction,
		},
	}
}

// Evaluate runs every rule and returns the clamped score, the reasons in
// declaration order, and the per-reason evidence. Reasons is empty but
// non-nil when nothing fires.
func (e *Engine) Evaluate(tx *Transaction, snap *Snapshot) (score int, reasons []string, evidence map[string]Evidence) {
	reasons = make([]string, 0, len(e.rules))
	evidence = make(map[string]Evidence)

	total := 0
	for _, rule := range e.rules {
		c := rule(tx, snap)
		if c == nil {
			continue
		}
		total += c.Points
		reasons = append(reasons, c.Reason)
		evidence[c.Reason] = c.Evidence
	}

	// Clamp last: the raw sum may exceed MaxScore when several signals
	// coincide.
	if total > MaxScore {
		total = MaxScore
	}
	if total < 0 {
		total = 0
	}
	return total, reasons, evidence
}
