package scanning

// connectionBudget counts consecutive scanner connection failures during a
// poll loop. Any clean cycle resets it; exhausting it abandons the scan with
// a single synthetic error result.
type connectionBudget struct {
	max       int
	remaining int
}

func newConnectionBudget(max int) *connectionBudget {
	if max <= 0 {
		max = defaultRetryBudget
	}
	return &connectionBudget{max: max, remaining: max}
}

// Consume spends one retry and reports whether the failure may be retried.
// A budget of n tolerates n consecutive failures; the n+1th is fatal.
func (b *connectionBudget) Consume() bool {
	if b.remaining == 0 {
		return false
	}
	b.remaining--
	return true
}

// Reset restores the full budget after a cycle that reached the scanner.
func (b *connectionBudget) Reset() { b.remaining = b.max }
