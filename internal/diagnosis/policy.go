package diagnosis

// maxCyclesPerIteration caps classify/diagnose/recover cycles within a
// single scheduler iteration.
const maxCyclesPerIteration = 2

// Budget enforces the per-iteration cap on diagnosis cycles. Once the
// cap is spent, Allow refuses and the caller surfaces the failure as
// non-recoverable instead of diagnosing again.
type Budget struct {
	used int
}

// Allow consumes one cycle if any remain this iteration.
func (b *Budget) Allow() bool {
	if b.used >= maxCyclesPerIteration {
		return false
	}
	b.used++
	return true
}

// Used reports how many cycles the current iteration consumed.
func (b *Budget) Used() int { return b.used }

// Reset clears the budget at an iteration boundary.
func (b *Budget) Reset() { b.used = 0 }
