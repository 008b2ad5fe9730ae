package supervisor

import "time"

// Backoff computes the delay before restart attempts. The sequence is
// monotonically non-decreasing over consecutive failures and capped at Max;
// a completed success window resets the failure streak and with it the
// sequence.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// Delay returns the wait before the attempt following the n-th consecutive
// abnormal exit (n >= 1).
func (b Backoff) Delay(n uint32) time.Duration {
	if n <= 1 {
		return b.Initial
	}
	d := float64(b.Initial)
	limit := float64(b.Max)
	for i := uint32(1); i < n; i++ {
		d *= b.Factor
		if d >= limit {
			return b.Max
		}
	}
	return time.Duration(d)
}
