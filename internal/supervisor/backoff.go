package supervisor

import (
	"math/rand"
	"time"
)

// Backoff doubles the delay from Initial up to Max. With Initial == Max the
// delay is fixed. Jitter in [0,1) spreads each delay by up to ±Jitter of it.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64

	current time.Duration
	rand    func() float64
}

func NewBackoff(initial, max time.Duration, jitter float64) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &Backoff{Initial: initial, Max: max, Jitter: jitter, rand: rand.Float64}
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.current <= 0 {
		b.current = b.Initial
	} else {
		b.current *= 2
		if b.current > b.Max {
			b.current = b.Max
		}
	}
	d := b.current
	if b.Jitter > 0 {
		spread := float64(d) * b.Jitter
		d += time.Duration(spread*2*b.rand() - spread)
	}
	return d
}

// Reset starts the next failure sequence from Initial again.
func (b *Backoff) Reset() {
	b.current = 0
}
