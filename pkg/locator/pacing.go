package locator

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Pacer inserts the pauses around browser interactions.
type Pacer interface {
	Pause(ctx context.Context, base time.Duration)
}

// Jitter pauses for base ± Variation, never less than Floor. The randomness
// keeps the interaction rhythm from looking machine-generated.
type Jitter struct {
	Variation time.Duration
	Floor     time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewJitter returns a Jitter seeded from the clock.
func NewJitter(variation, floor time.Duration) *Jitter {
	return &Jitter{
		Variation: variation,
		Floor:     floor,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Duration returns the pause Pause would sleep for base.
func (j *Jitter) Duration(base time.Duration) time.Duration {
	d := base
	if j.Variation > 0 {
		j.mu.Lock()
		if j.rnd == nil {
			j.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		offset := time.Duration(j.rnd.Int63n(int64(2*j.Variation)+1)) - j.Variation
		j.mu.Unlock()
		d += offset
	}
	if d < j.Floor {
		d = j.Floor
	}
	return d
}

// Pause sleeps for a jittered base, returning early if ctx is done.
func (j *Jitter) Pause(ctx context.Context, base time.Duration) {
	sleep(ctx, j.Duration(base))
}

// NoPacing never pauses.
type NoPacing struct{}

func (NoPacing) Pause(context.Context, time.Duration) {}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
