package report

import (
	"context"
	"math"
	"time"
)

// Backoff exponentiel borné entre les polls : les premiers essais
// sont rapprochés, les suivants s'espacent jusqu'au plafond.
type Backoff struct {
	Min        time.Duration
	Max        time.Duration
	Multiplier float64
}

// Wait retourne le délai avant le prochain essai, attempt comptant
// depuis 0.
func (b Backoff) Wait(attempt int) time.Duration {
	mult := b.Multiplier
	if mult <= 0 {
		mult = 1
	}
	// plafonné avant la conversion, 2^attempt déborde vite un int64
	sec := mult * math.Pow(2, float64(attempt))
	if b.Max > 0 && sec > b.Max.Seconds() {
		return b.Max
	}
	d := time.Duration(sec * float64(time.Second))
	if d < b.Min {
		return b.Min
	}
	return d
}

// sleepCtx attend d ou l'annulation du contexte, au premier des deux.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
