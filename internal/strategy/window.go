// Package strategy implements the two-leg dip arbitrage over a single
// short-duration binary market.
//
// The edge: the UP and DOWN outcome tokens of one market are complementary,
// so a hedged pair bought for less than $1 total is riskless profit. The
// engine waits for a transient dislocation (an ask dipping within a sliding
// window, or quotes inconsistent with the live underlying price), buys the
// dipped side (leg 1), then buys the opposite side as soon as the combined
// cost clears the configured target (leg 2). Completed pairs are merged
// back to collateral on-chain.
package strategy

import (
	"sync"
	"time"
)

// maxWindowSamples bounds the price history ring.
const maxWindowSamples = 100

type priceSample struct {
	t       time.Time
	upAsk   float64
	downAsk float64
}

// PriceWindow is a bounded ring of recent best-ask pairs used for the
// sliding-window dip comparison. It is reset at every round start so only
// in-round moves are detectable.
type PriceWindow struct {
	mu      sync.Mutex
	samples []priceSample
	head    int
	count   int
}

// NewPriceWindow creates an empty window.
func NewPriceWindow() *PriceWindow {
	return &PriceWindow{samples: make([]priceSample, maxWindowSamples)}
}

// Reset drops all samples.
func (w *PriceWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.head, w.count = 0, 0
}

// Add records one best-ask pair. The oldest sample is evicted once the
// ring is full.
func (w *PriceWindow) Add(t time.Time, upAsk, downAsk float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.head] = priceSample{t: t, upAsk: upAsk, downAsk: downAsk}
	w.head = (w.head + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
}

// Len returns the number of stored samples.
func (w *PriceWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// AsksAgo returns the oldest sample still inside the lookback window
// ending at now, i.e. the asks roughly `window` ago. ok is false when
// every stored sample is older than the window or the ring is empty.
func (w *PriceWindow) AsksAgo(now time.Time, window time.Duration) (upAgo, downAgo float64, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-window)
	for i := 0; i < w.count; i++ {
		idx := (w.head - w.count + i + len(w.samples)) % len(w.samples)
		s := w.samples[idx]
		if !s.t.Before(cutoff) {
			return s.upAsk, s.downAsk, true
		}
	}
	return 0, 0, false
}
