package engine

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// BandwidthManager enforces the process-wide byte-rate ceiling. All Segment
// Workers share one token bucket; a disabled limit is a single atomic load
// on the hot path.
type BandwidthManager struct {
	globalLimiter *rate.Limiter
	limitEnabled  atomic.Bool
}

func NewBandwidthManager() *BandwidthManager {
	return &BandwidthManager{
		globalLimiter: rate.NewLimiter(rate.Inf, 0),
	}
}

// SetLimit updates the global ceiling in bytes per second. 0 (or negative)
// means unlimited.
func (bm *BandwidthManager) SetLimit(bytesPerSec int) {
	if bytesPerSec <= 0 {
		bm.limitEnabled.Store(false)
		bm.globalLimiter.SetLimit(rate.Inf)
	} else {
		bm.limitEnabled.Store(true)
		bm.globalLimiter.SetLimit(rate.Limit(bytesPerSec))
		bm.globalLimiter.SetBurst(bytesPerSec) // allow a 1s burst
	}
}

// Wait blocks until the caller may consume bytes from the shared budget.
// Returns immediately when no limit is set; returns the context's error if
// cancelled while waiting.
func (bm *BandwidthManager) Wait(ctx context.Context, bytes int) error {
	if !bm.limitEnabled.Load() {
		return nil
	}
	// WaitN rejects requests larger than the burst, so take them in
	// burst-sized pieces.
	burst := bm.globalLimiter.Burst()
	for bytes > 0 {
		n := bytes
		if burst > 0 && n > burst {
			n = burst
		}
		if err := bm.globalLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}
