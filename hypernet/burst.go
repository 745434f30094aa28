package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VividCortex/ewma"
)

// BurstLevel is the discrete pacing hint derived from recent byte rate.
type BurstLevel int32

const (
	BurstNone BurstLevel = iota
	BurstLow
	BurstMedium
	BurstHigh
	BurstExtreme
)

func (l BurstLevel) String() string {
	switch l {
	case BurstNone:
		return "none"
	case BurstLow:
		return "low"
	case BurstMedium:
		return "medium"
	case BurstHigh:
		return "high"
	case BurstExtreme:
		return "extreme"
	default:
		return "invalid"
	}
}

// BurstConfig holds the estimator knobs. Thresholds are in bits per
// second, ascending, one per level above BurstNone.
type BurstConfig struct {
	Alpha         float64
	Window        time.Duration
	ThresholdsBps [4]float64
}

// DefaultBurstConfig returns the stock knobs: alpha 0.1, 10 ms windows,
// level cuts at 1/10/50/100 Mbps.
func DefaultBurstConfig() BurstConfig {
	return BurstConfig{
		Alpha:         0.1,
		Window:        10 * time.Millisecond,
		ThresholdsBps: [4]float64{1e6, 1e7, 5e7, 1e8},
	}
}

func (cfg *BurstConfig) validate() error {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		return fmt.Errorf("%w: ewma alpha %v out of (0,1]", ErrInvalidArgument, cfg.Alpha)
	}
	if cfg.Window <= 0 {
		return fmt.Errorf("%w: burst window %v", ErrInvalidArgument, cfg.Window)
	}
	for i := 1; i < len(cfg.ThresholdsBps); i++ {
		if cfg.ThresholdsBps[i] <= cfg.ThresholdsBps[i-1] {
			return fmt.Errorf("%w: burst thresholds must be ascending", ErrInvalidArgument)
		}
	}
	return nil
}

// ageForAlpha converts the spec-style smoothing factor into the average
// age the ewma package expects (decay = 2/(age+1)).
func ageForAlpha(alpha float64) float64 {
	return 2/alpha - 1
}

// classifyBurst maps a smoothed bits-per-second rate to a level. Pure
// function of its inputs.
func classifyBurst(smoothedBps float64, thresholds [4]float64) BurstLevel {
	switch {
	case smoothedBps > thresholds[3]:
		return BurstExtreme
	case smoothedBps > thresholds[2]:
		return BurstHigh
	case smoothedBps > thresholds[1]:
		return BurstMedium
	case smoothedBps > thresholds[0]:
		return BurstLow
	default:
		return BurstNone
	}
}

// BurstTracker accumulates bytes per rolling window and feeds each
// window's instantaneous rate into an EWMA. Per-packet updates are
// lock-free; only the once-per-window close path takes a mutex. Counting
// is allowed to be approximate under concurrency, the published level is
// not: it is always a member of the enum.
type BurstTracker struct {
	byteCount   atomic.Uint64
	packetCount atomic.Uint64
	windowStart atomic.Uint64 // ns timestamp; 0 means not started
	level       atomic.Int32

	cfg atomic.Pointer[BurstConfig]

	mu     sync.Mutex
	avg    ewma.MovingAverage
	seeded bool
}

// NewBurstTracker builds a tracker from cfg.
func NewBurstTracker(cfg BurstConfig) (*BurstTracker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	t := &BurstTracker{
		avg: ewma.NewMovingAverage(ageForAlpha(cfg.Alpha)),
	}
	t.cfg.Store(&cfg)
	return t, nil
}

// Reconfigure swaps the knobs in place. The smoothing history restarts
// when alpha changes; thresholds take effect at the next window close.
func (t *BurstTracker) Reconfigure(cfg BurstConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	old := t.cfg.Load()
	t.cfg.Store(&cfg)
	if old == nil || old.Alpha != cfg.Alpha {
		t.mu.Lock()
		t.avg = ewma.NewMovingAverage(ageForAlpha(cfg.Alpha))
		t.seeded = false
		t.mu.Unlock()
	}
	return nil
}

// Update records one packet. Called by the producer for every packet;
// never blocks beyond the once-per-window EWMA step.
func (t *BurstTracker) Update(bytes uint64, timestampNs uint64) {
	cfg := t.cfg.Load()

	ws := t.windowStart.Load()
	if ws == 0 {
		t.windowStart.CompareAndSwap(0, timestampNs)
	} else if timestampNs > ws && time.Duration(timestampNs-ws) > cfg.Window {
		// One closer per window: whoever wins the CAS owns the rollover.
		if t.windowStart.CompareAndSwap(ws, timestampNs) {
			b := t.byteCount.Swap(0)
			t.packetCount.Swap(0)
			rate := float64(b) * 8 * 1e9 / float64(timestampNs-ws)
			t.observe(rate, cfg)
		}
	}

	t.byteCount.Add(bytes)
	t.packetCount.Add(1)
}

func (t *BurstTracker) observe(rateBps float64, cfg *BurstConfig) {
	t.mu.Lock()
	if !t.seeded {
		t.avg.Set(rateBps)
		t.seeded = true
	} else {
		t.avg.Add(rateBps)
	}
	smoothed := t.avg.Value()
	t.mu.Unlock()

	t.level.Store(int32(classifyBurst(smoothed, cfg.ThresholdsBps)))
}

// Level returns the last classified level. Plain atomic load, safe from
// any goroutine.
func (t *BurstTracker) Level() BurstLevel {
	return BurstLevel(t.level.Load())
}

// SubmitHint force-sets the level, for external overrides. Values
// outside the enum are rejected so readers can never observe one.
func (t *BurstTracker) SubmitHint(level BurstLevel) error {
	if level < BurstNone || level > BurstExtreme {
		return fmt.Errorf("%w: burst level %d", ErrInvalidArgument, level)
	}
	t.level.Store(int32(level))
	return nil
}

// SmoothedRate reports the current EWMA value in bits per second.
func (t *BurstTracker) SmoothedRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.avg.Value()
}
