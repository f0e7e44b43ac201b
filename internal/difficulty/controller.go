// Package difficulty computes the target each new block must meet from the
// spacing of recent blocks, and enforces the median-time-past rule.
package difficulty

import (
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/internal/config"
	"github.com/bardlex/qpow/pkg/errors"
)

// Sample is one block's contribution to the retarget window.
type Sample struct {
	Timestamp uint64 // unix milliseconds
	Target    block.Target
}

// Window is the ordered (oldest first) history ending at the parent of the
// block being built.
type Window []Sample

// Append returns w with s added, keeping at most limit samples.
func (w Window) Append(s Sample, limit int) Window {
	out := append(slices.Clone(w), s)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Params configures a Controller.
type Params struct {
	WindowSize     int
	MedianSpan     int
	TargetInterval time.Duration
	MinAdjust      *big.Rat
	MaxAdjust      *big.Rat
	MaxFutureDrift time.Duration
	GenesisTarget  block.Target
	HardestTarget  block.Target // smallest allowed value
	EasiestTarget  block.Target // largest allowed value
}

// DefaultParams returns a 10-block window, a 6 second interval and a
// [1/4, 4] clamp.
func DefaultParams() Params {
	return Params{
		WindowSize:     10,
		MedianSpan:     11,
		TargetInterval: 6 * time.Second,
		MinAdjust:      big.NewRat(1, 4),
		MaxAdjust:      big.NewRat(4, 1),
		MaxFutureDrift: 2 * time.Minute,
		GenesisTarget:  block.TargetWithLeadingZeros(12),
		HardestTarget:  block.TargetWithLeadingZeros(256),
		EasiestTarget:  block.TargetWithLeadingZeros(1),
	}
}

// ParamsFromConfig builds Params from service configuration.
func ParamsFromConfig(cfg *config.Config) Params {
	minAdjust := new(big.Rat)
	minAdjust.SetFloat64(cfg.AdjustMinRatio)
	maxAdjust := new(big.Rat)
	maxAdjust.SetFloat64(cfg.AdjustMaxRatio)

	return Params{
		WindowSize:     cfg.RetargetWindow,
		MedianSpan:     cfg.MedianTimeSpan,
		TargetInterval: cfg.TargetBlockInterval,
		MinAdjust:      minAdjust,
		MaxAdjust:      maxAdjust,
		MaxFutureDrift: cfg.MaxFutureDrift,
		GenesisTarget:  block.TargetWithLeadingZeros(cfg.GenesisTargetBits),
		HardestTarget:  block.TargetWithLeadingZeros(cfg.HardestTargetBits),
		EasiestTarget:  block.TargetWithLeadingZeros(cfg.EasiestTargetBits),
	}
}

// Validate checks the parameters are internally consistent.
func (p Params) Validate() error {
	switch {
	case p.WindowSize < 2:
		return fmt.Errorf("window size must be at least 2")
	case p.MedianSpan < 1:
		return fmt.Errorf("median span must be positive")
	case p.TargetInterval < time.Millisecond:
		return fmt.Errorf("target interval must be at least 1ms")
	case p.MinAdjust == nil || p.MaxAdjust == nil:
		return fmt.Errorf("adjustment clamp is not set")
	case p.MinAdjust.Sign() <= 0 || p.MinAdjust.Cmp(p.MaxAdjust) > 0:
		return fmt.Errorf("adjustment clamp must satisfy 0 < min <= max")
	case p.HardestTarget.IsZero() || p.HardestTarget.Cmp(p.EasiestTarget) > 0:
		return fmt.Errorf("hardest target must be positive and not above easiest")
	case p.GenesisTarget.Cmp(p.HardestTarget) < 0 || p.GenesisTarget.Cmp(p.EasiestTarget) > 0:
		return fmt.Errorf("genesis target outside [hardest, easiest]")
	}
	return nil
}

// Controller is a pure function of the window; it holds no mutable state.
type Controller struct {
	params Params
}

// NewController validates p and returns a Controller.
func NewController(p Params) (*Controller, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Controller{params: p}, nil
}

// Params returns the controller parameters.
func (c *Controller) Params() Params {
	return c.params
}

// NextTarget returns the target for the block following the window's last
// sample. Short windows yield the genesis target.
func (c *Controller) NextTarget(w Window) block.Target {
	p := c.params
	if len(w) < p.WindowSize {
		return p.GenesisTarget
	}

	samples := w[len(w)-p.WindowSize:]
	prev := samples[len(samples)-1].Target
	if prev.IsZero() {
		return p.GenesisTarget
	}

	ratio := c.AdjustmentRatio(samples)

	next := new(big.Int).Mul(prev.Big(), ratio.Num())
	next.Quo(next, ratio.Denom())

	return c.clampTarget(next)
}

// AdjustmentRatio returns actual/expected spacing over samples, clamped to
// [MinAdjust, MaxAdjust]. A non-increasing span counts as maximally fast.
func (c *Controller) AdjustmentRatio(samples Window) *big.Rat {
	p := c.params
	if len(samples) < 2 {
		return big.NewRat(1, 1)
	}

	first := samples[0].Timestamp
	last := samples[len(samples)-1].Timestamp
	if last <= first {
		return new(big.Rat).Set(p.MinAdjust)
	}

	actual := new(big.Int).SetUint64(last - first)
	expected := big.NewInt(p.TargetInterval.Milliseconds())
	expected.Mul(expected, big.NewInt(int64(len(samples)-1)))

	ratio := new(big.Rat).SetFrac(actual, expected)
	if ratio.Cmp(p.MinAdjust) < 0 {
		return new(big.Rat).Set(p.MinAdjust)
	}
	if ratio.Cmp(p.MaxAdjust) > 0 {
		return new(big.Rat).Set(p.MaxAdjust)
	}
	return ratio
}

func (c *Controller) clampTarget(v *big.Int) block.Target {
	if v.Cmp(c.params.HardestTarget.Big()) < 0 {
		return c.params.HardestTarget
	}
	if v.Cmp(c.params.EasiestTarget.Big()) > 0 {
		return c.params.EasiestTarget
	}
	t, err := block.TargetFromBig(v)
	if err != nil {
		return c.params.HardestTarget
	}
	return t
}

// MedianTimePast returns the median of the last MedianSpan timestamps, or
// zero for an empty window.
func (c *Controller) MedianTimePast(w Window) uint64 {
	if len(w) == 0 {
		return 0
	}
	start := max(0, len(w)-c.params.MedianSpan)
	stamps := make([]uint64, 0, len(w)-start)
	for _, s := range w[start:] {
		stamps = append(stamps, s.Timestamp)
	}
	slices.Sort(stamps)
	return stamps[len(stamps)/2]
}

// ValidateTimestamp rejects timestamps at or below the median time past and
// timestamps further than MaxFutureDrift ahead of now. A zero now skips the
// future check.
func (c *Controller) ValidateTimestamp(w Window, ts uint64, now time.Time) error {
	if len(w) > 0 {
		if mtp := c.MedianTimePast(w); ts <= mtp {
			return errors.Invalid("validate_timestamp", "timestamp not after median time past").
				WithContext("timestamp", ts).
				WithContext("median_time_past", mtp)
		}
	}

	if !now.IsZero() && c.params.MaxFutureDrift > 0 {
		limit := now.Add(c.params.MaxFutureDrift).UnixMilli()
		if limit > 0 && ts > uint64(limit) {
			return errors.Invalid("validate_timestamp", "timestamp too far in the future").
				WithContext("timestamp", ts).
				WithContext("limit", limit)
		}
	}
	return nil
}

// RatioFloat reports next/prev as a float for logs and metrics.
func RatioFloat(prev, next block.Target) float64 {
	if prev.IsZero() {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(next.Big(), prev.Big()).Float64()
	return f
}
