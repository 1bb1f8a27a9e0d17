package strategy

import (
	"fmt"
	"math"
	"sync"
	"time"

	"atlas/internal/domain"
)

// Compile-time interface check.
var _ Strategy = (*MomentumBreakout)(nil)

// MomentumBreakoutConfig tunes the momentum breakout strategy.
type MomentumBreakoutConfig struct {
	VolumeThreshold float64 // volume_ratio burst floor for entries (default 1.5)
	ExitVolumeRatio float64 // volume_ratio below which held positions exit (default 0.5)
	PositionSizePct float64 // fraction of equity per entry (default 0.02)
	StopLossPct     float64 // default 0.02
	TakeProfitPct   float64 // default 0.06
	MinConfidence   float64 // default 0.6
}

// DefaultMomentumBreakoutConfig returns the standard thresholds.
func DefaultMomentumBreakoutConfig() MomentumBreakoutConfig {
	return MomentumBreakoutConfig{
		VolumeThreshold: 1.5,
		ExitVolumeRatio: 0.5,
		PositionSizePct: 0.02,
		StopLossPct:     0.02,
		TakeProfitPct:   0.06,
		MinConfidence:   0.6,
	}
}

// MomentumBreakout trades volume-confirmed moving-average crossings. It is
// edge-triggered: a signal fires only on the evaluation where close crosses
// sma_20, never while price merely stays on one side of the average. The
// previous close/SMA relation is remembered per symbol, so the first
// observation of a symbol only records state and never signals.
type MomentumBreakout struct {
	cfg MomentumBreakoutConfig
	now func() time.Time

	mu        sync.Mutex
	prevAbove map[string]bool
}

// NewMomentumBreakout creates a MomentumBreakout strategy with the given
// config.
func NewMomentumBreakout(cfg MomentumBreakoutConfig) *MomentumBreakout {
	if cfg == (MomentumBreakoutConfig{}) {
		cfg = DefaultMomentumBreakoutConfig()
	}
	return &MomentumBreakout{
		cfg:       cfg,
		now:       time.Now,
		prevAbove: make(map[string]bool),
	}
}

// Name returns "momentum_breakout".
func (s *MomentumBreakout) Name() string { return "momentum_breakout" }

// Reset clears the per-symbol crossing state, as at a session boundary.
func (s *MomentumBreakout) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prevAbove = make(map[string]bool)
}

// GenerateSignals produces a BUY on an upward crossing with a volume burst,
// a SELL on a downward crossing with a volume burst, or a CLOSE when volume
// dries up under a held position.
func (s *MomentumBreakout) GenerateSignals(symbol string, features domain.FeatureSet, positions map[string]domain.Position) []domain.Signal {
	required := []string{"close", "sma_20", "volume_ratio"}
	for _, feat := range required {
		if !features.Has(feat) {
			return nil
		}
	}

	close := features.Value("close")
	sma := features.Value("sma_20")
	volumeRatio := features.Value("volume_ratio")
	if math.IsNaN(close) || math.IsNaN(sma) || math.IsNaN(volumeRatio) {
		return nil
	}

	above := close > sma

	s.mu.Lock()
	prev, seen := s.prevAbove[symbol]
	s.prevAbove[symbol] = above
	s.mu.Unlock()

	// First observation establishes the baseline only.
	if !seen {
		return nil
	}

	_, held := positions[symbol]

	// Volume dried up under a held position.
	if held && volumeRatio < s.cfg.ExitVolumeRatio {
		return []domain.Signal{{
			Symbol:       symbol,
			Action:       domain.ActionClose,
			Confidence:   0.7,
			SizePct:      1.0,
			Reasoning:    fmt.Sprintf("momentum exit: volume ratio %.2fx collapsed", volumeRatio),
			Timestamp:    s.now(),
			StrategyName: s.Name(),
			EntryPrice:   close,
		}}
	}

	// Crossings only: the level never triggers.
	if above == prev || volumeRatio < s.cfg.VolumeThreshold {
		return nil
	}

	confidence := math.Min(0.9, 0.5+(volumeRatio-1.0)*0.2)
	if confidence < s.cfg.MinConfidence {
		return nil
	}

	if above {
		return []domain.Signal{{
			Symbol:       symbol,
			Action:       domain.ActionBuy,
			Confidence:   confidence,
			SizePct:      s.cfg.PositionSizePct,
			Reasoning:    fmt.Sprintf("momentum breakout: close %.2f crossed above SMA %.2f on %.2fx volume", close, sma, volumeRatio),
			Timestamp:    s.now(),
			StrategyName: s.Name(),
			EntryPrice:   close,
			StopLoss:     close * (1 - s.cfg.StopLossPct),
			TakeProfit:   close * (1 + s.cfg.TakeProfitPct),
		}}
	}
	return []domain.Signal{{
		Symbol:       symbol,
		Action:       domain.ActionSell,
		Confidence:   confidence,
		SizePct:      s.cfg.PositionSizePct,
		Reasoning:    fmt.Sprintf("momentum breakdown: close %.2f crossed below SMA %.2f on %.2fx volume", close, sma, volumeRatio),
		Timestamp:    s.now(),
		StrategyName: s.Name(),
		EntryPrice:   close,
		StopLoss:     close * (1 + s.cfg.StopLossPct),
		TakeProfit:   close * (1 - s.cfg.TakeProfitPct),
	}}
}
