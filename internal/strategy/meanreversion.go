package strategy

import (
	"fmt"
	"math"
	"time"

	"atlas/internal/domain"
)

// Compile-time interface check.
var _ Strategy = (*MeanReversion)(nil)

// MeanReversionConfig tunes the mean-reversion strategy thresholds.
type MeanReversionConfig struct {
	RSIOversold      float64 // entry threshold for longs (default 30)
	RSIOverbought    float64 // entry threshold for shorts (default 70)
	BBTouchThreshold float64 // bb_position distance counted as a band touch (default 0.02)
	PositionSizePct  float64 // fraction of equity per entry (default 0.01)
	StopLossPct      float64 // default 0.02
	TakeProfitPct    float64 // default 0.03
	MinConfidence    float64 // default 0.5
}

// DefaultMeanReversionConfig returns the standard thresholds.
func DefaultMeanReversionConfig() MeanReversionConfig {
	return MeanReversionConfig{
		RSIOversold:      30,
		RSIOverbought:    70,
		BBTouchThreshold: 0.02,
		PositionSizePct:  0.01,
		StopLossPct:      0.02,
		TakeProfitPct:    0.03,
		MinConfidence:    0.5,
	}
}

// MeanReversion trades RSI oversold/overbought conditions confirmed by
// Bollinger Band touches. Longs enter when RSI is oversold and price sits at
// the lower band; positions exit when price reverts to the middle band.
type MeanReversion struct {
	cfg MeanReversionConfig
	now func() time.Time
}

// NewMeanReversion creates a MeanReversion strategy with the given config.
func NewMeanReversion(cfg MeanReversionConfig) *MeanReversion {
	if cfg == (MeanReversionConfig{}) {
		cfg = DefaultMeanReversionConfig()
	}
	return &MeanReversion{cfg: cfg, now: time.Now}
}

// Name returns "mean_reversion".
func (s *MeanReversion) Name() string { return "mean_reversion" }

// GenerateSignals produces at most one signal per snapshot: an exit for a
// held symbol, or an entry on a flat one.
func (s *MeanReversion) GenerateSignals(symbol string, features domain.FeatureSet, positions map[string]domain.Position) []domain.Signal {
	required := []string{"rsi", "bb_lower", "bb_upper", "bb_middle", "bb_position", "close"}
	for _, feat := range required {
		if !features.Has(feat) {
			return nil
		}
	}

	rsi := features.Value("rsi")
	bbPosition := features.Value("bb_position")
	close := features.Value("close")
	bbMiddle := features.Value("bb_middle")
	if math.IsNaN(rsi) || math.IsNaN(bbPosition) || math.IsNaN(close) {
		return nil
	}

	if pos, held := positions[symbol]; held {
		return s.exitSignals(symbol, pos, close, bbMiddle)
	}

	// Entry: oversold at the lower band.
	if rsi < s.cfg.RSIOversold && bbPosition < s.cfg.BBTouchThreshold {
		confidence := math.Min(0.9, 0.5+(s.cfg.RSIOversold-rsi)/100)
		if confidence < s.cfg.MinConfidence {
			return nil
		}
		return []domain.Signal{{
			Symbol:       symbol,
			Action:       domain.ActionBuy,
			Confidence:   confidence,
			SizePct:      s.cfg.PositionSizePct,
			Reasoning:    fmt.Sprintf("mean reversion BUY: RSI=%.1f oversold, bb_position=%.3f near lower band", rsi, bbPosition),
			Timestamp:    s.now(),
			StrategyName: s.Name(),
			EntryPrice:   close,
			StopLoss:     close * (1 - s.cfg.StopLossPct),
			TakeProfit:   close * (1 + s.cfg.TakeProfitPct),
		}}
	}

	// Entry: overbought at the upper band.
	if rsi > s.cfg.RSIOverbought && bbPosition > 1-s.cfg.BBTouchThreshold {
		confidence := math.Min(0.9, 0.5+(rsi-s.cfg.RSIOverbought)/100)
		if confidence < s.cfg.MinConfidence {
			return nil
		}
		return []domain.Signal{{
			Symbol:       symbol,
			Action:       domain.ActionSell,
			Confidence:   confidence,
			SizePct:      s.cfg.PositionSizePct,
			Reasoning:    fmt.Sprintf("mean reversion SELL: RSI=%.1f overbought, bb_position=%.3f near upper band", rsi, bbPosition),
			Timestamp:    s.now(),
			StrategyName: s.Name(),
			EntryPrice:   close,
			StopLoss:     close * (1 + s.cfg.StopLossPct),
			TakeProfit:   close * (1 - s.cfg.TakeProfitPct),
		}}
	}

	return nil
}

// exitSignals closes a held position once price reverts to the middle band.
func (s *MeanReversion) exitSignals(symbol string, pos domain.Position, close, bbMiddle float64) []domain.Signal {
	reverted := (pos.Side == domain.PositionSideLong && close >= bbMiddle) ||
		(pos.Side == domain.PositionSideShort && close <= bbMiddle)
	if !reverted {
		return nil
	}
	return []domain.Signal{{
		Symbol:       symbol,
		Action:       domain.ActionClose,
		Confidence:   0.8,
		SizePct:      1.0,
		Reasoning:    fmt.Sprintf("mean reversion exit: price %.2f reverted to middle band %.2f", close, bbMiddle),
		Timestamp:    s.now(),
		StrategyName: s.Name(),
		EntryPrice:   close,
	}}
}
