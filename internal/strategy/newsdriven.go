package strategy

import (
	"fmt"
	"math"
	"time"

	"atlas/internal/domain"
)

// Compile-time interface check.
var _ Strategy = (*NewsDriven)(nil)

// NewsDrivenConfig tunes the news-driven strategy.
type NewsDrivenConfig struct {
	SentimentThreshold float64 // absolute sentiment floor for entries (default 0.7)
	MinArticles        float64 // minimum recent article count (default 2)
	NeutralBand        float64 // |sentiment| below this exits held positions (default 0.3)
	PositionSizePct    float64 // fraction of equity per entry (default 0.015)
	StopLossPct        float64 // default 0.02
	TakeProfitPct      float64 // default 0.05
	MinConfidence      float64 // default 0.6
}

// DefaultNewsDrivenConfig returns the standard thresholds.
func DefaultNewsDrivenConfig() NewsDrivenConfig {
	return NewsDrivenConfig{
		SentimentThreshold: 0.7,
		MinArticles:        2,
		NeutralBand:        0.3,
		PositionSizePct:    0.015,
		StopLossPct:        0.02,
		TakeProfitPct:      0.05,
		MinConfidence:      0.6,
	}
}

// NewsDriven trades aggregated news sentiment. Longs require strongly
// positive sentiment backed by a minimum article count and non-negative
// short-horizon momentum; held positions exit when sentiment decays to
// neutral.
type NewsDriven struct {
	cfg NewsDrivenConfig
	now func() time.Time
}

// NewNewsDriven creates a NewsDriven strategy with the given config.
func NewNewsDriven(cfg NewsDrivenConfig) *NewsDriven {
	if cfg == (NewsDrivenConfig{}) {
		cfg = DefaultNewsDrivenConfig()
	}
	return &NewsDriven{cfg: cfg, now: time.Now}
}

// Name returns "news_driven".
func (s *NewsDriven) Name() string { return "news_driven" }

// GenerateSignals produces sentiment-driven entries and exits.
func (s *NewsDriven) GenerateSignals(symbol string, features domain.FeatureSet, positions map[string]domain.Position) []domain.Signal {
	required := []string{"close", "news_sentiment_1h", "has_recent_news_1h"}
	for _, feat := range required {
		if !features.Has(feat) {
			return nil
		}
	}
	if !features.Bool("has_recent_news_1h") {
		return nil
	}

	close := features.Value("close")
	sentiment := features.Value("news_sentiment_1h")
	articles := features.Value("news_count_1h")
	momentum := features.Value("momentum_5")
	if math.IsNaN(close) || math.IsNaN(sentiment) {
		return nil
	}

	_, held := positions[symbol]

	switch {
	case !held && sentiment >= s.cfg.SentimentThreshold:
		if articles < s.cfg.MinArticles || momentum < 0 {
			return nil
		}
		confidence := math.Min(0.9, 0.5+(sentiment-0.5)*0.8)
		if confidence < s.cfg.MinConfidence {
			return nil
		}
		return []domain.Signal{{
			Symbol:       symbol,
			Action:       domain.ActionBuy,
			Confidence:   confidence,
			SizePct:      s.cfg.PositionSizePct,
			Reasoning:    fmt.Sprintf("news BUY: sentiment %.2f over %.0f articles, momentum %.3f", sentiment, articles, momentum),
			Timestamp:    s.now(),
			StrategyName: s.Name(),
			EntryPrice:   close,
			StopLoss:     close * (1 - s.cfg.StopLossPct),
			TakeProfit:   close * (1 + s.cfg.TakeProfitPct),
		}}

	case !held && sentiment <= -s.cfg.SentimentThreshold:
		if articles < s.cfg.MinArticles || momentum > 0 {
			return nil
		}
		confidence := math.Min(0.9, 0.5+(math.Abs(sentiment)-0.5)*0.8)
		if confidence < s.cfg.MinConfidence {
			return nil
		}
		return []domain.Signal{{
			Symbol:       symbol,
			Action:       domain.ActionSell,
			Confidence:   confidence,
			SizePct:      s.cfg.PositionSizePct,
			Reasoning:    fmt.Sprintf("news SELL: sentiment %.2f over %.0f articles, momentum %.3f", sentiment, articles, momentum),
			Timestamp:    s.now(),
			StrategyName: s.Name(),
			EntryPrice:   close,
			StopLoss:     close * (1 + s.cfg.StopLossPct),
			TakeProfit:   close * (1 - s.cfg.TakeProfitPct),
		}}

	case held && math.Abs(sentiment) < s.cfg.NeutralBand:
		return []domain.Signal{{
			Symbol:       symbol,
			Action:       domain.ActionClose,
			Confidence:   0.6,
			SizePct:      1.0,
			Reasoning:    fmt.Sprintf("news exit: sentiment neutralized at %.2f", sentiment),
			Timestamp:    s.now(),
			StrategyName: s.Name(),
			EntryPrice:   close,
		}}
	}
	return nil
}
