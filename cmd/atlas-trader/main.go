package main

import (
	"context"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"

	"atlas/internal/audit"
	"atlas/internal/broker"
	"atlas/internal/config"
	"atlas/internal/domain"
	"atlas/internal/engine"
	"atlas/internal/portfolio"
	"atlas/internal/risk"
	"atlas/internal/store"
	"atlas/internal/strategy"
	"atlas/internal/util"
	"atlas/internal/vault"
)

func main() {
	cfgPath := "config/atlas.yaml"
	if p := os.Getenv("ATLAS_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level)
	util.SetDefault(logger)

	b, initialBalance := buildBroker(cfg)

	// Upstream data calls share one per-source token bucket. 200/min with a
	// burst of 50 matches the free-tier Alpaca data API allowance.
	limiter := util.NewSourceLimiter(200, 50)

	// Audit sink. A missing path disables auditing rather than failing.
	var sink audit.Sink = audit.NopSink{}
	if cfg.Storage.AuditPath != "" {
		s, err := audit.NewSQLiteSink(cfg.Storage.AuditPath)
		if err != nil {
			logger.Warn("audit sink unavailable, trading without history", "error", err)
		} else {
			sink = s
			defer s.Close()
		}
	}

	p := portfolio.New(initialBalance)
	rm := risk.NewManager(p, cfg.Risk.RiskLimits())

	sg := strategy.NewSignalGenerator()
	sg.Register(strategy.NewMeanReversion(strategy.MeanReversionConfig{}))
	sg.Register(strategy.NewMomentumBreakout(strategy.MomentumBreakoutConfig{}))
	sg.Register(strategy.NewNewsDriven(strategy.NewsDrivenConfig{}))

	eng := engine.New(engine.Config{
		Mode:            cfg.Trading.Mode,
		Symbols:         cfg.Trading.Symbols,
		EvalInterval:    cfg.Trading.EvalInterval.Std(),
		MonitorInterval: cfg.Trading.MonitorInterval.Std(),
		Execution: engine.ExecutionConfig{
			MaxOrderRetry: cfg.Execution.MaxOrderRetry,
			RetryDelay:    cfg.Execution.RetryDelay.Std(),
			OrderTimeout:  cfg.Execution.OrderTimeout.Std(),
		},
	}, b, p, rm, sg, newBarFeatures(b, limiter), sink)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	warmUp(ctx, cfg, b, rm, limiter)

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("starting engine: %v", err)
	}
	logger.Info("atlas-trader running", "mode", cfg.Trading.Mode, "broker", b.Name())

	<-ctx.Done()
	if err := eng.Stop(context.Background()); err != nil {
		logger.Error("stopping engine", "error", err)
	}
}

// buildBroker constructs the configured broker backend. Alpaca credentials
// come from config/env, falling back to the vault when configured.
func buildBroker(cfg *config.Config) (broker.Broker, float64) {
	switch cfg.Broker.Kind {
	case "alpaca":
		a := cfg.Broker.Alpaca
		if a.APIKey == "" && cfg.Storage.VaultPath != "" {
			a.APIKey, a.APISecret = vaultCredentials(cfg.Storage.VaultPath)
		}
		if a.APIKey == "" || a.APISecret == "" {
			log.Fatal("alpaca broker selected but no credentials configured")
		}
		return broker.NewAlpacaBroker(a.APIKey, a.APISecret, a.BaseURL, a.DataURL, a.Feed), 100_000
	default:
		sim := broker.SimulatorConfig{
			InitialBalance:     cfg.Simulator.InitialBalance,
			CommissionPerShare: cfg.Simulator.CommissionPerShare,
			CommissionPerTrade: cfg.Simulator.CommissionPerTrade,
			SlippageBps:        cfg.Simulator.SlippageBps,
			FillDelay:          cfg.Simulator.FillDelay.Std(),
			Seed:               cfg.Simulator.Seed,
			EnforceMarketHours: cfg.Simulator.EnforceMarketHours,
			Symbols:            cfg.Trading.Symbols,
		}
		sb := broker.NewSimulatorBroker(sim)
		if sim.InitialBalance > 0 {
			return sb, sim.InitialBalance
		}
		return sb, 100_000
	}
}

// vaultCredentials reads alpaca credentials from the vault, prompting the
// passphrase from the environment.
func vaultCredentials(path string) (string, string) {
	pass := os.Getenv("ATLAS_VAULT_PASSPHRASE")
	if pass == "" {
		return "", ""
	}
	v := vault.New(path)
	if err := v.Unlock(pass); err != nil {
		log.Fatalf("unlocking vault: %v", err)
	}
	defer v.Lock()
	key, _ := v.GetKey("alpaca_key")
	secret, _ := v.GetKey("alpaca_secret")
	return key, secret
}

// warmUp caches recent daily bars and seeds the risk manager's liquidity
// cache with each symbol's average volume.
func warmUp(ctx context.Context, cfg *config.Config, b broker.Broker, rm *risk.Manager, limiter *util.SourceLimiter) {
	if cfg.Storage.DataDir == "" {
		return
	}
	ps := store.NewParquetStore(cfg.Storage.DataDir)
	for _, symbol := range cfg.Trading.Symbols {
		if err := limiter.Wait(ctx, "bars"); err != nil {
			return
		}
		bars, err := b.GetBars(ctx, symbol, 30)
		if err != nil {
			log.Printf("warm-up: fetching bars for %s: %v", symbol, err)
			continue
		}
		if err := ps.WriteBars(ctx, bars); err != nil {
			log.Printf("warm-up: caching bars for %s: %v", symbol, err)
		}
		if avg, err := ps.AverageVolume(ctx, symbol, 20); err == nil && avg > 0 {
			rm.UpdateSymbolVolume(symbol, avg)
		}
	}
}

// ---------------------------------------------------------------------------
// Bar-derived features
// ---------------------------------------------------------------------------

// barFeatures computes the indicator snapshot each evaluation cycle from the
// broker's recent daily bars. It covers the technical indicators the bundled
// strategies read; news features come from a separate pipeline and are
// absent here, so the news strategy stays quiet.
type barFeatures struct {
	broker  broker.Broker
	limiter *util.SourceLimiter
}

func newBarFeatures(b broker.Broker, limiter *util.SourceLimiter) *barFeatures {
	return &barFeatures{broker: b, limiter: limiter}
}

func (f *barFeatures) Features(ctx context.Context, symbol string) (domain.FeatureSet, error) {
	if err := f.limiter.Wait(ctx, "bars"); err != nil {
		return nil, err
	}
	bars, err := f.broker.GetBars(ctx, symbol, 30)
	if err != nil {
		return nil, err
	}
	if len(bars) < 21 {
		return nil, nil
	}

	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
	}
	last := bars[len(bars)-1]

	sma20 := mean(closes[len(closes)-20:])
	features := domain.FeatureSet{
		"close":        last.Close,
		"sma_20":       sma20,
		"volume_ratio": volumeRatio(bars),
		"rsi":          rsi(closes, 14),
	}

	std := stddev(closes[len(closes)-20:], sma20)
	upper := sma20 + 2*std
	lower := sma20 - 2*std
	features["bb_upper"] = upper
	features["bb_middle"] = sma20
	features["bb_lower"] = lower
	if upper > lower {
		features["bb_position"] = (last.Close - lower) / (upper - lower)
	} else {
		features["bb_position"] = 0.5
	}
	return features, nil
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, mu float64) float64 {
	var sum float64
	for _, x := range xs {
		d := x - mu
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// rsi computes the standard Wilder RSI over the last period closes.
func rsi(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50
	}
	var gains, losses float64
	for i := len(closes) - period; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	if losses == 0 {
		return 100
	}
	rs := gains / losses
	return 100 - 100/(1+rs)
}

// volumeRatio compares the latest volume to the average of the prior bars.
func volumeRatio(bars []domain.Bar) float64 {
	if len(bars) < 2 {
		return 1
	}
	var total float64
	for _, b := range bars[:len(bars)-1] {
		total += float64(b.Volume)
	}
	avg := total / float64(len(bars)-1)
	if avg == 0 {
		return 1
	}
	return float64(bars[len(bars)-1].Volume) / avg
}
