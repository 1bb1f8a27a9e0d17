package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"atlas/internal/domain"
)

// Compile-time interface check.
var _ BarStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore using Parquet files on disk, one file
// per symbol and year.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a ParquetStore rooted at the given directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// BarRecord is the Parquet schema for daily bar data.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// WriteBars writes bars grouped by symbol and year. Each write merges with
// the existing file, deduplicating on timestamp with incoming bars winning.
// Layout: <DataDir>/bars/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) WriteBars(_ context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{symbol: b.Symbol, year: b.Timestamp.Year()}
		groups[k] = append(groups[k], BarRecord{
			Symbol:     b.Symbol,
			Timestamp:  b.Timestamp.UnixMilli(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		})
	}

	for k, records := range groups {
		path := s.barPath(k.symbol, k.year)

		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bars for the symbol within [start, end], oldest first.
// Years with no stored file are skipped.
func (s *ParquetStore) ReadBars(_ context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.Year(); year <= end.Year(); year++ {
		records, err := readParquetFile[BarRecord](s.barPath(symbol, year))
		if err != nil {
			continue
		}

		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp)
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol:     r.Symbol,
				Timestamp:  ts,
				Open:       r.Open,
				High:       r.High,
				Low:        r.Low,
				Close:      r.Close,
				Volume:     r.Volume,
				TradeCount: r.TradeCount,
				VWAP:       r.VWAP,
			})
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols with stored bar data, sorted.
func (s *ParquetStore) ListSymbols(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, "bars"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// AverageVolume returns the mean daily volume for the symbol over the last
// lookback stored bars, or 0 if none are stored. The risk manager seeds its
// liquidity cache from this at startup.
func (s *ParquetStore) AverageVolume(ctx context.Context, symbol string, lookback int) (float64, error) {
	end := time.Now().UTC()
	start := end.AddDate(-1, 0, 0)
	bars, err := s.ReadBars(ctx, symbol, start, end)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, nil
	}
	if lookback > 0 && len(bars) > lookback {
		bars = bars[len(bars)-lookback:]
	}
	var total int64
	for _, b := range bars {
		total += b.Volume
	}
	return float64(total) / float64(len(bars)), nil
}

// barPath returns the filesystem path for a bar Parquet file.
func (s *ParquetStore) barPath(symbol string, year int) string {
	return filepath.Join(s.DataDir, "bars", strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}

// mergeBarRecords deduplicates by timestamp, incoming records winning, and
// sorts ascending so stored files stay oldest-first.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	seen := make(map[int64]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
