// Package market loads the bar histories the tuning pipeline searches
// over, either from the Binance REST API or from local CSV exports.
package market

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quantfold/autotune/pkg/series"
)

// Provider loads one symbol's bar history for a time range.
type Provider interface {
	Fetch(ctx context.Context, symbol, interval string, start, end time.Time) (*series.Series, error)
}

// BinanceProvider fetches klines from the Binance REST API with
// client-side rate limiting.
type BinanceProvider struct {
	client  *binance.Client
	limiter *rate.Limiter
}

// NewBinanceProvider creates a provider. Keys may be empty; kline
// endpoints are public.
func NewBinanceProvider(apiKey, secretKey string) *BinanceProvider {
	return &BinanceProvider{
		client: binance.NewClient(apiKey, secretKey),
		// Binance weights klines at 1 per request; 10 req/s stays well
		// under the 1200/min IP budget.
		limiter: rate.NewLimiter(rate.Limit(10), 1),
	}
}

const klineBatchLimit = 1000

// Fetch pages through the klines endpoint until the range is covered.
func (p *BinanceProvider) Fetch(ctx context.Context, symbol, interval string, start, end time.Time) (*series.Series, error) {
	var bars []*series.Bar
	cursor := start.UnixMilli()
	endMS := end.UnixMilli()

	for cursor < endMS {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		klines, err := p.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(cursor).
			EndTime(endMS).
			Limit(klineBatchLimit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch klines for %s: %w", symbol, err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			bar, err := parseKline(k)
			if err != nil {
				return nil, fmt.Errorf("malformed kline for %s at %d: %w", symbol, k.OpenTime, err)
			}
			bars = append(bars, bar)
		}

		next := klines[len(klines)-1].CloseTime + 1
		if next <= cursor {
			break
		}
		cursor = next
	}

	log.Debug().
		Str("symbol", symbol).
		Str("interval", interval).
		Int("bars", len(bars)).
		Msg("Fetched kline history")

	return series.New(symbol, bars), nil
}

func parseKline(k *binance.Kline) (*series.Bar, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return nil, fmt.Errorf("high: %w", err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("low: %w", err)
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("close: %w", err)
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("volume: %w", err)
	}

	return &series.Bar{
		Timestamp: time.UnixMilli(k.OpenTime).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
	}, nil
}
