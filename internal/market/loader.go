package market

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/autotune/pkg/series"
)

// Loader fetches the configured symbols' recent history through a
// provider.
type Loader struct {
	provider Provider
	symbols  []string
	interval string
	lookback int // bars
}

// NewLoader creates a loader.
func NewLoader(provider Provider, symbols []string, interval string, lookback int) *Loader {
	return &Loader{provider: provider, symbols: symbols, interval: interval, lookback: lookback}
}

// Load fetches lookback bars of history for every symbol, ending now.
func (l *Loader) Load(ctx context.Context) ([]*series.Series, error) {
	barDur, err := IntervalDuration(l.interval)
	if err != nil {
		return nil, err
	}

	end := time.Now().UTC()
	start := end.Add(-time.Duration(l.lookback) * barDur)

	set := make([]*series.Series, 0, len(l.symbols))
	for _, symbol := range l.symbols {
		s, err := l.provider.Fetch(ctx, symbol, l.interval, start, end)
		if err != nil {
			return nil, err
		}
		if s.Len() == 0 {
			return nil, fmt.Errorf("no bars for %s in the last %d intervals", symbol, l.lookback)
		}
		set = append(set, s)
	}

	log.Info().
		Int("symbols", len(set)).
		Str("interval", l.interval).
		Time("start", start).
		Time("end", end).
		Msg("Loaded bar histories")

	return set, nil
}

// IntervalDuration parses exchange-style interval strings like "15m",
// "1h", "4h", "1d".
func IntervalDuration(interval string) (time.Duration, error) {
	if interval == "" {
		return 0, fmt.Errorf("empty interval")
	}

	unit := interval[len(interval)-1]
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}

	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
}
