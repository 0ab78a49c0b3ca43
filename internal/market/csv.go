package market

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/autotune/pkg/series"
)

// CSVProvider loads bar histories from local CSV exports, one file per
// symbol named <SYMBOL>.csv with a timestamp,open,high,low,close,volume
// header. Timestamps are RFC 3339 or Unix milliseconds.
type CSVProvider struct {
	dir string
}

// NewCSVProvider creates a provider rooted at dir.
func NewCSVProvider(dir string) *CSVProvider {
	return &CSVProvider{dir: dir}
}

// Fetch reads the symbol's file and filters bars to [start, end). The
// interval argument is ignored; the file defines the bar spacing.
func (p *CSVProvider) Fetch(ctx context.Context, symbol, interval string, start, end time.Time) (*series.Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(p.dir, symbol+".csv")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bar file for %s: %w", symbol, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	if len(header) != 6 || header[0] != "timestamp" {
		return nil, fmt.Errorf("unexpected header in %s: %v", path, header)
	}

	var bars []*series.Bar
	for line := 2; ; line++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s line %d: %w", path, line, err)
		}

		ts, err := parseTimestamp(record[0])
		if err != nil {
			return nil, fmt.Errorf("bad timestamp in %s line %d: %w", path, line, err)
		}
		if ts.Before(start) || !ts.Before(end) {
			continue
		}

		vals := make([]float64, 5)
		for i, field := range record[1:] {
			vals[i], err = strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("bad value in %s line %d: %w", path, line, err)
			}
		}

		bars = append(bars, &series.Bar{
			Timestamp: ts,
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
		})
	}

	log.Debug().Str("symbol", symbol).Int("bars", len(bars)).Str("path", path).Msg("Loaded bar file")

	return series.New(symbol, bars), nil
}

func parseTimestamp(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
