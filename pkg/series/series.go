// Time-indexed series primitives shared by the segmentation and evaluation layers
package series

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Bar is a single OHLCV observation.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Series is an ordered sequence of bars for one instrument.
type Series struct {
	Name string `json:"name"`
	Bars []*Bar `json:"bars"`
}

// New creates a series, sorting bars by timestamp and collapsing duplicate
// timestamps keeping the first occurrence.
func New(name string, bars []*Bar) *Series {
	sorted := make([]*Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	deduped := sorted[:0]
	var last time.Time
	for i, bar := range sorted {
		if i > 0 && bar.Timestamp.Equal(last) {
			continue
		}
		deduped = append(deduped, bar)
		last = bar.Timestamp
	}

	return &Series{Name: name, Bars: deduped}
}

// Len returns the number of bars.
func (s *Series) Len() int {
	return len(s.Bars)
}

// Start returns the timestamp of the first bar.
func (s *Series) Start() time.Time {
	if len(s.Bars) == 0 {
		return time.Time{}
	}
	return s.Bars[0].Timestamp
}

// End returns the timestamp of the last bar.
func (s *Series) End() time.Time {
	if len(s.Bars) == 0 {
		return time.Time{}
	}
	return s.Bars[len(s.Bars)-1].Timestamp
}

// Slice returns the bars with start <= timestamp <= end as a new series.
// Duplicate timestamps are collapsed keeping the first occurrence.
func (s *Series) Slice(start, end time.Time) *Series {
	out := &Series{Name: s.Name}

	var last time.Time
	for _, bar := range s.Bars {
		if bar.Timestamp.Before(start) || bar.Timestamp.After(end) {
			continue
		}
		if len(out.Bars) > 0 && bar.Timestamp.Equal(last) {
			continue
		}
		out.Bars = append(out.Bars, bar)
		last = bar.Timestamp
	}

	return out
}

// Closes returns the close prices in order.
func (s *Series) Closes() []float64 {
	closes := make([]float64, len(s.Bars))
	for i, bar := range s.Bars {
		closes[i] = bar.Close
	}
	return closes
}

// Validate checks timestamp ordering. Equal timestamps are rejected because
// New and Slice collapse them; out-of-order bars indicate corrupt input.
func (s *Series) Validate() error {
	for i := 1; i < len(s.Bars); i++ {
		if !s.Bars[i].Timestamp.After(s.Bars[i-1].Timestamp) {
			return fmt.Errorf("series %s: timestamp ordering violated at index %d (%s <= %s)",
				s.Name, i, s.Bars[i].Timestamp.Format(time.RFC3339), s.Bars[i-1].Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}

// CommonIndex builds a shared time index across series using a presence
// threshold: a timestamp is included when at least presence (0..1] of the
// series carry a bar at it. This tolerates per-series gaps without
// collapsing to a strict intersection.
func CommonIndex(set []*Series, presence float64) []time.Time {
	if len(set) == 0 {
		return nil
	}
	if presence <= 0 || presence > 1 {
		presence = 1
	}

	counts := make(map[int64]int)
	for _, s := range set {
		for _, bar := range s.Bars {
			counts[bar.Timestamp.UnixNano()]++
		}
	}

	required := int(math.Ceil(presence * float64(len(set))))
	if required < 1 {
		required = 1
	}

	index := make([]time.Time, 0, len(counts))
	for ns, n := range counts {
		if n >= required {
			index = append(index, time.Unix(0, ns).UTC())
		}
	}
	sort.Slice(index, func(i, j int) bool { return index[i].Before(index[j]) })

	return index
}
