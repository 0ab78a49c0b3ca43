// Leakage-safe walk-forward segmentation of historical data
package segment

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/autotune/pkg/series"
)

// Config controls walk-forward window generation. All lengths are in bars
// of the common time index.
type Config struct {
	TrainLen   int     `json:"train_len"`
	OOSLen     int     `json:"oos_len"`
	EmbargoLen int     `json:"embargo_len"`
	MinTrain   int     `json:"min_train"`
	MinOOS     int     `json:"min_oos"`
	Presence   float64 `json:"presence"` // common-index presence threshold, default 0.8
}

// Validate checks window lengths for internal consistency.
func (c Config) Validate() error {
	if c.TrainLen <= 0 {
		return fmt.Errorf("train_len must be positive, got %d", c.TrainLen)
	}
	if c.OOSLen <= 0 {
		return fmt.Errorf("oos_len must be positive, got %d", c.OOSLen)
	}
	if c.EmbargoLen < 0 {
		return fmt.Errorf("embargo_len must be non-negative, got %d", c.EmbargoLen)
	}
	if c.MinTrain > c.TrainLen {
		return fmt.Errorf("min_train %d exceeds train_len %d", c.MinTrain, c.TrainLen)
	}
	if c.MinOOS > c.OOSLen {
		return fmt.Errorf("min_oos %d exceeds oos_len %d", c.MinOOS, c.OOSLen)
	}
	return nil
}

// Segment is one train/out-of-sample window pair. The embargo gap between
// TrainEnd and OOSStart prevents leakage from autocorrelated bars.
type Segment struct {
	Index int `json:"index"`

	TrainStart time.Time `json:"train_start"`
	TrainEnd   time.Time `json:"train_end"`
	OOSStart   time.Time `json:"oos_start"`
	OOSEnd     time.Time `json:"oos_end"`

	// Per-series slices for each side of the window.
	Train map[string]*series.Series `json:"-"`
	OOS   map[string]*series.Series `json:"-"`
}

// Generate walks forward through the common index of the given series and
// emits leakage-safe segments: train_len bars of training data, an embargo
// gap of embargo_len bars, then oos_len bars of out-of-sample data. The
// cursor then advances to the end of the OOS window, so the next training
// window ends where the previous OOS window ended.
//
// A segment is emitted only if every series satisfies the minimum bar count
// on both sides after slicing; otherwise it is skipped and the walk
// continues. The result may be empty - callers must treat zero segments as
// a hard failure, not a silent no-op.
func Generate(set []*series.Series, cfg Config) ([]*Segment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid segment config: %w", err)
	}
	for _, s := range set {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}

	presence := cfg.Presence
	if presence == 0 {
		presence = 0.8
	}
	index := series.CommonIndex(set, presence)

	span := cfg.TrainLen + cfg.EmbargoLen + cfg.OOSLen
	if len(index) < span {
		log.Warn().
			Int("index_bars", len(index)).
			Int("required", span).
			Msg("Common index shorter than one walk-forward span")
		return nil, nil
	}

	var segments []*Segment

	// trainEnd is the exclusive end of the current training window.
	trainEnd := cfg.TrainLen
	for {
		oosStart := trainEnd + cfg.EmbargoLen
		oosEnd := oosStart + cfg.OOSLen
		if oosEnd > len(index) {
			break
		}

		seg := &Segment{
			Index:      len(segments),
			TrainStart: index[trainEnd-cfg.TrainLen],
			TrainEnd:   index[trainEnd-1],
			OOSStart:   index[oosStart],
			OOSEnd:     index[oosEnd-1],
			Train:      make(map[string]*series.Series, len(set)),
			OOS:        make(map[string]*series.Series, len(set)),
		}

		ok := true
		for _, s := range set {
			train := s.Slice(seg.TrainStart, seg.TrainEnd)
			oos := s.Slice(seg.OOSStart, seg.OOSEnd)
			if train.Len() < cfg.MinTrain || oos.Len() < cfg.MinOOS {
				log.Debug().
					Str("series", s.Name).
					Int("segment", seg.Index).
					Int("train_bars", train.Len()).
					Int("oos_bars", oos.Len()).
					Msg("Series below minimum bar count, skipping segment")
				ok = false
				break
			}
			seg.Train[s.Name] = train
			seg.OOS[s.Name] = oos
		}

		if ok {
			segments = append(segments, seg)
		}

		trainEnd = oosEnd
	}

	log.Info().
		Int("segments", len(segments)).
		Int("index_bars", len(index)).
		Int("train_len", cfg.TrainLen).
		Int("embargo_len", cfg.EmbargoLen).
		Int("oos_len", cfg.OOSLen).
		Msg("Generated walk-forward segments")

	return segments, nil
}
