package segment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/autotune/pkg/series"
)

func hourly(name string, n int) *series.Series {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]*series.Bar, n)
	for i := range bars {
		price := 100 + float64(i)
		bars[i] = &series.Bar{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      price, High: price, Low: price, Close: price,
			Volume: 1,
		}
	}
	return series.New(name, bars)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{TrainLen: 100, OOSLen: 30, EmbargoLen: 5}, false},
		{"zero train", Config{TrainLen: 0, OOSLen: 30}, true},
		{"zero oos", Config{TrainLen: 100, OOSLen: 0}, true},
		{"negative embargo", Config{TrainLen: 100, OOSLen: 30, EmbargoLen: -1}, true},
		{"min train above train", Config{TrainLen: 100, OOSLen: 30, MinTrain: 101}, true},
		{"min oos above oos", Config{TrainLen: 100, OOSLen: 30, MinOOS: 31}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// 200 bars with train=100, embargo=5, oos=30 yield exactly two segments:
// the first OOS window covers bars 105..134, the second trains up to bar
// 134 and covers 140..169. A third window would need bar 204.
func TestGenerateWindowArithmetic(t *testing.T) {
	set := []*series.Series{hourly("A", 200)}
	cfg := Config{TrainLen: 100, OOSLen: 30, EmbargoLen: 5}

	segments, err := Generate(set, cfg)
	require.NoError(t, err)
	require.Len(t, segments, 2)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(i int) time.Time { return base.Add(time.Duration(i) * time.Hour) }

	first := segments[0]
	assert.Equal(t, at(0), first.TrainStart)
	assert.Equal(t, at(99), first.TrainEnd)
	assert.Equal(t, at(105), first.OOSStart)
	assert.Equal(t, at(134), first.OOSEnd)
	assert.Equal(t, 100, first.Train["A"].Len())
	assert.Equal(t, 30, first.OOS["A"].Len())

	second := segments[1]
	assert.Equal(t, at(35), second.TrainStart)
	assert.Equal(t, at(134), second.TrainEnd)
	assert.Equal(t, at(140), second.OOSStart)
	assert.Equal(t, at(169), second.OOSEnd)
}

func TestGenerateEmbargoGap(t *testing.T) {
	set := []*series.Series{hourly("A", 200)}
	segments, err := Generate(set, Config{TrainLen: 100, OOSLen: 30, EmbargoLen: 5})
	require.NoError(t, err)

	for _, seg := range segments {
		gap := seg.OOSStart.Sub(seg.TrainEnd)
		assert.Equal(t, 6*time.Hour, gap, "embargo leaves 5 bars between train end and OOS start")
	}
}

func TestGenerateOOSWindowsNeverOverlap(t *testing.T) {
	set := []*series.Series{hourly("A", 500)}
	segments, err := Generate(set, Config{TrainLen: 100, OOSLen: 30, EmbargoLen: 5})
	require.NoError(t, err)
	require.Greater(t, len(segments), 1)

	for i := 1; i < len(segments); i++ {
		assert.True(t, segments[i].OOSStart.After(segments[i-1].OOSEnd),
			"OOS windows must be disjoint")
	}
}

func TestGenerateTooShortIndex(t *testing.T) {
	set := []*series.Series{hourly("A", 50)}
	segments, err := Generate(set, Config{TrainLen: 100, OOSLen: 30, EmbargoLen: 5})
	require.NoError(t, err)
	assert.Empty(t, segments)
}

func TestGenerateSkipsSegmentBelowMinimums(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	full := hourly("A", 200)

	// B has a large hole over the first OOS window.
	var bars []*series.Bar
	for i := 0; i < 200; i++ {
		if i >= 105 && i < 130 {
			continue
		}
		price := 100.0
		bars = append(bars, &series.Bar{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      price, High: price, Low: price, Close: price,
			Volume: 1,
		})
	}
	holed := series.New("B", bars)

	cfg := Config{TrainLen: 100, OOSLen: 30, EmbargoLen: 5, MinTrain: 50, MinOOS: 20, Presence: 0.5}
	segments, err := Generate([]*series.Series{full, holed}, cfg)
	require.NoError(t, err)

	// The first segment is dropped (B has only 5 OOS bars), the walk
	// continues and emits the second.
	require.Len(t, segments, 1)
	assert.Equal(t, 0, segments[0].Index)
	assert.True(t, segments[0].OOSStart.After(base.Add(134*time.Hour)))
}

func TestGenerateRejectsCorruptSeries(t *testing.T) {
	bad := &series.Series{Name: "X", Bars: []*series.Bar{
		{Timestamp: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)},
		{Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}}

	_, err := Generate([]*series.Series{bad}, Config{TrainLen: 1, OOSLen: 1})
	assert.Error(t, err)
}
