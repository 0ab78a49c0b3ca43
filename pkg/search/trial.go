package search

import (
	"math"
	"sync"
	"time"
)

// TrialResult records one evaluated parameter set. Every trial is recorded,
// whether it succeeded or failed, so a run can be fully audited and
// reproduced. A TrialResult is immutable once appended to the history.
type TrialResult struct {
	Number     int                `json:"number"`
	Params     ParameterSet       `json:"params"`
	ParamsHash string             `json:"params_hash"`
	Score      float64            `json:"score"`
	Failed     bool               `json:"failed"`
	Skipped    bool               `json:"skipped"` // deduplicated, never evaluated
	Error      string             `json:"error,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Duration   time.Duration      `json:"duration"`
}

// FailedTrial builds the sentinel result for an evaluation failure. Failed
// trials carry a score of negative infinity so they never win.
func FailedTrial(number int, params ParameterSet, err error) TrialResult {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return TrialResult{
		Number:     number,
		Params:     params,
		ParamsHash: params.Hash(),
		Score:      math.Inf(-1),
		Failed:     true,
		Error:      msg,
	}
}

// History is the append-only trial log for one search run. Appends are
// concurrency-safe because trials complete from a worker pool.
type History struct {
	mu     sync.RWMutex
	trials []TrialResult
}

// NewHistory creates an empty trial history.
func NewHistory() *History {
	return &History{}
}

// Append records a completed trial.
func (h *History) Append(t TrialResult) {
	h.mu.Lock()
	h.trials = append(h.trials, t)
	h.mu.Unlock()
}

// Len returns the number of recorded trials.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.trials)
}

// Snapshot returns a copy of all recorded trials.
func (h *History) Snapshot() []TrialResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]TrialResult, len(h.trials))
	copy(out, h.trials)
	return out
}

// Completed returns copies of the trials that produced a usable score.
func (h *History) Completed() []TrialResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]TrialResult, 0, len(h.trials))
	for _, t := range h.trials {
		if !t.Failed && !t.Skipped {
			out = append(out, t)
		}
	}
	return out
}

// Best returns the highest-scoring successful trial, or false when no trial
// succeeded.
func (h *History) Best() (TrialResult, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	best := TrialResult{Score: math.Inf(-1)}
	found := false
	for _, t := range h.trials {
		if t.Failed || t.Skipped {
			continue
		}
		if !found || t.Score > best.Score {
			best = t
			found = true
		}
	}
	return best, found
}
