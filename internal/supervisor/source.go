package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quantfold/autotune/internal/rollout"
)

// FileMetricsSource reads observed metrics from a directory the decision
// process writes into, one <candidate-id>.json file per tracked
// configuration.
type FileMetricsSource struct {
	dir string
}

// NewFileMetricsSource creates a source rooted at dir.
func NewFileMetricsSource(dir string) *FileMetricsSource {
	return &FileMetricsSource{dir: dir}
}

// Snapshot loads the candidate's observed metrics. A missing file means no
// observations have been reported yet.
func (s *FileMetricsSource) Snapshot(ctx context.Context, candidateID string) (*rollout.MetricsSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(s.dir, candidateID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("no observations for %s: %w", candidateID, err)
	}

	var snap rollout.MetricsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("malformed observation file %s: %w", path, err)
	}
	return &snap, nil
}
