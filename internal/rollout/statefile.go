package rollout

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LoadState reads the rollout state document. A missing file yields a
// fresh empty state, so the first supervisor cycle bootstraps cleanly.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(), nil
		}
		return nil, fmt.Errorf("rollout: read state file: %w", err)
	}

	state := NewState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("rollout: parse state file: %w", err)
	}
	if state.Candidates == nil {
		state.Candidates = map[string]*Candidate{}
	}
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("rollout: persisted state violates invariants: %w", err)
	}
	return state, nil
}

// SaveState rewrites the state document atomically (write-to-temp then
// rename) so a crash mid-write never corrupts durable state.
func SaveState(path string, state *State) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("rollout: refusing to persist invalid state: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("rollout: marshal state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("rollout: create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("rollout: create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("rollout: write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("rollout: sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("rollout: close state: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("rollout: chmod state: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rollout: replace state file: %w", err)
	}
	return nil
}
