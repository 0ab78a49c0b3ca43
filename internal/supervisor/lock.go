package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
)

// fileLock is a best-effort single-writer guard: an O_EXCL-created file
// holding the owner pid. It protects against concurrent supervisor
// processes on one host, not against crashes; a stale lock must be removed
// by the operator after verifying the pid is gone.
type fileLock struct {
	path string
}

func acquireLock(path string) (*fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			pid, _ := os.ReadFile(path)
			return nil, fmt.Errorf("rollout lock %s held by pid %s", path, string(pid))
		}
		return nil, fmt.Errorf("failed to acquire rollout lock: %w", err)
	}

	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to close lock file: %w", err)
	}

	return &fileLock{path: path}, nil
}

func (l *fileLock) release() {
	if err := os.Remove(l.path); err != nil {
		log.Warn().Err(err).Str("path", l.path).Msg("Failed to remove rollout lock")
	}
}
