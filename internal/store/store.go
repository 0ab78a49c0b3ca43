// Durable, versioned, rollback-capable configuration storage
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// SchemaVersion is the current configuration document schema version.
const SchemaVersion = "1.0.0"

// SupportedSchemaVersions lists schema versions a deploy will accept.
var SupportedSchemaVersions = []string{"1.0.0"}

const versionFormat = "20060102_150405"

var (
	// ErrVersionNotFound is returned for unknown version ids.
	ErrVersionNotFound = errors.New("store: version not found")
	// ErrVersionExists is returned when a save collides with an existing
	// version id. Version ids are UTC timestamps with second precision and
	// the store is single-writer, so this indicates two saves within the
	// same second.
	ErrVersionExists = errors.New("store: version already exists")
	// ErrNoVersions is returned when an operation needs at least one
	// persisted version.
	ErrNoVersions = errors.New("store: no versions")
)

// Metadata is the evaluation record persisted next to every configuration
// document.
type Metadata struct {
	Version       string                 `yaml:"version"`
	SchemaVersion string                 `yaml:"schema_version"`
	CreatedAt     time.Time              `yaml:"created_at"`
	CandidateID   string                 `yaml:"candidate_id,omitempty"`
	Description   string                 `yaml:"description,omitempty"`
	Scores        map[string]float64     `yaml:"scores,omitempty"`
	Overrides     map[string]interface{} `yaml:"overrides,omitempty"`
}

// Store persists configuration versions on the filesystem. Every write is
// atomic (write-to-temp then rename) so a crash never leaves a half-written
// artifact or pointer. Artifacts are immutable once written and removed
// only by Prune.
type Store struct {
	dir      string // version artifacts and the current pointer
	livePath string // the live configuration document
}

// New creates a store rooted at dir managing the live document at livePath.
func New(dir, livePath string) (*Store, error) {
	if dir == "" || livePath == "" {
		return nil, fmt.Errorf("store: dir and live path are required")
	}
	for _, d := range []string{dir, filepath.Join(dir, "backups"), filepath.Dir(livePath)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", d, err)
		}
	}
	return &Store{dir: dir, livePath: livePath}, nil
}

func (s *Store) configPath(version string) string {
	return filepath.Join(s.dir, "config_"+version+".yaml")
}

func (s *Store) metaPath(version string) string {
	return filepath.Join(s.dir, "meta_"+version+".yaml")
}

func (s *Store) pointerPath() string {
	return filepath.Join(s.dir, "current.yaml")
}

// Save persists a configuration document and its metadata as a new version
// named by the current UTC time with second precision. Both files are
// written atomically; the version id is returned.
func (s *Store) Save(doc []byte, meta *Metadata) (string, error) {
	version := time.Now().UTC().Format(versionFormat)
	if _, err := os.Stat(s.configPath(version)); err == nil {
		return "", fmt.Errorf("%w: %s", ErrVersionExists, version)
	}

	if meta == nil {
		meta = &Metadata{}
	}
	meta.Version = version
	meta.CreatedAt = time.Now().UTC()
	if meta.SchemaVersion == "" {
		meta.SchemaVersion = SchemaVersion
	}

	metaBytes, err := yaml.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("store: marshal metadata: %w", err)
	}

	if err := writeFileAtomic(s.configPath(version), doc); err != nil {
		return "", fmt.Errorf("store: write config: %w", err)
	}
	if err := writeFileAtomic(s.metaPath(version), metaBytes); err != nil {
		// Keep the pair consistent: remove the orphaned document.
		_ = os.Remove(s.configPath(version))
		return "", fmt.Errorf("store: write metadata: %w", err)
	}

	log.Info().
		Str("version", version).
		Str("candidate_id", meta.CandidateID).
		Msg("Saved config version")

	return version, nil
}

// ListVersions returns all persisted version ids in ascending order.
func (s *Store) ListVersions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("store: read dir: %w", err)
	}

	var versions []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "config_") && strings.HasSuffix(name, ".yaml") {
			versions = append(versions, strings.TrimSuffix(strings.TrimPrefix(name, "config_"), ".yaml"))
		}
	}
	sort.Strings(versions)
	return versions, nil
}

// Latest returns the most recent version id.
func (s *Store) Latest() (string, error) {
	versions, err := s.ListVersions()
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", ErrNoVersions
	}
	return versions[len(versions)-1], nil
}

// ReadVersion returns the persisted document and metadata of a version.
func (s *Store) ReadVersion(version string) ([]byte, *Metadata, error) {
	doc, err := os.ReadFile(s.configPath(version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrVersionNotFound, version)
		}
		return nil, nil, fmt.Errorf("store: read config: %w", err)
	}

	metaBytes, err := os.ReadFile(s.metaPath(version))
	if err != nil {
		return nil, nil, fmt.Errorf("store: read metadata: %w", err)
	}
	var meta Metadata
	if err := yaml.Unmarshal(metaBytes, &meta); err != nil {
		return nil, nil, fmt.Errorf("store: parse metadata: %w", err)
	}

	return doc, &meta, nil
}

// ReadLive returns the live configuration document.
func (s *Store) ReadLive() ([]byte, error) {
	return os.ReadFile(s.livePath)
}

// Current returns the version id named by the current pointer, or empty
// when nothing has been deployed yet.
func (s *Store) Current() (string, error) {
	data, err := os.ReadFile(s.pointerPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("store: read pointer: %w", err)
	}
	var ptr struct {
		Version    string    `yaml:"version"`
		DeployedAt time.Time `yaml:"deployed_at"`
	}
	if err := yaml.Unmarshal(data, &ptr); err != nil {
		return "", fmt.Errorf("store: parse pointer: %w", err)
	}
	return ptr.Version, nil
}

// Validate performs the structural check a deploy requires: the document
// must be a non-empty YAML mapping and its schema version (from metadata)
// must be supported.
func (s *Store) Validate(version string) error {
	doc, meta, err := s.ReadVersion(version)
	if err != nil {
		return err
	}

	var root map[string]interface{}
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return fmt.Errorf("store: config %s is not valid YAML: %w", version, err)
	}
	if len(root) == 0 {
		return fmt.Errorf("store: config %s is empty", version)
	}

	if meta.SchemaVersion == "" {
		return fmt.Errorf("store: config %s has no schema version", version)
	}
	v, err := semver.NewVersion(meta.SchemaVersion)
	if err != nil {
		return fmt.Errorf("store: config %s has invalid schema version %q", version, meta.SchemaVersion)
	}
	for _, supported := range SupportedSchemaVersions {
		sv, err := semver.NewVersion(supported)
		if err != nil {
			continue
		}
		if v.Major() == sv.Major() {
			return nil
		}
	}
	return fmt.Errorf("store: config %s schema version %s is not supported (supported: %s)",
		version, meta.SchemaVersion, strings.Join(SupportedSchemaVersions, ", "))
}

// Deploy validates a version, optionally snapshots the current live
// document, atomically replaces the live document and then updates the
// current pointer. A failed validation leaves the live document untouched.
func (s *Store) Deploy(version string, backup bool) error {
	if err := s.Validate(version); err != nil {
		return err
	}

	doc, _, err := s.ReadVersion(version)
	if err != nil {
		return err
	}

	if backup {
		if live, err := os.ReadFile(s.livePath); err == nil {
			name := fmt.Sprintf("live_%s.yaml", time.Now().UTC().Format(versionFormat))
			if err := writeFileAtomic(filepath.Join(s.dir, "backups", name), live); err != nil {
				return fmt.Errorf("store: backup live config: %w", err)
			}
		}
	}

	if err := writeFileAtomic(s.livePath, doc); err != nil {
		return fmt.Errorf("store: replace live config: %w", err)
	}

	ptr, err := yaml.Marshal(map[string]interface{}{
		"version":     version,
		"deployed_at": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("store: marshal pointer: %w", err)
	}
	if err := writeFileAtomic(s.pointerPath(), ptr); err != nil {
		return fmt.Errorf("store: update pointer: %w", err)
	}

	log.Info().Str("version", version).Bool("backup", backup).Msg("Deployed config version")
	return nil
}

// Rollback deploys a previously persisted version. The id "latest" resolves
// to the most recent version.
func (s *Store) Rollback(version string) error {
	if version == "" || version == "latest" {
		latest, err := s.Latest()
		if err != nil {
			return err
		}
		version = latest
	}
	if err := s.Deploy(version, true); err != nil {
		return err
	}
	log.Info().Str("version", version).Msg("Rolled back to config version")
	return nil
}

// Prune deletes the oldest versions beyond maxVersions, removing config and
// metadata files as a pair. The deployed version is never pruned.
func (s *Store) Prune(maxVersions int) error {
	if maxVersions <= 0 {
		return nil
	}
	versions, err := s.ListVersions()
	if err != nil {
		return err
	}
	if len(versions) <= maxVersions {
		return nil
	}

	current, err := s.Current()
	if err != nil {
		return err
	}

	for _, v := range versions[:len(versions)-maxVersions] {
		if v == current {
			continue
		}
		if err := os.Remove(s.configPath(v)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("store: prune config %s: %w", v, err)
		}
		if err := os.Remove(s.metaPath(v)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("store: prune metadata %s: %w", v, err)
		}
		log.Debug().Str("version", v).Msg("Pruned config version")
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op on the success path; cleans up on failures.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
