package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// artifactPathPattern is the only shape of ArtifactPath the local blob store
// accepts: "<slug>/<version>/artifact.bin", relative to Root. Rejecting
// anything else keeps a malformed or tampered-with path from ever being
// joined onto Root and read outside it.
const artifactPathPattern = "*/*/artifact.bin"

// LocalStore reads and writes bundle artifact bytes under a single root
// directory, one file per (slug, version).
type LocalStore struct {
	root string
}

// NewLocalStore returns a LocalStore rooted at dir, creating it if absent.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating bundle blob root %q: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving bundle blob root %q: %w", dir, err)
	}
	return &LocalStore{root: abs}, nil
}

// ArtifactPath returns the store-relative path PublishVersion/Load exchange
// through JobBundleVersion.ArtifactPath.
func ArtifactPath(slug, version string) string {
	return filepath.ToSlash(filepath.Join(slug, version, "artifact.bin"))
}

func (s *LocalStore) validate(artifactPath string) (string, error) {
	matched, err := doublestar.Match(artifactPathPattern, artifactPath)
	if err != nil {
		return "", fmt.Errorf("matching artifact path %q: %w", artifactPath, err)
	}
	if !matched {
		return "", fmt.Errorf("artifact path %q does not match the expected <slug>/<version>/artifact.bin shape", artifactPath)
	}
	full := filepath.Join(s.root, filepath.FromSlash(artifactPath))
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes blob root", artifactPath)
	}
	return full, nil
}

// Put writes data to the file addressed by artifactPath, creating parent
// directories as needed.
func (s *LocalStore) Put(artifactPath string, data []byte) error {
	full, err := s.validate(artifactPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("writing artifact %q: %w", artifactPath, err)
	}
	return nil
}

// Get reads the bytes addressed by artifactPath.
func (s *LocalStore) Get(artifactPath string) ([]byte, error) {
	full, err := s.validate(artifactPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("reading artifact %q: %w", artifactPath, err)
	}
	return data, nil
}

// Root returns the directory Put/Get operate under, for wiring an
// fsnotify.Watcher onto the same tree the cache invalidates against.
func (s *LocalStore) Root() string { return s.root }
