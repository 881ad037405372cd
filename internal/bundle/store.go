// Package bundle implements the job bundle artifact store: publishing
// (slug, version) artifacts with checksum verification, resolving a step's
// bundle binding to a runnable executor.JobHandler, and signing short-lived
// download tokens for the artifact-download boundary spec.md §6 describes
// (the HTTP route that serves a download is out of this engine's scope; the
// token issuance/validation logic that route would call is not).
package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/apphub/catalog/internal/store"
	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

// MaxArtifactSize rejects a publish before it ever reaches the blob store.
// It is a fixed 16 MiB, equal to APPHUB_JOB_BUNDLE_MAX_SIZE's default; a
// configured config.BundleConfig.MaxArtifactSize does not change it.
const MaxArtifactSize = 16 * 1024 * 1024

// objectStore is the narrow shape S3Store satisfies, declared locally (the
// same structural-interface convention the rest of this module uses for its
// own collaborators) so tests can substitute a fake object store instead of
// a real S3Store wrapping a live s3.Client.
type objectStore interface {
	Put(ctx context.Context, artifactPath string, data []byte) error
	Get(ctx context.Context, artifactPath string) ([]byte, error)
}

// Store publishes and resolves job bundle versions: metadata lives in
// store.BundleStore, artifact bytes in a LocalStore or, when configured, an
// objectStore (spec §3's "local blob or external object store" backing).
type Store struct {
	meta  store.BundleStore
	blobs *LocalStore
	s3    objectStore
	cache *metadataCache
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithS3Store enables catalog.ArtifactS3 as a publishable backend, routing
// publishes that request it (and reads of already-published S3 versions)
// through s3 instead of the local blob root. Accepts objectStore rather than
// *S3Store so tests can substitute a fake.
func WithS3Store(s3 objectStore) Option {
	return func(st *Store) { st.s3 = s3 }
}

// New builds a Store backed by the given metadata store and local blob
// root.
func New(meta store.BundleStore, blobs *LocalStore, opts ...Option) *Store {
	st := &Store{meta: meta, blobs: blobs, cache: newMetadataCache(30 * time.Second)}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// Publish validates and stores an artifact's bytes, computes its checksum
// if the caller didn't supply one, and records the version's metadata.
// force=true lets a non-immutable version be republished; spec §4.3's
// "force=true replaces" rule is enforced by the underlying
// store.BundleStore.PublishVersion.
func (s *Store) Publish(ctx context.Context, v *catalog.JobBundleVersion, artifact []byte, force bool) error {
	if len(artifact) == 0 {
		return catalogerr.Validationf("bundle artifact must not be empty")
	}
	if len(artifact) > MaxArtifactSize {
		return catalogerr.Validationf("bundle artifact of %d bytes exceeds the %d byte limit", len(artifact), MaxArtifactSize)
	}

	sum := sha256.Sum256(artifact)
	checksum := "sha256:" + hex.EncodeToString(sum[:])
	if v.Checksum == "" {
		v.Checksum = checksum
	} else if v.Checksum != checksum {
		return catalogerr.Validationf("artifact checksum %q does not match computed checksum %q", v.Checksum, checksum)
	}

	if v.ArtifactStorage == "" {
		v.ArtifactStorage = catalog.ArtifactLocal
	}
	v.ArtifactPath = ArtifactPath(v.Slug, v.Version)
	v.ArtifactSize = int64(len(artifact))

	switch v.ArtifactStorage {
	case catalog.ArtifactS3:
		if s.s3 == nil {
			return catalogerr.Validationf("bundle %s@%s requested s3 artifact storage but no S3Store is configured", v.Slug, v.Version)
		}
		if err := s.s3.Put(ctx, v.ArtifactPath, artifact); err != nil {
			return fmt.Errorf("storing bundle artifact: %w", err)
		}
	case catalog.ArtifactLocal:
		if err := s.blobs.Put(v.ArtifactPath, artifact); err != nil {
			return fmt.Errorf("storing bundle artifact: %w", err)
		}
	default:
		return catalogerr.Validationf("bundle %s@%s requested unsupported artifact storage %q", v.Slug, v.Version, v.ArtifactStorage)
	}

	if err := s.meta.PublishVersion(ctx, v, force); err != nil {
		return err
	}
	s.cache.invalidate(v.Slug)
	return nil
}

// Get returns one version's metadata, read-through a short TTL cache.
func (s *Store) Get(ctx context.Context, slug, version string) (*catalog.JobBundleVersion, error) {
	if cached, ok := s.cache.get(slug, version); ok {
		return cached, nil
	}
	v, err := s.meta.GetVersion(ctx, slug, version)
	if err != nil {
		return nil, err
	}
	s.cache.put(v)
	return v, nil
}

// Latest returns the current highest published version for slug, resolved
// fresh from the metadata store every call: "latest" bundle bindings must
// reflect whatever was most recently published, per spec §4.1's "resolve
// bundle binding defaults from the job registry" rule.
func (s *Store) Latest(ctx context.Context, slug string) (*catalog.JobBundleVersion, error) {
	v, err := s.meta.GetLatestVersion(ctx, slug)
	if err != nil {
		return nil, err
	}
	s.cache.put(v)
	return v, nil
}

// Deprecate marks a version deprecated, invalidating any cached copy.
func (s *Store) Deprecate(ctx context.Context, slug, version string, now time.Time) error {
	if err := s.meta.DeprecateVersion(ctx, slug, version, now); err != nil {
		return err
	}
	s.cache.invalidate(slug)
	return nil
}

// Artifact returns one version's verified artifact bytes, re-checking the
// checksum recorded at publish time against what's actually on disk so
// blob-store corruption is never silently served to a handler.
func (s *Store) Artifact(ctx context.Context, slug, version string) ([]byte, *catalog.JobBundleVersion, error) {
	v, err := s.Get(ctx, slug, version)
	if err != nil {
		return nil, nil, err
	}
	var data []byte
	switch v.ArtifactStorage {
	case catalog.ArtifactS3:
		if s.s3 == nil {
			return nil, nil, catalogerr.Fatalf("bundle %s@%s uses s3 artifact storage but no S3Store is configured", slug, version)
		}
		data, err = s.s3.Get(ctx, v.ArtifactPath)
	case catalog.ArtifactLocal:
		data, err = s.blobs.Get(v.ArtifactPath)
	default:
		return nil, nil, catalogerr.Fatalf("bundle %s@%s uses unsupported artifact storage %q", slug, version, v.ArtifactStorage)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading bundle artifact: %w", err)
	}
	sum := sha256.Sum256(data)
	checksum := "sha256:" + hex.EncodeToString(sum[:])
	if checksum != v.Checksum {
		return nil, nil, catalogerr.Fatalf("bundle %s@%s artifact checksum mismatch: expected %q, got %q", slug, version, v.Checksum, checksum)
	}
	return data, v, nil
}
