package bundle

import (
	"context"
	"testing"
	"time"

	"github.com/apphub/catalog/internal/store/memstore"
	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	blobs, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return New(memstore.New(), blobs)
}

// fakeObjectStore is an in-memory stand-in for S3Store, used so tests can
// exercise the catalog.ArtifactS3 path without a live s3.Client.
type fakeObjectStore struct {
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: map[string][]byte{}}
}

func (f *fakeObjectStore) Put(_ context.Context, artifactPath string, data []byte) error {
	f.objects[artifactPath] = append([]byte(nil), data...)
	return nil
}

func (f *fakeObjectStore) Get(_ context.Context, artifactPath string) ([]byte, error) {
	data, ok := f.objects[artifactPath]
	if !ok {
		return nil, catalogerr.NotFoundf("object %q not found", artifactPath)
	}
	return data, nil
}

func TestStorePublishAndGetS3Backed(t *testing.T) {
	ctx := context.Background()
	blobs, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	objects := newFakeObjectStore()
	s := New(memstore.New(), blobs, WithS3Store(objects))

	v := &catalog.JobBundleVersion{
		ID: "bv-s3", Slug: "etl-job", Version: "1.0.0",
		Status: catalog.BundlePublished, PublishedAt: time.Now(),
		ArtifactStorage: catalog.ArtifactS3,
	}
	if err := s.Publish(ctx, v, []byte("artifact-bytes"), false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(objects.objects) != 1 {
		t.Fatalf("expected the artifact to land in the object store, got %d objects", len(objects.objects))
	}

	data, got, err := s.Artifact(ctx, "etl-job", "1.0.0")
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	if string(data) != "artifact-bytes" {
		t.Fatalf("Artifact data = %q, want %q", data, "artifact-bytes")
	}
	if got.ArtifactStorage != catalog.ArtifactS3 {
		t.Fatalf("ArtifactStorage = %q, want %q", got.ArtifactStorage, catalog.ArtifactS3)
	}
}

func TestStorePublishRejectsS3WithoutConfiguredStore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v := &catalog.JobBundleVersion{
		ID: "bv-s3-missing", Slug: "etl-job", Version: "1.0.0",
		Status: catalog.BundlePublished, PublishedAt: time.Now(),
		ArtifactStorage: catalog.ArtifactS3,
	}
	err := s.Publish(ctx, v, []byte("artifact-bytes"), false)
	if err == nil {
		t.Fatal("expected Publish to reject s3 storage with no S3Store configured")
	}
	if catalogerr.KindOf(err) != catalogerr.Validation {
		t.Fatalf("expected a validation error, got %v", err)
	}
}

func TestStorePublishAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v := &catalog.JobBundleVersion{ID: "bv-1", Slug: "etl-job", Version: "1.0.0", Status: catalog.BundlePublished, PublishedAt: time.Now()}
	if err := s.Publish(ctx, v, []byte("artifact-bytes"), false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if v.Checksum == "" {
		t.Fatal("expected Publish to populate Checksum")
	}

	got, err := s.Get(ctx, "etl-job", "1.0.0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Checksum != v.Checksum {
		t.Fatalf("Get checksum = %q, want %q", got.Checksum, v.Checksum)
	}

	latest, err := s.Latest(ctx, "etl-job")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Version != "1.0.0" {
		t.Fatalf("Latest version = %q, want 1.0.0", latest.Version)
	}
}

func TestStorePublishRejectsChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v := &catalog.JobBundleVersion{ID: "bv-1", Slug: "etl-job", Version: "1.0.0", Checksum: "sha256:deadbeef"}
	err := s.Publish(ctx, v, []byte("artifact-bytes"), false)
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
	if catalogerr.KindOf(err) != catalogerr.Validation {
		t.Fatalf("KindOf = %v, want Validation", catalogerr.KindOf(err))
	}
}

func TestStorePublishRejectsEmptyArtifact(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	v := &catalog.JobBundleVersion{ID: "bv-1", Slug: "etl-job", Version: "1.0.0"}
	if err := s.Publish(ctx, v, nil, false); err == nil {
		t.Fatal("expected error for empty artifact")
	}
}

func TestStorePublishRejectsOversizedArtifact(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	v := &catalog.JobBundleVersion{ID: "bv-1", Slug: "etl-job", Version: "1.0.0"}
	oversized := make([]byte, MaxArtifactSize+1)
	if err := s.Publish(ctx, v, oversized, false); err == nil {
		t.Fatal("expected error for oversized artifact")
	}
}

func TestStoreArtifactDetectsChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	blobs, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	meta := memstore.New()
	s := New(meta, blobs)

	v := &catalog.JobBundleVersion{ID: "bv-1", Slug: "etl-job", Version: "1.0.0"}
	if err := s.Publish(ctx, v, []byte("original-bytes"), false); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Corrupt the bytes on disk directly, bypassing Publish's checksum path.
	if err := blobs.Put(ArtifactPath("etl-job", "1.0.0"), []byte("tampered-bytes")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, _, err := s.Artifact(ctx, "etl-job", "1.0.0"); err == nil {
		t.Fatal("expected checksum mismatch error from Artifact")
	} else if catalogerr.KindOf(err) != catalogerr.Fatal {
		t.Fatalf("KindOf = %v, want Fatal", catalogerr.KindOf(err))
	}
}

func TestStoreDeprecateInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	v := &catalog.JobBundleVersion{ID: "bv-1", Slug: "etl-job", Version: "1.0.0"}
	if err := s.Publish(ctx, v, []byte("artifact-bytes"), false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := s.Get(ctx, "etl-job", "1.0.0"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := s.Deprecate(ctx, "etl-job", "1.0.0", time.Now()); err != nil {
		t.Fatalf("Deprecate: %v", err)
	}
	got, err := s.Get(ctx, "etl-job", "1.0.0")
	if err != nil {
		t.Fatalf("Get after Deprecate: %v", err)
	}
	if got.Status != catalog.BundleDeprecated {
		t.Fatalf("Status = %v, want BundleDeprecated", got.Status)
	}
}
