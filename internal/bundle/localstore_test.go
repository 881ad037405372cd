package bundle

import (
	"path/filepath"
	"testing"
)

func TestLocalStorePutGetRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	path := ArtifactPath("etl-job", "1.0.0")
	if err := store.Put(path, []byte("binary-bytes")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := store.Get(path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "binary-bytes" {
		t.Fatalf("got %q, want %q", data, "binary-bytes")
	}
}

func TestLocalStoreRejectsPathEscape(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	for _, bad := range []string{
		"../../etc/passwd",
		"etl-job/../../../etc/passwd",
		"etl-job/1.0.0/../../../artifact.bin",
		"etl-job/artifact.bin",
	} {
		if err := store.Put(bad, []byte("x")); err == nil {
			t.Errorf("Put(%q): expected error, got nil", bad)
		}
	}
}

func TestLocalStoreGetMissingFile(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	if _, err := store.Get(ArtifactPath("missing", "1.0.0")); err == nil {
		t.Fatal("expected error for missing artifact")
	}
}

func TestLocalStoreRoot(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		t.Fatalf("filepath.Abs: %v", err)
	}
	if store.Root() != abs {
		t.Fatalf("Root() = %q, want %q", store.Root(), abs)
	}
}
