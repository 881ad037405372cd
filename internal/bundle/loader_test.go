package bundle

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"github.com/apphub/catalog/internal/executor"
	"github.com/apphub/catalog/pkg/catalog"
)

const echoScript = "#!/bin/sh\ncat\n"

func publishEchoBundle(t *testing.T, s *Store, slug, version string, args []string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("subprocess handler test requires a POSIX shell")
	}
	manifest, err := json.Marshal(Manifest{Args: args})
	if err != nil {
		t.Fatalf("marshaling manifest: %v", err)
	}
	v := &catalog.JobBundleVersion{
		ID:       "bv-" + slug + "-" + version,
		Slug:     slug,
		Version:  version,
		Manifest: manifest,
		Status:   catalog.BundlePublished,
	}
	if err := s.Publish(context.Background(), v, []byte(echoScript), false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestLoaderLoadResolvesPinnedVersion(t *testing.T) {
	s := newTestStore(t)
	publishEchoBundle(t, s, "etl-job", "1.0.0", nil)
	publishEchoBundle(t, s, "etl-job", "2.0.0", nil)

	loader := NewLoader(s)
	handler, err := loader.Load(context.Background(), "etl-job", "1.0.0")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if handler == nil {
		t.Fatal("expected non-nil handler")
	}
}

func TestLoaderLoadResolvesLatestWhenVersionEmpty(t *testing.T) {
	s := newTestStore(t)
	publishEchoBundle(t, s, "etl-job", "1.0.0", nil)
	publishEchoBundle(t, s, "etl-job", "2.0.0", nil)

	loader := NewLoader(s)
	if _, err := loader.Load(context.Background(), "etl-job", ""); err != nil {
		t.Fatalf("Load with empty version: %v", err)
	}
}

func TestLoaderLoadUnknownBundleFails(t *testing.T) {
	s := newTestStore(t)
	loader := NewLoader(s)
	if _, err := loader.Load(context.Background(), "missing-job", "1.0.0"); err == nil {
		t.Fatal("expected error for unknown bundle")
	}
}

func TestSubprocessHandlerExecuteEchoesStdin(t *testing.T) {
	s := newTestStore(t)
	publishEchoBundle(t, s, "etl-job", "1.0.0", nil)

	loader := NewLoader(s)
	handler, err := loader.Load(context.Background(), "etl-job", "1.0.0")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var heartbeats int
	stepCtx := &executor.StepContext{
		Parameters:   json.RawMessage(`{"x":1}`),
		Context:      json.RawMessage(`{}`),
		AttemptToken: "attempt-1",
		Heartbeat:    func() { heartbeats++ },
		Log:          func(level, message string) {},
	}

	out, err := handler.Execute(context.Background(), stepCtx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var got struct {
		Parameters   json.RawMessage `json:"parameters"`
		AttemptToken string          `json:"attemptToken"`
	}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshaling handler output %s: %v", out, err)
	}
	if got.AttemptToken != "attempt-1" {
		t.Fatalf("AttemptToken = %q, want attempt-1", got.AttemptToken)
	}
	if string(got.Parameters) != `{"x":1}` {
		t.Fatalf("Parameters = %s, want {\"x\":1}", got.Parameters)
	}
}

func TestSubprocessHandlerExecuteSurfacesNonZeroExit(t *testing.T) {
	s := newTestStore(t)
	if runtime.GOOS == "windows" {
		t.Skip("subprocess handler test requires a POSIX shell")
	}
	script := "#!/bin/sh\necho 'boom' >&2\nexit 1\n"
	manifest, _ := json.Marshal(Manifest{})
	v := &catalog.JobBundleVersion{ID: "bv-failing", Slug: "failing-job", Version: "1.0.0", Manifest: manifest}
	if err := s.Publish(context.Background(), v, []byte(script), false); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	loader := NewLoader(s)
	handler, err := loader.Load(context.Background(), "failing-job", "1.0.0")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var logged []string
	stepCtx := &executor.StepContext{
		Parameters:   json.RawMessage(`{}`),
		Context:      json.RawMessage(`{}`),
		AttemptToken: "attempt-1",
		Heartbeat:    func() {},
		Log:          func(level, message string) { logged = append(logged, message) },
	}

	if _, err := handler.Execute(context.Background(), stepCtx); err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if len(logged) == 0 {
		t.Fatal("expected stderr to be routed through Log")
	}
}

func TestSubprocessHandlerExecuteRejectsNonJSONOutput(t *testing.T) {
	s := newTestStore(t)
	if runtime.GOOS == "windows" {
		t.Skip("subprocess handler test requires a POSIX shell")
	}
	script := "#!/bin/sh\necho 'not json'\n"
	manifest, _ := json.Marshal(Manifest{})
	v := &catalog.JobBundleVersion{ID: "bv-badout", Slug: "badout-job", Version: "1.0.0", Manifest: manifest}
	if err := s.Publish(context.Background(), v, []byte(script), false); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	loader := NewLoader(s)
	handler, err := loader.Load(context.Background(), "badout-job", "1.0.0")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	stepCtx := &executor.StepContext{
		Parameters:   json.RawMessage(`{}`),
		Context:      json.RawMessage(`{}`),
		AttemptToken: "attempt-1",
		Heartbeat:    func() {},
		Log:          func(level, message string) {},
	}
	if _, err := handler.Execute(context.Background(), stepCtx); err == nil {
		t.Fatal("expected error for non-JSON stdout")
	}
}

func TestSubprocessHandlerHeartbeatGoroutineStartsAndStops(t *testing.T) {
	s := newTestStore(t)
	if runtime.GOOS == "windows" {
		t.Skip("subprocess handler test requires a POSIX shell")
	}
	script := "#!/bin/sh\nsleep 0.05\ncat\n"
	manifest, _ := json.Marshal(Manifest{})
	v := &catalog.JobBundleVersion{ID: "bv-slow", Slug: "slow-job", Version: "1.0.0", Manifest: manifest}
	if err := s.Publish(context.Background(), v, []byte(script), false); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	loader := NewLoader(s)
	handler, err := loader.Load(context.Background(), "slow-job", "1.0.0")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	h := handler.(*subprocessHandler)
	stop := h.heartbeatDuringRun(&executor.StepContext{Heartbeat: func() {}})
	time.Sleep(5 * time.Millisecond)
	stop()
}
