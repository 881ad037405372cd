package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/apphub/catalog/internal/executor"
)

// Loader resolves a step's bundle:slug@version binding to a runnable
// executor.JobHandler, satisfying executor.BundleLoader. A call with
// version == "" is resolved against the metadata store's current highest
// published version at the time of that call. internal/executor only calls
// Load with a concrete version: the one in the step binding, or the one
// orchestrator.CreateRun wrote into the step's Input at run creation.
type Loader struct {
	store *Store
}

// NewLoader wraps store as an executor.BundleLoader.
func NewLoader(store *Store) *Loader { return &Loader{store: store} }

var _ executor.BundleLoader = (*Loader)(nil)

func (l *Loader) Load(ctx context.Context, slug, version string) (executor.JobHandler, error) {
	data, manifestJSON, err := l.resolve(ctx, slug, version)
	if err != nil {
		return nil, err
	}
	manifest, err := parseManifest(manifestJSON)
	if err != nil {
		return nil, fmt.Errorf("bundle %s@%s: %w", slug, version, err)
	}
	return &subprocessHandler{slug: slug, version: version, args: manifest.Args, artifact: data}, nil
}

func (l *Loader) resolve(ctx context.Context, slug, version string) ([]byte, json.RawMessage, error) {
	if version == "" {
		latest, err := l.store.Latest(ctx, slug)
		if err != nil {
			return nil, nil, err
		}
		version = latest.Version
	}
	data, v, err := l.store.Artifact(ctx, slug, version)
	if err != nil {
		return nil, nil, err
	}
	return data, v.Manifest, nil
}

// subprocessHandler runs a bundle's verified artifact bytes as a child
// process: the artifact itself is the executable, written to a temp file
// for the duration of one attempt and invoked with {parameters, context,
// attemptToken} fed as a JSON document on stdin. Grounded on the teacher's
// internal/action/shell.ShellConnector, which runs an operator-declared
// command via os/exec and captures stdout/stderr into the result.
type subprocessHandler struct {
	slug, version string
	args          []string
	artifact      []byte
}

type subprocessInput struct {
	Parameters   json.RawMessage `json:"parameters"`
	Context      json.RawMessage `json:"context"`
	AttemptToken string          `json:"attemptToken"`
}

func (h *subprocessHandler) Execute(ctx context.Context, stepCtx *executor.StepContext) (json.RawMessage, error) {
	binary, err := h.writeExecutable()
	if err != nil {
		return nil, fmt.Errorf("staging bundle %s@%s: %w", h.slug, h.version, err)
	}
	defer os.Remove(binary)

	input, err := json.Marshal(subprocessInput{
		Parameters:   stepCtx.Parameters,
		Context:      stepCtx.Context,
		AttemptToken: stepCtx.AttemptToken,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling bundle handler input: %w", err)
	}

	cmd := exec.CommandContext(ctx, binary, h.args...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(), "ATTEMPT_TOKEN="+stepCtx.AttemptToken)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	stop := h.heartbeatDuringRun(stepCtx)
	defer stop()

	if err := cmd.Run(); err != nil {
		for _, line := range strings.Split(strings.TrimSpace(stderr.String()), "\n") {
			if line != "" {
				stepCtx.Log("error", line)
			}
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("bundle %s@%s handler exited with error: %s", h.slug, h.version, msg)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, nil
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("bundle %s@%s handler produced non-JSON output", h.slug, h.version)
	}
	return json.RawMessage(out), nil
}

// writeExecutable stages the artifact bytes as a temp file with execute
// permission set, since os/exec requires a path rather than accepting an
// in-memory binary.
func (h *subprocessHandler) writeExecutable() (string, error) {
	f, err := os.CreateTemp("", "catalog-bundle-*")
	if err != nil {
		return "", err
	}
	path := f.Name()
	if _, err := f.Write(h.artifact); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	if err := os.Chmod(path, 0o700); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// heartbeatDuringRun calls stepCtx.Heartbeat every 10s for the lifetime of
// the subprocess, well inside the ≥once-per-30s requirement spec §5
// describes for cooperative handlers, and returns a func that stops it.
func (h *subprocessHandler) heartbeatDuringRun(stepCtx *executor.StepContext) func() {
	ticker := time.NewTicker(10 * time.Second)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				stepCtx.Heartbeat()
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
