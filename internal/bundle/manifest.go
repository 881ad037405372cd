package bundle

import (
	"encoding/json"
	"fmt"
)

// Manifest is the bundle-internal descriptor a JobBundleVersion.Manifest
// column holds: the artifact bytes themselves are the executable a bundle
// runs (written to a temp file and invoked directly), and Args carries
// whatever fixed command-line arguments that executable expects ahead of
// the {parameters, context, attemptToken} JSON document fed on its stdin.
type Manifest struct {
	Args []string `json:"args,omitempty"`
}

func parseManifest(raw json.RawMessage) (Manifest, error) {
	var m Manifest
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("parsing bundle manifest: %w", err)
	}
	return m, nil
}
