// Package runkey normalizes and validates the user-supplied run-key that
// enforces single-active-run uniqueness per workflow definition.
package runkey

import (
	"regexp"
	"strings"

	"github.com/apphub/catalog/pkg/catalogerr"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// Normalize trims, lower-cases, and collapses internal whitespace runs to a
// single hyphen. An empty result is rejected — callers that want to allow
// an absent run key should skip normalization rather than passing "".
func Normalize(runKey string) (string, error) {
	trimmed := strings.TrimSpace(runKey)
	if trimmed == "" {
		return "", catalogerr.Validationf("runKey must not be empty")
	}
	collapsed := whitespaceRun.ReplaceAllString(trimmed, "-")
	return strings.ToLower(collapsed), nil
}
