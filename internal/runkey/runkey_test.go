package runkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/catalog/pkg/catalogerr"
)

func TestNormalizeCollapsesWhitespaceAndLowercases(t *testing.T) {
	got, err := Normalize("  Daily   2025-01-05  ")
	require.NoError(t, err)
	assert.Equal(t, "daily-2025-01-05", got)
}

func TestNormalizeRejectsEmpty(t *testing.T) {
	_, err := Normalize("   ")
	require.Error(t, err)
	assert.Equal(t, catalogerr.Validation, catalogerr.KindOf(err))
}

func TestNormalizeIsIdempotent(t *testing.T) {
	once, err := Normalize("Daily Run")
	require.NoError(t, err)
	twice, err := Normalize(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}
