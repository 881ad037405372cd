package partition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

func TestValidateTimeWindowRequiresKey(t *testing.T) {
	p := &catalog.Partitioning{Type: catalog.PartitionTimeWindow, Granularity: catalog.GranularityDay, Format: "YYYY-MM-DD"}
	err := Validate(p, "")
	require.Error(t, err)
	assert.Equal(t, catalogerr.Validation, catalogerr.KindOf(err))
}

func TestValidateTimeWindowRejectsFormatMismatch(t *testing.T) {
	p := &catalog.Partitioning{Type: catalog.PartitionTimeWindow, Granularity: catalog.GranularityDay, Format: "YYYY-MM-DD"}
	err := Validate(p, "2025-01-05T00")
	require.Error(t, err)
}

func TestValidateTimeWindowAcceptsMatchingKey(t *testing.T) {
	p := &catalog.Partitioning{Type: catalog.PartitionTimeWindow, Granularity: catalog.GranularityDay, Format: "YYYY-MM-DD"}
	require.NoError(t, Validate(p, "2025-01-05"))
}

func TestValidateStaticRejectsUnknownKey(t *testing.T) {
	p := &catalog.Partitioning{Type: catalog.PartitionStatic, Keys: []string{"us", "eu"}}
	require.Error(t, Validate(p, "apac"))
	require.NoError(t, Validate(p, "us"))
}

func TestValidateUnpartitionedRejectsNonEmptyKey(t *testing.T) {
	require.NoError(t, Validate(nil, ""))
	require.Error(t, Validate(nil, "2025-01-05"))
}

func TestBucketStartWeekAlignsToMonday(t *testing.T) {
	// 2025-01-08 is a Wednesday.
	wed := time.Date(2025, 1, 8, 13, 30, 0, 0, time.UTC)
	start, err := BucketStart(catalog.GranularityWeek, wed, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Monday, start.Weekday())
}

func TestEnumerateBucketsDefaultLookbackForDay(t *testing.T) {
	p := catalog.Partitioning{Type: catalog.PartitionTimeWindow, Granularity: catalog.GranularityDay, Format: "YYYY-MM-DD"}
	now := time.Date(2025, 1, 20, 5, 0, 0, 0, time.UTC)
	buckets, err := EnumerateBuckets(p, now)
	require.NoError(t, err)
	require.Len(t, buckets, 14)
	assert.Equal(t, "2025-01-20", buckets[0])
	assert.Equal(t, "2025-01-07", buckets[13])
}

func TestEnumerateBucketsHonorsExplicitLookback(t *testing.T) {
	p := catalog.Partitioning{Type: catalog.PartitionTimeWindow, Granularity: catalog.GranularityHour, Format: "YYYY-MM-DDTHH", LookbackWindows: 3}
	now := time.Date(2025, 1, 20, 5, 45, 0, 0, time.UTC)
	buckets, err := EnumerateBuckets(p, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-01-20T05", "2025-01-20T04", "2025-01-20T03"}, buckets)
}
