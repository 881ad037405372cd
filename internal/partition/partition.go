// Package partition validates partition keys against an asset's declared
// Partitioning policy and enumerates time-window buckets for lookback scans.
package partition

import (
	"fmt"
	"time"

	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

// defaultLookback mirrors spec §4.4's default lookback window counts, keyed
// by granularity.
var defaultLookback = map[catalog.PartitionGranularity]int{
	catalog.GranularityHour:  24,
	catalog.GranularityDay:   14,
	catalog.GranularityWeek:  8,
	catalog.GranularityMonth: 12,
}

const (
	formatDate        = "2006-01-02"
	formatDateHour    = "2006-01-02T15"
	formatDateHourMin = "2006-01-02T15:04"
	formatISO8601     = time.RFC3339
)

func layoutFor(format string) (string, error) {
	switch format {
	case "", "YYYY-MM-DD":
		return formatDate, nil
	case "YYYY-MM-DDTHH":
		return formatDateHour, nil
	case "YYYY-MM-DDTHH:mm":
		return formatDateHourMin, nil
	case "ISO-8601":
		return formatISO8601, nil
	default:
		return "", catalogerr.Validationf("unsupported time-window format %q", format)
	}
}

// Validate checks partitionKey against p, returning a *catalogerr.Error with
// kind Validation on mismatch. An unpartitioned asset (p == nil) rejects any
// non-empty key and requires an empty one.
func Validate(p *catalog.Partitioning, partitionKey string) error {
	if p == nil {
		if partitionKey != "" {
			return catalogerr.Validationf("asset is not partitioned; partitionKey must be empty")
		}
		return nil
	}

	switch p.Type {
	case catalog.PartitionStatic:
		if partitionKey == "" {
			return catalogerr.Validationf("partitionKey is required")
		}
		for _, k := range p.Keys {
			if k == partitionKey {
				return nil
			}
		}
		return catalogerr.Validationf("partitionKey %q is not one of the declared static keys", partitionKey)

	case catalog.PartitionTimeWindow:
		if partitionKey == "" {
			return catalogerr.Validationf("partitionKey is required")
		}
		layout, err := layoutFor(p.Format)
		if err != nil {
			return err
		}
		loc, err := locationFor(p.Timezone)
		if err != nil {
			return err
		}
		parsed, err := time.ParseInLocation(layout, partitionKey, loc)
		if err != nil {
			return catalogerr.Validationf("partitionKey %q does not match format %q", partitionKey, displayFormat(p.Format))
		}
		if parsed.Format(layout) != partitionKey {
			return catalogerr.Validationf("partitionKey %q does not match format %q", partitionKey, displayFormat(p.Format))
		}
		return nil

	case catalog.PartitionDynamic:
		if partitionKey == "" {
			return catalogerr.Validationf("partitionKey is required")
		}
		return nil

	default:
		return catalogerr.Validationf("unknown partitioning type %q", p.Type)
	}
}

func displayFormat(format string) string {
	if format == "" {
		return "YYYY-MM-DD"
	}
	return format
}

func locationFor(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, catalogerr.Validationf("invalid timezone %q", tz)
	}
	return loc, nil
}

// BucketStart aligns t down to the start of the bucket containing it, per
// spec §4.4's bucket-start rules (hour→minute 0, day→midnight,
// week→Monday 00:00, month→first-of-month 00:00), in the given location.
func BucketStart(granularity catalog.PartitionGranularity, t time.Time, loc *time.Location) (time.Time, error) {
	t = t.In(loc)
	switch granularity {
	case catalog.GranularityHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc), nil
	case catalog.GranularityDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc), nil
	case catalog.GranularityWeek:
		midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		// time.Weekday: Sunday=0 ... Saturday=6; Monday is 1.
		offset := (int(midnight.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -offset), nil
	case catalog.GranularityMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc), nil
	default:
		return time.Time{}, catalogerr.Validationf("unknown granularity %q", granularity)
	}
}

func step(granularity catalog.PartitionGranularity, t time.Time) time.Time {
	switch granularity {
	case catalog.GranularityHour:
		return t.Add(-time.Hour)
	case catalog.GranularityDay:
		return t.AddDate(0, 0, -1)
	case catalog.GranularityWeek:
		return t.AddDate(0, 0, -7)
	case catalog.GranularityMonth:
		return t.AddDate(0, -1, 0)
	default:
		return t
	}
}

// EnumerateBuckets returns the formatted bucket keys from now backwards
// through p.LookbackWindows intervals (or the granularity's default count
// when unset), most recent first.
func EnumerateBuckets(p catalog.Partitioning, now time.Time) ([]string, error) {
	if p.Type != catalog.PartitionTimeWindow {
		return nil, fmt.Errorf("EnumerateBuckets requires timeWindow partitioning, got %q", p.Type)
	}
	layout, err := layoutFor(p.Format)
	if err != nil {
		return nil, err
	}
	loc, err := locationFor(p.Timezone)
	if err != nil {
		return nil, err
	}
	lookback := p.LookbackWindows
	if lookback <= 0 {
		lookback = defaultLookback[p.Granularity]
	}

	start, err := BucketStart(p.Granularity, now, loc)
	if err != nil {
		return nil, err
	}

	buckets := make([]string, 0, lookback)
	cursor := start
	for i := 0; i < lookback; i++ {
		buckets = append(buckets, cursor.Format(layout))
		cursor = step(p.Granularity, cursor)
	}
	return buckets, nil
}
