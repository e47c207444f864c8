// Package correlate flags the time buckets of a series that contain at least
// one anomaly.
package correlate

import (
	"time"

	"github.com/gridsense/gridsense/pkg/types"
)

// Bucket is a row of a time-bucketed series.
type Bucket interface {
	types.EnergyBucket | types.PowerBucket
	Key() types.BucketKey
}

// AnomalyKey maps an instant to the bucket key of granularity g. Days are UTC
// calendar dates; hours are the UTC hour-of-day regardless of the date, which
// is how the backend buckets its hourly series.
func AnomalyKey(ts time.Time, g types.Granularity) types.BucketKey {
	ts = ts.UTC()
	switch g {
	case types.GranularityHour:
		return types.BucketKey{Granularity: g, Value: types.HourLabel(ts.Hour())}
	default:
		return types.BucketKey{Granularity: types.GranularityDay, Value: ts.Format(types.DateLayout)}
	}
}

// Correlate returns one entry per bucket, in the same order, flagged when at
// least one anomaly maps to the bucket's key at granularity g. Neither input
// is modified. A granularity that does not match the buckets flags nothing.
func Correlate[B Bucket](buckets []B, anomalies []types.AnomalyEvent, g types.Granularity) []types.Correlated[B] {
	if buckets == nil {
		return nil
	}
	keys := make(map[types.BucketKey]struct{}, len(anomalies))
	for _, a := range anomalies {
		keys[AnomalyKey(a.Timestamp, g)] = struct{}{}
	}

	out := make([]types.Correlated[B], len(buckets))
	for i, b := range buckets {
		_, hit := keys[b.Key()]
		out[i] = types.Correlated[B]{Bucket: b, HasAnomaly: hit}
	}
	return out
}

// Daily correlates the daily energy series of snap.
func Daily(snap *types.Snapshot) []types.Correlated[types.EnergyBucket] {
	if snap == nil {
		return nil
	}
	return Correlate(snap.DailyEnergy, snap.Anomalies, types.GranularityDay)
}

// Hourly correlates the hourly power series of snap.
func Hourly(snap *types.Snapshot) []types.Correlated[types.PowerBucket] {
	if snap == nil {
		return nil
	}
	return Correlate(snap.HourlyPower, snap.Anomalies, types.GranularityHour)
}

// Unwrap strips the flags and returns the underlying buckets.
func Unwrap[B any](correlated []types.Correlated[B]) []B {
	if correlated == nil {
		return nil
	}
	out := make([]B, len(correlated))
	for i, c := range correlated {
		out[i] = c.Bucket
	}
	return out
}
