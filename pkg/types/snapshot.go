package types

import (
	"encoding/json"
	"time"
)

// Snapshot is one consistent bundle of the four polled collections. It is
// replaced wholesale on every successful fetch and must not be mutated once
// published.
type Snapshot struct {
	DailyEnergy []EnergyBucket `json:"dailyEnergy"`
	HourlyPower []PowerBucket  `json:"hourlyPower"`
	PeakLoads   []PeakEvent    `json:"peakLoads"`
	Anomalies   []AnomalyEvent `json:"anomalies"`

	// Threshold is the peak-load cutoff PeakLoads was filtered with.
	Threshold float64   `json:"threshold"`
	FetchedAt time.Time `json:"fetchedAt"`
	// Seq is the sequence number of the fetch that produced the snapshot.
	Seq uint64 `json:"seq"`
}

// Granularity is the width of a time bucket.
type Granularity string

const (
	GranularityDay  Granularity = "day"
	GranularityHour Granularity = "hour"
)

// BucketKey identifies a bucket within a series of the given granularity.
type BucketKey struct {
	Granularity Granularity
	Value       string
}

// Correlated is a bucket widened with whether any anomaly falls into it. It is
// always derived from a Snapshot and never stored.
type Correlated[B any] struct {
	Bucket     B
	HasAnomaly bool
}

// MarshalJSON flattens the bucket fields and adds hasAnomaly next to them.
func (c Correlated[B]) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(c.Bucket)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}
	flag, err := json.Marshal(c.HasAnomaly)
	if err != nil {
		return nil, err
	}
	fields["hasAnomaly"] = flag
	return json.Marshal(fields)
}

// Aggregates are the scalar summary statistics of a Snapshot.
type Aggregates struct {
	TotalEnergy    float64 `json:"totalEnergy"`
	AvgDailyEnergy float64 `json:"avgDailyEnergy"`
	PeakPower      float64 `json:"peakPower"`
	PeakCount      int     `json:"peakCount"`
	AnomalyCount   int     `json:"anomalyCount"`
}

// Table is the first rows of a collection ready to be listed, with an explicit
// empty state.
type Table[T any] struct {
	Rows         []T    `json:"rows"`
	Total        int    `json:"total"`
	Empty        bool   `json:"empty"`
	EmptyMessage string `json:"emptyMessage,omitempty"`
}
