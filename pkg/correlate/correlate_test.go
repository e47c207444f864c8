package correlate

import (
	"testing"
	"time"

	"github.com/gridsense/gridsense/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func anomalyAt(t *testing.T, ts string) types.AnomalyEvent {
	parsed, err := types.ParseTimestamp(ts)
	require.NoError(t, err)
	return types.AnomalyEvent{Timestamp: parsed, Power: 500, Score: 0.9}
}

func flags[B any](c []types.Correlated[B]) []bool {
	out := make([]bool, len(c))
	for i, v := range c {
		out[i] = v.HasAnomaly
	}
	return out
}

func TestCorrelateDaily(t *testing.T) {
	daily := []types.EnergyBucket{
		{Date: "2024-01-01", TotalEnergy: 10},
		{Date: "2024-01-02", TotalEnergy: 20},
	}
	anomalies := []types.AnomalyEvent{anomalyAt(t, "2024-01-02T09:00:00Z")}

	got := Correlate(daily, anomalies, types.GranularityDay)
	assert.Equal(t, []types.Correlated[types.EnergyBucket]{
		{Bucket: daily[0], HasAnomaly: false},
		{Bucket: daily[1], HasAnomaly: true},
	}, got)
}

func TestCorrelateHourlyIgnoresDate(t *testing.T) {
	hourly := []types.PowerBucket{{Hour: 8, AvgPower: 300}, {Hour: 9, AvgPower: 450}, {Hour: 23, AvgPower: 120}}
	anomalies := []types.AnomalyEvent{
		anomalyAt(t, "2024-01-02T09:10:00"),
		anomalyAt(t, "2023-07-15T09:59:59Z"),
		anomalyAt(t, "2024-01-05T23:00:00+00:00"),
	}

	got := Correlate(hourly, anomalies, types.GranularityHour)
	assert.Equal(t, []bool{false, true, true}, flags(got))
}

func TestCorrelateUsesUTC(t *testing.T) {
	// 2024-01-02 00:30 in UTC+2 is still January 1st in UTC
	daily := []types.EnergyBucket{{Date: "2024-01-01"}, {Date: "2024-01-02"}}
	anomalies := []types.AnomalyEvent{anomalyAt(t, "2024-01-02T00:30:00+02:00")}

	assert.Equal(t, []bool{true, false}, flags(Correlate(daily, anomalies, types.GranularityDay)))
}

func TestCorrelateEdgeCases(t *testing.T) {
	daily := []types.EnergyBucket{{Date: "2024-01-01"}, {Date: "2024-01-02"}}

	t.Run("NoAnomalies", func(t *testing.T) {
		assert.Equal(t, []bool{false, false}, flags(Correlate(daily, nil, types.GranularityDay)))
	})

	t.Run("ManyAnomaliesOneFlag", func(t *testing.T) {
		anomalies := []types.AnomalyEvent{
			anomalyAt(t, "2024-01-01T01:00:00Z"),
			anomalyAt(t, "2024-01-01T02:00:00Z"),
			anomalyAt(t, "2024-01-01T03:00:00Z"),
		}
		assert.Equal(t, []bool{true, false}, flags(Correlate(daily, anomalies, types.GranularityDay)))
	})

	t.Run("NoBuckets", func(t *testing.T) {
		assert.Nil(t, Correlate([]types.EnergyBucket(nil), nil, types.GranularityDay))
		assert.Empty(t, Correlate([]types.EnergyBucket{}, nil, types.GranularityDay))
	})

	t.Run("MismatchedGranularity", func(t *testing.T) {
		anomalies := []types.AnomalyEvent{anomalyAt(t, "2024-01-01T01:00:00Z")}
		assert.Equal(t, []bool{false, false}, flags(Correlate(daily, anomalies, types.GranularityHour)))
	})

	t.Run("InputsUntouched", func(t *testing.T) {
		anomalies := []types.AnomalyEvent{anomalyAt(t, "2024-01-01T01:00:00Z")}
		dailyCopy := append([]types.EnergyBucket(nil), daily...)
		anomaliesCopy := append([]types.AnomalyEvent(nil), anomalies...)
		Correlate(daily, anomalies, types.GranularityDay)
		assert.Equal(t, dailyCopy, daily)
		assert.Equal(t, anomaliesCopy, anomalies)
	})
}

func TestCorrelateProperties(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var daily []types.EnergyBucket
	var hourly []types.PowerBucket
	var anomalies []types.AnomalyEvent
	for i := 0; i < 40; i++ {
		daily = append(daily, types.EnergyBucket{Date: base.AddDate(0, 0, i).Format(types.DateLayout), TotalEnergy: float64(i)})
		if i%7 == 3 {
			anomalies = append(anomalies, types.AnomalyEvent{Timestamp: base.AddDate(0, 0, i).Add(time.Duration(i%24) * time.Hour), Score: 1})
		}
	}
	for h := 23; h >= 0; h-- {
		hourly = append(hourly, types.PowerBucket{Hour: h, AvgPower: float64(h * 10)})
	}

	t.Run("OrderAndLength", func(t *testing.T) {
		d := Correlate(daily, anomalies, types.GranularityDay)
		require.Len(t, d, len(daily))
		for i := range daily {
			assert.Equal(t, daily[i], d[i].Bucket)
			assert.Equal(t, i%7 == 3, d[i].HasAnomaly, daily[i].Date)
		}

		h := Correlate(hourly, anomalies, types.GranularityHour)
		require.Len(t, h, len(hourly))
		for i := range hourly {
			assert.Equal(t, hourly[i], h[i].Bucket)
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		first := Correlate(daily, anomalies, types.GranularityDay)
		second := Correlate(Unwrap(first), anomalies, types.GranularityDay)
		assert.Equal(t, first, second)

		firstH := Correlate(hourly, anomalies, types.GranularityHour)
		assert.Equal(t, firstH, Correlate(Unwrap(firstH), anomalies, types.GranularityHour))
	})
}

func TestSnapshotHelpers(t *testing.T) {
	assert.Nil(t, Daily(nil))
	assert.Nil(t, Hourly(nil))

	snap := &types.Snapshot{
		DailyEnergy: []types.EnergyBucket{{Date: "2024-01-01", TotalEnergy: 10}, {Date: "2024-01-02", TotalEnergy: 20}},
		HourlyPower: []types.PowerBucket{{Hour: 9, AvgPower: 450}, {Hour: 10, AvgPower: 400}},
		Anomalies:   []types.AnomalyEvent{anomalyAt(t, "2024-01-02T09:00:00Z")},
	}
	assert.Equal(t, []bool{false, true}, flags(Daily(snap)))
	assert.Equal(t, []bool{true, false}, flags(Hourly(snap)))
}
