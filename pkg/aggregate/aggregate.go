// Package aggregate derives the summary statistics and listing tables of a
// snapshot. Everything here is a pure function of its inputs.
package aggregate

import (
	"fmt"
	"strconv"

	"github.com/gridsense/gridsense/pkg/types"
)

// DefaultTableRows is how many rows the dashboard tables list.
const DefaultTableRows = 10

// Compute returns the aggregates of snap. A nil snapshot yields all zeros.
func Compute(snap *types.Snapshot) types.Aggregates {
	if snap == nil {
		return types.Aggregates{}
	}

	var agg types.Aggregates
	for _, d := range snap.DailyEnergy {
		agg.TotalEnergy += d.TotalEnergy
	}
	if n := len(snap.DailyEnergy); n > 0 {
		agg.AvgDailyEnergy = agg.TotalEnergy / float64(n)
	}
	for i, p := range snap.PeakLoads {
		if i == 0 || p.Power > agg.PeakPower {
			agg.PeakPower = p.Power
		}
	}
	agg.PeakCount = len(snap.PeakLoads)
	agg.AnomalyCount = len(snap.Anomalies)
	return agg
}

// PeakTable lists the first limit peak loads of snap.
func PeakTable(snap *types.Snapshot, limit int) types.Table[types.PeakEvent] {
	var rows []types.PeakEvent
	threshold := 0.0
	if snap != nil {
		rows = snap.PeakLoads
		threshold = snap.Threshold
	}
	msg := fmt.Sprintf("No readings above %sW threshold", strconv.FormatFloat(threshold, 'f', -1, 64))
	return table(rows, limit, msg)
}

// AnomalyTable lists the first limit anomalies of snap.
func AnomalyTable(snap *types.Snapshot, limit int) types.Table[types.AnomalyEvent] {
	var rows []types.AnomalyEvent
	if snap != nil {
		rows = snap.Anomalies
	}
	return table(rows, limit, "No anomalies detected")
}

func table[T any](rows []T, limit int, emptyMessage string) types.Table[T] {
	if limit <= 0 {
		limit = DefaultTableRows
	}
	t := types.Table[T]{Total: len(rows), Rows: []T{}}
	if len(rows) == 0 {
		t.Empty = true
		t.EmptyMessage = emptyMessage
		return t
	}
	n := min(limit, len(rows))
	t.Rows = append(t.Rows, rows[:n]...)
	return t
}
