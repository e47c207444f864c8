package analytics

import (
	"context"
	"log/slog"

	"github.com/gridsense/gridsense/pkg/log"
	"github.com/gridsense/gridsense/pkg/types"
	"golang.org/x/sync/errgroup"
)

// FetchSnapshot fetches the four collections concurrently and returns them as
// one Snapshot. If any request fails, no Snapshot is returned and the error of
// the first failing request is reported.
func (c *Client) FetchSnapshot(ctx context.Context, threshold float64) (types.Snapshot, error) {
	var (
		daily     []types.EnergyBucket
		hourly    []types.PowerBucket
		peaks     []types.PeakEvent
		anomalies []types.AnomalyEvent
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		daily, err = c.DailyEnergy(gctx)
		return err
	})
	g.Go(func() (err error) {
		hourly, err = c.HourlyPower(gctx)
		return err
	})
	g.Go(func() (err error) {
		peaks, err = c.PeakLoads(gctx, threshold)
		return err
	})
	g.Go(func() (err error) {
		anomalies, err = c.Anomalies(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return types.Snapshot{}, err
	}

	snap := types.Snapshot{
		DailyEnergy: daily,
		HourlyPower: hourly,
		PeakLoads:   peaks,
		Anomalies:   anomalies,
		Threshold:   threshold,
		FetchedAt:   c.now(),
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched snapshot",
		slog.Int("days", len(daily)),
		slog.Int("hours", len(hourly)),
		slog.Int("peaks", len(peaks)),
		slog.Int("anomalies", len(anomalies)),
		slog.Float64("threshold", threshold),
	)
	return snap, nil
}
