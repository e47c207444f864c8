// Package syncer coordinates the snapshot fetcher, the live channel and the
// derived view state into one consolidated, read-only View.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gridsense/gridsense/pkg/aggregate"
	"github.com/gridsense/gridsense/pkg/correlate"
	"github.com/gridsense/gridsense/pkg/live"
	"github.com/gridsense/gridsense/pkg/log"
	"github.com/gridsense/gridsense/pkg/metrics"
	"github.com/gridsense/gridsense/pkg/types"
	"github.com/levenlabs/go-lflag"
)

const (
	defaultInterval  = 30 * time.Second
	defaultThreshold = 1500
)

// ErrInvalidThreshold is returned by SetThreshold for NaN, infinite or
// negative values.
var ErrInvalidThreshold = errors.New("threshold must be a finite, non-negative number")

// Fetcher fetches one consistent snapshot of the polled collections.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, threshold float64) (types.Snapshot, error)
}

// Live is the live channel the orchestrator merges into the view.
type Live interface {
	Run(ctx context.Context)
	Observe(o live.Observer)
	State() types.ConnectionState
	Current() (types.LiveReading, bool)
	History() []types.LiveReading
}

// Ticker delivers the periodic refresh signal.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// Config configures an Orchestrator. Zero fields get defaults, except
// DiscardStale which must be set explicitly.
type Config struct {
	Fetcher   Fetcher
	Live      Live
	Metrics   *metrics.Metrics
	Interval  time.Duration
	Threshold float64
	// DiscardStale drops a fetch result when a newer fetch has already been
	// applied. When false the last response to arrive wins.
	DiscardStale bool
	// NewTicker creates the periodic refresh ticker.
	NewTicker func(time.Duration) Ticker
	// TableRows is how many rows the peak and anomaly tables list.
	TableRows int
}

// derived is the view state computed from one snapshot.
type derived struct {
	snap      *types.Snapshot
	daily     []types.Correlated[types.EnergyBucket]
	hourly    []types.Correlated[types.PowerBucket]
	agg       types.Aggregates
	peaks     types.Table[types.PeakEvent]
	anomalies types.Table[types.AnomalyEvent]
}

// Orchestrator owns the current snapshot, the threshold, the live channel
// subscription and the refresh timer.
type Orchestrator struct {
	fetcher      Fetcher
	live         Live
	metrics      *metrics.Metrics
	interval     time.Duration
	discardStale bool
	newTicker    func(time.Duration) Ticker
	tableRows    int
	now          func() time.Time

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	stopped   bool
	threshold float64
	snapshot  *types.Snapshot
	failure   *types.FetchFailure
	terminal  bool
	halt      chan struct{}
	nextSeq   uint64
	applied   uint64
	// failedSeq is the sequence number of the fetch that set failure.
	failedSeq uint64
	cache     *derived

	// notifyMu is held for reading while subscribers run and for writing when
	// subscribers change or the orchestrator is torn down.
	notifyMu    sync.RWMutex
	closed      bool
	subscribers map[uint64]func(types.View)
	nextSub     uint64

	wg sync.WaitGroup
}

// New returns an orchestrator for cfg. Nothing runs until Start.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{}
	o.init(cfg)
	return o
}

func (o *Orchestrator) init(cfg Config) {
	o.fetcher = cfg.Fetcher
	o.live = cfg.Live
	o.metrics = cfg.Metrics
	o.interval = cfg.Interval
	if o.interval <= 0 {
		o.interval = defaultInterval
	}
	o.threshold = cfg.Threshold
	o.discardStale = cfg.DiscardStale
	o.newTicker = cfg.NewTicker
	if o.newTicker == nil {
		o.newTicker = newTimeTicker
	}
	o.tableRows = cfg.TableRows
	if o.tableRows <= 0 {
		o.tableRows = aggregate.DefaultTableRows
	}
	o.now = time.Now
	o.halt = make(chan struct{})
	o.subscribers = map[uint64]func(types.View){}
}

// Configured sets up flags for the orchestrator and returns it.
// It uses lflag to register command-line flags for configuration.
func Configured(f Fetcher, l Live, m *metrics.Metrics) *Orchestrator {
	o := &Orchestrator{}
	interval := lflag.Duration("sync-interval", defaultInterval, "Interval between periodic snapshot fetches")
	threshold := float64(defaultThreshold)
	lflag.JSON(&threshold, "sync-threshold", threshold, "Initial peak-load threshold in watts")
	discardStale := lflag.Bool("sync-discard-stale", true, "Discard fetch results older than the applied snapshot")

	lflag.Do(func() {
		if err := validThreshold(threshold); err != nil {
			panic(fmt.Sprintf("invalid sync-threshold (%v): %v", threshold, err))
		}
		o.init(Config{
			Fetcher:      f,
			Live:         l,
			Metrics:      m,
			Interval:     *interval,
			Threshold:    threshold,
			DiscardStale: *discardStale,
		})
	})

	return o
}

func validThreshold(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return ErrInvalidThreshold
	}
	return nil
}

// Start starts the live channel, fetches immediately and arms the periodic
// timer. Everything runs until ctx is done or Teardown is called. Calling
// Start more than once does nothing.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.ctx != nil || o.stopped {
		o.mu.Unlock()
		return
	}
	ctx = log.Component(ctx, "syncer")
	o.ctx, o.cancel = context.WithCancel(ctx)
	ctx = o.ctx
	o.wg.Add(2)
	o.mu.Unlock()

	if o.live != nil {
		o.live.Observe(o)
		go func() {
			defer o.wg.Done()
			o.live.Run(ctx)
		}()
	} else {
		o.wg.Done()
	}

	log.Ctx(ctx).InfoContext(ctx, "starting sync", slog.Duration("interval", o.interval))
	o.trigger("initial")

	go func() {
		defer o.wg.Done()
		o.poll(ctx)
	}()
}

func (o *Orchestrator) poll(ctx context.Context) {
	t := o.newTicker(o.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.halt:
			log.Ctx(ctx).WarnContext(ctx, "polling stopped after rejected credentials")
			return
		case <-t.C():
			o.trigger("interval")
		}
	}
}

// SetThreshold changes the peak-load threshold and immediately fetches a new
// snapshot with it. The periodic timer is not affected, so every call results
// in exactly one extra fetch.
func (o *Orchestrator) SetThreshold(v float64) error {
	if err := validThreshold(v); err != nil {
		return err
	}
	o.mu.Lock()
	o.threshold = v
	o.mu.Unlock()
	o.trigger("threshold")
	o.notify()
	return nil
}

// Threshold returns the current peak-load threshold.
func (o *Orchestrator) Threshold() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.threshold
}

// Refresh fetches a new snapshot now. It returns false when no fetch was
// started, because the orchestrator is not running or polling was stopped.
func (o *Orchestrator) Refresh() bool {
	return o.trigger("manual")
}

// trigger starts one fetch with the current threshold.
func (o *Orchestrator) trigger(reason string) bool {
	o.mu.Lock()
	if o.ctx == nil || o.stopped || o.terminal {
		o.mu.Unlock()
		return false
	}
	o.nextSeq++
	seq := o.nextSeq
	threshold := o.threshold
	ctx := o.ctx
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		o.fetch(ctx, seq, threshold, reason)
	}()
	return true
}

func (o *Orchestrator) fetch(ctx context.Context, seq uint64, threshold float64, reason string) {
	ctx = log.WithAttrs(ctx, slog.Uint64("fetchSeq", seq), slog.String("reason", reason))
	start := time.Now()
	snap, err := o.fetcher.FetchSnapshot(ctx, threshold)
	if ctx.Err() != nil {
		// torn down while in flight
		return
	}
	o.metrics.FetchCompleted(time.Since(start), err)

	o.mu.Lock()
	if o.discardStale && seq < o.applied {
		o.mu.Unlock()
		o.metrics.FetchDiscarded()
		log.Ctx(ctx).DebugContext(ctx, "discarding stale fetch result", slog.Any("error", err))
		return
	}
	if err != nil {
		kind := types.KindOf(err)
		switch {
		case o.terminal:
			// rejected credentials stay reported until restart
		case o.discardStale && seq < o.failedSeq:
			// a newer fetch already failed
		default:
			o.failure = &types.FetchFailure{
				Kind:     kind,
				Message:  err.Error(),
				At:       o.now(),
				Terminal: kind == types.ErrorKindAuth,
			}
			o.failedSeq = seq
		}
		if kind == types.ErrorKindAuth && !o.terminal {
			o.terminal = true
			close(o.halt)
		}
		o.mu.Unlock()
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch snapshot", slog.String("kind", string(kind)), slog.Any("error", err))
		o.notify()
		return
	}
	snap.Seq = seq
	snap.Threshold = threshold
	o.snapshot = &snap
	o.applied = seq
	if !o.terminal && (!o.discardStale || seq > o.failedSeq) {
		o.failure = nil
	}
	o.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "applied snapshot", slog.Float64("threshold", threshold))
	o.notify()
}

// StateChanged implements live.Observer.
func (o *Orchestrator) StateChanged(types.ConnectionState) {
	o.notify()
}

// ReadingReceived implements live.Observer.
func (o *Orchestrator) ReadingReceived(types.LiveReading) {
	o.notify()
}

// Snapshot returns the current snapshot, or nil before the first successful
// fetch.
func (o *Orchestrator) Snapshot() *types.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot
}

// View returns the consolidated state. Data derived from the snapshot is only
// recomputed when the snapshot changes.
func (o *Orchestrator) View() types.View {
	o.mu.Lock()
	snap := o.snapshot
	d := o.derive(snap)
	v := types.View{
		Snapshot:         snap,
		CorrelatedDaily:  d.daily,
		CorrelatedHourly: d.hourly,
		Aggregates:       d.agg,
		PeakTable:        d.peaks,
		AnomalyTable:     d.anomalies,
		Threshold:        o.threshold,
		PeaksStale:       snap != nil && snap.Threshold != o.threshold,
		ConnectionState:  types.ConnectionStateClosed,
	}
	if o.failure != nil {
		f := *o.failure
		v.Error = &f
	}
	o.mu.Unlock()

	if o.live != nil {
		v.ConnectionState = o.live.State()
		if cur, ok := o.live.Current(); ok {
			v.LatestLiveReading = &cur
		}
		v.LiveHistory = o.live.History()
	}
	v.Connected = v.ConnectionState == types.ConnectionStateOpen
	if v.LiveHistory == nil {
		v.LiveHistory = []types.LiveReading{}
	}
	return v
}

// derive must be called with mu held.
func (o *Orchestrator) derive(snap *types.Snapshot) *derived {
	if o.cache != nil && o.cache.snap == snap {
		return o.cache
	}
	o.cache = &derived{
		snap:      snap,
		daily:     correlate.Daily(snap),
		hourly:    correlate.Hourly(snap),
		agg:       aggregate.Compute(snap),
		peaks:     aggregate.PeakTable(snap, o.tableRows),
		anomalies: aggregate.AnomalyTable(snap, o.tableRows),
	}
	return o.cache
}

// Subscribe registers fn to be called with the new View on every change of
// the snapshot, threshold, fetch error or live channel. The returned function
// removes the subscription. Callbacks may run concurrently from the fetch and
// live channel goroutines. fn must not call Subscribe, a cancel function,
// SetThreshold or Teardown.
func (o *Orchestrator) Subscribe(fn func(types.View)) (cancel func()) {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
	o.nextSub++
	id := o.nextSub
	o.subscribers[id] = fn
	return func() {
		o.notifyMu.Lock()
		defer o.notifyMu.Unlock()
		delete(o.subscribers, id)
	}
}

func (o *Orchestrator) notify() {
	o.notifyMu.RLock()
	defer o.notifyMu.RUnlock()
	if o.closed || len(o.subscribers) == 0 {
		return
	}
	v := o.View()
	for _, fn := range o.subscribers {
		fn(v)
	}
}

// Teardown stops the timer, closes the live channel and waits for in-flight
// fetches to be abandoned. No subscriber is called once it returns.
func (o *Orchestrator) Teardown() {
	o.mu.Lock()
	o.stopped = true
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()

	// waits for running callbacks to return
	o.notifyMu.Lock()
	o.closed = true
	o.notifyMu.Unlock()

	o.wg.Wait()
	ctx := context.Background()
	log.Ctx(ctx).InfoContext(ctx, "sync torn down")
}
