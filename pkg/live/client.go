package live

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gridsense/gridsense/pkg/common"
	"github.com/gridsense/gridsense/pkg/log"
	"github.com/gridsense/gridsense/pkg/metrics"
	"github.com/gridsense/gridsense/pkg/types"
	"github.com/levenlabs/go-lflag"
)

const (
	defaultReconnectDelay = 3 * time.Second
	defaultHistorySize    = 60
	maxFrameBytes         = 1 << 20
)

// Conn is an established streaming connection.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens streaming connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Scheduler delays reconnect attempts.
type Scheduler interface {
	// Wait blocks for d, or until ctx is done in which case it returns ctx.Err().
	Wait(ctx context.Context, d time.Duration) error
}

// Observer is told about every state change and every live reading. Calls are
// made from the client's read loop, in order, and must not block for long.
type Observer interface {
	StateChanged(state types.ConnectionState)
	ReadingReceived(reading types.LiveReading)
}

type wsDialer struct {
	dialer *websocket.Dialer
}

func (d wsDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	conn.SetReadLimit(maxFrameBytes)
	return conn, nil
}

type timerScheduler struct{}

func (timerScheduler) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Config configures a Client. Zero fields get defaults.
type Config struct {
	URL            string
	Header         http.Header
	ReconnectDelay time.Duration
	HistorySize    int
	Dialer         Dialer
	Scheduler      Scheduler
	Metrics        *metrics.Metrics
}

// Client keeps one logical connection to the live-stats endpoint open for as
// long as Run is running. Connection failures never surface as errors, only as
// state changes.
type Client struct {
	url       string
	header    http.Header
	delay     time.Duration
	dialer    Dialer
	scheduler Scheduler
	metrics   *metrics.Metrics
	history   *History
	now       func() time.Time

	mu         sync.Mutex
	state      types.ConnectionState
	current    *types.LiveReading
	reconnects int
	observers  []Observer
}

// New returns a client for cfg. It does not connect until Run is called.
func New(cfg Config) *Client {
	c := &Client{}
	c.init(cfg)
	return c
}

func (c *Client) init(cfg Config) {
	c.url = cfg.URL
	c.header = cfg.Header.Clone()
	if c.header == nil {
		c.header = http.Header{}
	}
	if c.header.Get("User-Agent") == "" {
		c.header.Set("User-Agent", "GridSense/"+common.Version())
	}
	c.delay = cfg.ReconnectDelay
	if c.delay <= 0 {
		c.delay = defaultReconnectDelay
	}
	size := cfg.HistorySize
	if size <= 0 {
		size = defaultHistorySize
	}
	c.history = NewHistory(size)
	c.dialer = cfg.Dialer
	if c.dialer == nil {
		c.dialer = wsDialer{dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}}
	}
	c.scheduler = cfg.Scheduler
	if c.scheduler == nil {
		c.scheduler = timerScheduler{}
	}
	c.metrics = cfg.Metrics
	c.now = time.Now
	c.state = types.ConnectionStateClosed
}

// Configured sets up flags for the live channel and returns the client.
// It uses lflag to register command-line flags for configuration.
func Configured(m *metrics.Metrics) *Client {
	c := &Client{}
	liveURL := lflag.String("live-url", "ws://127.0.0.1:8000/ws/live", "URL of the live stats websocket")
	delay := lflag.Duration("live-reconnect-delay", defaultReconnectDelay, "Fixed delay before reconnecting the live channel")
	historySize := defaultHistorySize
	lflag.JSON(&historySize, "live-history-size", historySize, "Number of live readings kept in the history")

	lflag.Do(func() {
		if _, err := url.Parse(*liveURL); err != nil {
			panic(fmt.Sprintf("failed to parse live url (%s): %v", *liveURL, err))
		}
		c.init(Config{
			URL:            *liveURL,
			ReconnectDelay: *delay,
			HistorySize:    historySize,
			Metrics:        m,
		})
	})

	return c
}

// Observe registers o for state changes and readings.
func (c *Client) Observe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// State returns the current connection state.
func (c *Client) State() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the channel is open.
func (c *Client) Connected() bool {
	return c.State() == types.ConnectionStateOpen
}

// Current returns the latest reading of the open session. It is absent while
// disconnected.
func (c *Client) Current() (types.LiveReading, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return types.LiveReading{}, false
	}
	return *c.current, true
}

// History returns the retained readings, oldest first. Readings of ended
// sessions are kept until evicted by newer ones.
func (c *Client) History() []types.LiveReading {
	return c.history.All()
}

// Reconnects returns how many reconnect attempts have been made.
func (c *Client) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// Run connects and keeps reconnecting, after the fixed delay, until ctx is
// done. It returns once the channel is closed.
func (c *Client) Run(ctx context.Context) {
	ctx = log.Component(ctx, "live")
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := c.scheduler.Wait(ctx, c.delay); err != nil {
				return
			}
			c.mu.Lock()
			c.reconnects++
			c.mu.Unlock()
			c.metrics.Reconnect()
			log.Ctx(ctx).DebugContext(ctx, "reconnecting live channel", slog.Int("attempt", attempt))
		}
		if ctx.Err() != nil {
			return
		}
		c.session(ctx)
		if ctx.Err() != nil {
			return
		}
	}
}

// session runs one connection from dial to close.
func (c *Client) session(ctx context.Context) {
	ctx = log.WithAttrs(ctx, slog.String("sessionID", uuid.NewString()))

	c.apply(ctx, signalDial)
	conn, err := c.dialer.Dial(ctx, c.url, c.header)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to connect live channel", slog.String("url", c.url), slog.Any("error", err))
		c.apply(ctx, signalHandshakeFailed)
		return
	}
	c.apply(ctx, signalHandshakeOK)
	log.Ctx(ctx).InfoContext(ctx, "live channel open", slog.String("url", c.url))

	// closing the connection is what unblocks ReadMessage on teardown
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Ctx(ctx).WarnContext(ctx, "live channel lost", slog.Any("error", err))
			}
			break
		}
		c.handle(ctx, frame)
	}
	conn.Close()
	c.apply(ctx, signalLost)
}

func (c *Client) handle(ctx context.Context, frame []byte) {
	ev, err := Decode(frame)
	if err != nil {
		c.metrics.LiveDropped()
		log.Ctx(ctx).WarnContext(ctx, "dropping live frame", slog.Int("bytes", len(frame)), slog.Any("error", err))
		return
	}
	c.metrics.LiveMessage(string(ev.Kind))

	switch ev.Kind {
	case EventConnection:
		log.Ctx(ctx).DebugContext(ctx, "live channel acknowledged")
	case EventStatsUpdate:
		reading := types.LiveReading{
			ReceivedAt: c.now(),
			Stats:      ev.Stats,
			Raw:        ev.Raw,
		}
		c.history.Add(reading)

		c.mu.Lock()
		c.current = &reading
		observers := c.observers
		c.mu.Unlock()

		for _, o := range observers {
			o.ReadingReceived(reading)
		}
	default:
		log.Ctx(ctx).DebugContext(ctx, "ignoring live frame", slog.String("type", ev.Type))
	}
}

// apply runs sig through the transition table and notifies observers.
func (c *Client) apply(ctx context.Context, sig signal) {
	c.mu.Lock()
	from := c.state
	to, ok := next(from, sig)
	if !ok {
		c.mu.Unlock()
		log.Ctx(ctx).ErrorContext(ctx, "invalid live channel transition", slog.String("state", string(from)), slog.String("signal", sig.String()))
		return
	}
	c.state = to
	if from == types.ConnectionStateOpen && to == types.ConnectionStateClosed {
		// stale live data must not be shown while disconnected
		c.current = nil
	}
	observers := c.observers
	c.mu.Unlock()

	c.metrics.SetLiveState(to)
	log.Ctx(ctx).DebugContext(ctx, "live channel state", slog.String("from", string(from)), slog.String("to", string(to)))
	for _, o := range observers {
		o.StateChanged(to)
	}
}
