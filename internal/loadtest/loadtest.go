// Package loadtest drives a broker with many concurrent STOMP clients:
// ramp up to a target connection count, keep the load for a while with a
// subset of clients publishing, and report what was observed.
package loadtest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/stomp_poc/internal/server"
	"github.com/adred-codev/stomp_poc/internal/stomp"
	"github.com/rs/zerolog"
	"github.com/sugawarayuuta/sonnet"
)

// Subscription modes.
const (
	SubscribeAll    = "all"
	SubscribeSingle = "single"
	SubscribeRandom = "random"
)

type Config struct {
	Addr              string // broker TCP address
	HealthURL         string // optional admin /health URL
	Connections       int
	RampRate          int // connections per second, kept under the broker's global connect rate
	Sustain           time.Duration
	ReportInterval    time.Duration
	HealthInterval    time.Duration
	ConnectTimeout    time.Duration
	Channels          []string
	SubscriptionMode  string
	ChannelsPerClient int
	PublisherEvery    int           // every Nth client publishes; 0 disables
	PublishInterval   time.Duration // per publisher
	UserPrefix        string
}

func (c *Config) setDefaults() {
	if c.RampRate <= 0 {
		c.RampRate = 40
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = 10 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.SubscriptionMode == "" {
		c.SubscriptionMode = SubscribeAll
	}
	if c.ChannelsPerClient <= 0 {
		c.ChannelsPerClient = 3
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = time.Second
	}
	if c.UserPrefix == "" {
		c.UserPrefix = "load"
	}
}

// Stats is a point-in-time copy of the counters.
type Stats struct {
	Phase            string
	Active           int64
	Created          int64
	Failed           int64
	Subscriptions    int64
	Published        int64
	MessagesReceived int64
	ErrorFrames      int64
	ConnectionErrors map[string]int64
	LastHealth       *server.HealthStatus
}

type state struct {
	active        atomic.Int64
	created       atomic.Int64
	failed        atomic.Int64
	subscriptions atomic.Int64
	published     atomic.Int64
	received      atomic.Int64
	errorFrames   atomic.Int64
	connErrors    sync.Map // string -> *atomic.Int64

	mu         sync.RWMutex
	phase      string
	lastHealth *server.HealthStatus
}

// Runner executes one load test.
type Runner struct {
	cfg    Config
	logger zerolog.Logger
	st     state
	http   *http.Client

	wg sync.WaitGroup
}

func New(cfg Config, logger zerolog.Logger) (*Runner, error) {
	if cfg.Addr == "" {
		return nil, errors.New("loadtest: broker address is required")
	}
	if cfg.Connections <= 0 {
		return nil, errors.New("loadtest: connections must be > 0")
	}
	switch cfg.SubscriptionMode {
	case "", SubscribeAll, SubscribeSingle, SubscribeRandom:
	default:
		return nil, fmt.Errorf("loadtest: unknown subscription mode %q", cfg.SubscriptionMode)
	}
	cfg.setDefaults()

	r := &Runner{
		cfg:    cfg,
		logger: logger.With().Str("component", "loadtest").Logger(),
		http:   &http.Client{Timeout: 5 * time.Second},
	}
	r.st.phase = "idle"
	return r, nil
}

func (r *Runner) setPhase(p string) {
	r.st.mu.Lock()
	r.st.phase = p
	r.st.mu.Unlock()
}

// Stats returns the current counters.
func (r *Runner) Stats() Stats {
	r.st.mu.RLock()
	s := Stats{Phase: r.st.phase, LastHealth: r.st.lastHealth}
	r.st.mu.RUnlock()

	s.Active = r.st.active.Load()
	s.Created = r.st.created.Load()
	s.Failed = r.st.failed.Load()
	s.Subscriptions = r.st.subscriptions.Load()
	s.Published = r.st.published.Load()
	s.MessagesReceived = r.st.received.Load()
	s.ErrorFrames = r.st.errorFrames.Load()
	s.ConnectionErrors = make(map[string]int64)
	r.st.connErrors.Range(func(k, v any) bool {
		s.ConnectionErrors[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return s
}

// Run ramps up, sustains and then disconnects every client. It returns
// early with ctx's error when ctx is cancelled during the ramp.
func (r *Runner) Run(ctx context.Context) error {
	if r.cfg.HealthURL != "" {
		if err := r.checkHealth(ctx); err != nil {
			return fmt.Errorf("initial health check: %w", err)
		}
	}

	loadCtx, stop := context.WithCancel(ctx)
	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		r.periodic(loadCtx)
	}()
	defer func() {
		stop()
		bg.Wait()
		r.wg.Wait()
		r.setPhase("completed")
		r.report()
	}()

	r.setPhase("ramping")
	if err := r.ramp(loadCtx); err != nil {
		return err
	}

	r.setPhase("sustaining")
	r.logger.Info().Int64("active", r.st.active.Load()).Dur("sustain", r.cfg.Sustain).Msg("Ramp-up complete")
	select {
	case <-time.After(r.cfg.Sustain):
	case <-ctx.Done():
		r.logger.Warn().Msg("Sustain phase interrupted")
	}
	return nil
}

func (r *Runner) ramp(ctx context.Context) error {
	r.logger.Info().Int("target", r.cfg.Connections).Int("rate", r.cfg.RampRate).Msg("Starting ramp-up")

	const batchInterval = 100 * time.Millisecond
	batch := max(r.cfg.RampRate/10, 1)
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	next := 0
	for next < r.cfg.Connections {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var wg sync.WaitGroup
		for i := 0; i < batch && next < r.cfg.Connections; i++ {
			id := next
			next++
			r.st.created.Add(1)
			wg.Add(1)
			go func() {
				defer wg.Done()
				c, err := r.connect(ctx, id)
				if err != nil {
					r.recordFailure(err)
					return
				}
				r.wg.Add(1)
				go func() {
					defer r.wg.Done()
					c.serve(ctx)
				}()
			}()
		}
		wg.Wait()
	}
	return nil
}

func (r *Runner) recordFailure(err error) {
	r.st.failed.Add(1)
	key := err.Error()
	if i := strings.IndexByte(key, ':'); i > 0 {
		key = key[:i]
	}
	v, _ := r.st.connErrors.LoadOrStore(key, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func (r *Runner) channelsFor(id int) []string {
	chans := r.cfg.Channels
	if len(chans) == 0 {
		return nil
	}
	switch r.cfg.SubscriptionMode {
	case SubscribeSingle:
		return []string{chans[id%len(chans)]}
	case SubscribeRandom:
		n := min(r.cfg.ChannelsPerClient, len(chans))
		out := make([]string, 0, n)
		for _, i := range rand.Perm(len(chans))[:n] {
			out = append(out, chans[i])
		}
		return out
	default:
		return chans
	}
}

func (r *Runner) periodic(ctx context.Context) {
	report := time.NewTicker(r.cfg.ReportInterval)
	defer report.Stop()
	var health <-chan time.Time
	if r.cfg.HealthURL != "" {
		t := time.NewTicker(r.cfg.HealthInterval)
		defer t.Stop()
		health = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-report.C:
			r.report()
		case <-health:
			if err := r.checkHealth(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("Health check failed")
			}
		}
	}
}

func (r *Runner) checkHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.HealthURL, nil)
	if err != nil {
		return err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var health server.HealthStatus
	if err := sonnet.Unmarshal(body, &health); err != nil {
		return fmt.Errorf("decode health: %w", err)
	}
	r.st.mu.Lock()
	r.st.lastHealth = &health
	r.st.mu.Unlock()

	if health.Status != "ok" {
		r.logger.Warn().Str("status", health.Status).Msg("Server reports unhealthy status")
	}
	return nil
}

func (r *Runner) report() {
	s := r.Stats()
	ev := r.logger.Info().
		Str("phase", s.Phase).
		Int64("active", s.Active).
		Int64("created", s.Created).
		Int64("failed", s.Failed).
		Int64("subscriptions", s.Subscriptions).
		Int64("published", s.Published).
		Int64("received", s.MessagesReceived).
		Int64("error_frames", s.ErrorFrames)
	if s.LastHealth != nil {
		ev = ev.Int64("server_connections", s.LastHealth.Connections)
	}
	if len(s.ConnectionErrors) > 0 {
		ev = ev.Interface("connection_errors", s.ConnectionErrors)
	}
	ev.Msg("Load test report")
}

// client is one simulated STOMP connection.
type client struct {
	id       int
	r        *Runner
	conn     net.Conn
	reader   *bufio.Reader
	channels []string
	writeMu  sync.Mutex
}

func (r *Runner) connect(ctx context.Context, id int) (*client, error) {
	d := net.Dialer{Timeout: r.cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", r.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c := &client{id: id, r: r, conn: conn, reader: bufio.NewReader(conn), channels: r.channelsFor(id)}

	_ = conn.SetDeadline(time.Now().Add(r.cfg.ConnectTimeout))
	user := r.cfg.UserPrefix + "-" + strconv.Itoa(id)
	if err := c.write(stomp.New(stomp.CmdConnect).
		Set(stomp.HdrAcceptVersion, stomp.ProtocolVersion).
		Set(stomp.HdrHost, "loadtest").
		Set(stomp.HdrLogin, user).
		Set(stomp.HdrPasscode, "pw")); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	f, err := c.read()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	if f.Command != stomp.CmdConnected {
		conn.Close()
		return nil, fmt.Errorf("login: %s", f.Header(stomp.HdrMessage))
	}

	for i, ch := range c.channels {
		sub := stomp.New(stomp.CmdSubscribe).
			Set(stomp.HdrDestination, ch).
			Set(stomp.HdrID, strconv.Itoa(i))
		if err := c.write(sub); err != nil {
			conn.Close()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		r.st.subscriptions.Add(1)
	}
	_ = conn.SetDeadline(time.Time{})

	r.st.active.Add(1)
	return c, nil
}

func (c *client) write(f *stomp.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(stomp.Marshal(f))
	return err
}

func (c *client) read() (*stomp.Frame, error) {
	for {
		msg, err := c.reader.ReadString(stomp.Terminator)
		if err != nil {
			return nil, err
		}
		if f := stomp.Parse(strings.TrimSuffix(msg, "\x00")); f != nil {
			return f, nil
		}
	}
}

// serve reads until the connection drops or ctx ends, publishing on the
// side when this client is a publisher. On ctx end it disconnects cleanly.
func (c *client) serve(ctx context.Context) {
	defer c.r.st.active.Add(-1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			f, err := c.read()
			if err != nil {
				return
			}
			switch f.Command {
			case stomp.CmdMessage:
				c.r.st.received.Add(1)
			case stomp.CmdError:
				c.r.st.errorFrames.Add(1)
				c.r.logger.Debug().Int("client", c.id).Str("message", f.Header(stomp.HdrMessage)).Msg("ERROR frame")
			}
		}
	}()

	var publish <-chan time.Time
	if every := c.r.cfg.PublisherEvery; every > 0 && c.id%every == 0 && len(c.channels) > 0 {
		t := time.NewTicker(c.r.cfg.PublishInterval)
		defer t.Stop()
		publish = t.C
	}

	seq := 0
	for {
		select {
		case <-done:
			c.conn.Close()
			return
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.write(stomp.New(stomp.CmdDisconnect).Set(stomp.HdrReceipt, "bye"))
			_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
			<-done
			c.conn.Close()
			return
		case <-publish:
			seq++
			ch := c.channels[seq%len(c.channels)]
			body := fmt.Sprintf("client=%d seq=%d ts=%d", c.id, seq, time.Now().UnixNano())
			if err := c.write(stomp.New(stomp.CmdSend).Set(stomp.HdrDestination, ch).WithBody(body)); err != nil {
				c.conn.Close()
				<-done
				return
			}
			c.r.st.published.Add(1)
		}
	}
}
