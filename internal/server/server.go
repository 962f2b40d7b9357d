// Package server accepts client connections and drives their protocol
// engines, either with a goroutine per connection or with an epoll reactor
// feeding a worker pool.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/stomp_poc/internal/accounts"
	"github.com/adred-codev/stomp_poc/internal/limits"
	"github.com/adred-codev/stomp_poc/internal/monitoring"
	"github.com/adred-codev/stomp_poc/internal/protocol"
	"github.com/adred-codev/stomp_poc/internal/registry"
	"github.com/adred-codev/stomp_poc/internal/types"
	"github.com/rs/zerolog"
)

// Config selects the execution model and listeners.
type Config struct {
	Mode      types.Mode
	Addr      string // STOMP TCP listener, e.g. ":7777"
	WSAddr    string // optional STOMP-over-WebSocket listener (blocking mode)
	AdminAddr string // optional /health, /metrics, /report listener

	Workers     int // reactor pool size
	WorkerQueue int // reactor pool pending task bound

	AccountsTimeout time.Duration
	MetricsInterval time.Duration
}

// Deps are the collaborators shared by every connection.
type Deps struct {
	Accounts    accounts.Store
	Reporter    accounts.Reporter           // optional, serves /report
	RateLimiter *limits.ConnectionRateLimiter // optional
	Guard       *limits.ResourceGuard       // optional
	Logger      zerolog.Logger
	Metrics     *monitoring.Metrics // created when nil
}

// Server is the front door: it accepts connections, assigns ids, builds an
// engine and handler per connection and registers the handler.
type Server struct {
	cfg      Config
	accounts accounts.Store
	reporter accounts.Reporter
	limiter  *limits.ConnectionRateLimiter
	guard    *limits.ResourceGuard
	logger   zerolog.Logger
	metrics  *monitoring.Metrics

	registry *registry.Connections
	relay    protocol.Relay
	nextID   atomic.Int64
	active   atomic.Int64

	listener   net.Listener
	reactor    *Reactor
	pool       *ActorPool
	wsServer   *http.Server
	wsAddr     net.Addr
	adminSrv   *http.Server
	adminAddr  net.Addr
	blocking   sync.Map // int64 -> *BlockingHandler
	started    bool
	startedAt  time.Time

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

// New creates a server. Nothing listens until Start.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Accounts == nil {
		return nil, errors.New("server: account store is required")
	}
	if _, err := types.ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if cfg.Mode == types.ModeReactor && cfg.WSAddr != "" {
		return nil, errors.New("server: websocket listener requires blocking mode")
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 15 * time.Second
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}

	return &Server{
		cfg:      cfg,
		accounts: deps.Accounts,
		reporter: deps.Reporter,
		limiter:  deps.RateLimiter,
		guard:    deps.Guard,
		logger:   deps.Logger.With().Str("component", "server").Str("mode", string(cfg.Mode)).Logger(),
		metrics:  metrics,
		registry: registry.New(),
	}, nil
}

// Registry returns the subscription registry shared by all connections.
func (s *Server) Registry() *registry.Connections { return s.registry }

// Metrics returns the server's collectors.
func (s *Server) Metrics() *monitoring.Metrics { return s.metrics }

// SetRelay installs the relay that receives every accepted SEND. Call
// before Start.
func (s *Server) SetRelay(r protocol.Relay) { s.relay = r }

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int64 { return s.active.Load() }

// Start opens the listeners and begins serving. It returns once every
// listener is bound.
func (s *Server) Start(ctx context.Context) error {
	if s.started {
		return errors.New("server already started")
	}
	s.started = true
	s.startedAt = time.Now()
	s.ctx, s.cancel = context.WithCancel(ctx)

	switch s.cfg.Mode {
	case types.ModeReactor:
		s.pool = NewActorPool(s.cfg.Workers, s.cfg.WorkerQueue, s.logger, s.metrics)
		r, err := newReactor(s.cfg.Addr, s)
		if err != nil {
			s.cancel()
			return fmt.Errorf("start reactor: %w", err)
		}
		s.reactor = r
		s.pool.Start()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer monitoring.RecoverPanic(s.logger, "reactor", nil)
			if err := r.run(); err != nil {
				s.logger.Error().Err(err).Msg("Reactor stopped")
			}
		}()
	default:
		ln, err := net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			s.cancel()
			return fmt.Errorf("listen: %w", err)
		}
		s.listener = ln
		s.wg.Add(1)
		go s.acceptLoop()
	}

	if s.cfg.WSAddr != "" {
		addr, srv, err := s.serveHTTP(s.cfg.WSAddr, s.wsMux(), "websocket")
		if err != nil {
			s.Shutdown(context.Background())
			return err
		}
		s.wsAddr, s.wsServer = addr, srv
	}
	if s.cfg.AdminAddr != "" {
		addr, srv, err := s.serveHTTP(s.cfg.AdminAddr, s.adminMux(), "admin")
		if err != nil {
			s.Shutdown(context.Background())
			return err
		}
		s.adminAddr, s.adminSrv = addr, srv
	}

	if s.guard != nil {
		s.guard.StartMonitoring(s.ctx, s.cfg.MetricsInterval)
	}

	s.logger.Info().Str("addr", s.Addr().String()).Msg("Server started")
	return nil
}

// Addr returns the bound STOMP listener address.
func (s *Server) Addr() net.Addr {
	if s.reactor != nil {
		return s.reactor.addr()
	}
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// WSAddr returns the bound WebSocket listener address, if any.
func (s *Server) WSAddr() net.Addr { return s.wsAddr }

// AdminAddr returns the bound admin listener address, if any.
func (s *Server) AdminAddr() net.Addr { return s.adminAddr }

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "acceptLoop", nil)

	var tempDelay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shuttingDown.Load() || s.ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay = min(tempDelay*2, time.Second)
				}
				s.logger.Warn().Err(err).Dur("retry_in", tempDelay).Msg("Accept error")
				time.Sleep(tempDelay)
				continue
			}
			s.logger.Error().Err(err).Msg("Accept failed, listener closed")
			return
		}
		tempDelay = 0

		id, ok := s.admit(remoteIP(conn.RemoteAddr().String()))
		if !ok {
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveBlocking(id, tcpWire{conn}, "tcp")
		}()
	}
}

// serveBlocking runs a blocking handler on the calling goroutine.
func (s *Server) serveBlocking(id int64, w wire, transport string) {
	defer monitoring.RecoverPanic(s.logger, "blockingHandler", map[string]any{"conn_id": id})

	h := newBlockingHandler(id, w, s.logger, s.metrics)
	h.engine = s.newEngine(id)
	s.register(id, h)
	s.blocking.Store(id, h)
	if s.shuttingDown.Load() {
		h.abort()
	}

	s.logger.Debug().Int64("conn_id", id).Str("transport", transport).Msg("Connection opened")
	reason := h.run()

	s.blocking.Delete(id)
	s.unregister(id, reason)
}

// admit applies the rate limiter and resource guard, then assigns an id.
func (s *Server) admit(ip string) (int64, bool) {
	if s.shuttingDown.Load() {
		return 0, false
	}
	if s.limiter != nil {
		if ok, reason := s.limiter.Allow(ip); !ok {
			s.metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
			return 0, false
		}
	}
	if s.guard != nil {
		if ok, reason := s.guard.ShouldAcceptConnection(); !ok {
			s.logger.Warn().Str("ip", ip).Str("reason", reason).Msg("Connection rejected")
			s.metrics.ConnectionsRejected.WithLabelValues("resources").Inc()
			return 0, false
		}
	}
	return s.nextID.Add(1), true
}

func (s *Server) newEngine(id int64) *protocol.Engine {
	return protocol.New(protocol.Config{
		ConnID:   id,
		Registry: s.registry,
		Accounts: s.accounts,
		Relay:    s.relay,
		Metrics:  s.metrics,
		Logger:   s.logger,
		Timeout:  s.cfg.AccountsTimeout,
	})
}

func (s *Server) register(id int64, h registry.Handle) {
	s.registry.Connect(id, h)
	s.active.Add(1)
	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsActive.Inc()
}

func (s *Server) unregister(id int64, reason string) {
	s.active.Add(-1)
	s.metrics.ConnectionsActive.Dec()
	s.metrics.Disconnects.WithLabelValues(reason).Inc()
	s.logger.Debug().Int64("conn_id", id).Str("reason", reason).Msg("Connection closed")
}

// Shutdown stops accepting, closes the reactor or listener, aborts open
// blocking connections and stops the HTTP servers. In-flight frames are
// not drained.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info().Int64("active_connections", s.active.Load()).Msg("Shutting down")

	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	if s.reactor != nil {
		s.reactor.close()
	}

	var errs []error
	for _, srv := range []*http.Server{s.wsServer, s.adminSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	s.blocking.Range(func(_, v any) bool {
		v.(*BlockingHandler).abort()
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		if s.pool != nil {
			s.pool.Stop()
		}
		if s.guard != nil {
			s.guard.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	s.logger.Info().Msg("Server stopped")
	return errors.Join(errs...)
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
