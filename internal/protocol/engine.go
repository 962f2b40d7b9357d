// Package protocol holds the per-connection STOMP state machine.
package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/adred-codev/stomp_poc/internal/accounts"
	"github.com/adred-codev/stomp_poc/internal/monitoring"
	"github.com/adred-codev/stomp_poc/internal/registry"
	"github.com/adred-codev/stomp_poc/internal/stomp"
	"github.com/rs/zerolog"
)

// State of a session.
type State int

const (
	Unauthenticated State = iota
	Authenticated
	Terminated
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Short reasons carried in the "message" header of ERROR frames.
const (
	ErrNotLoggedIn      = "Not logged in"
	ErrMissingHeaders   = "Missing headers"
	ErrWrongPassword    = "Wrong password"
	ErrAlreadyLoggedIn  = "User already logged in"
	ErrLoginFailed      = "Login failed"
	ErrAlreadyConnected = "Already connected"
	ErrNotSubscribed    = "Not subscribed"
	ErrSubscriptionUsed = "Subscription id in use"
	ErrUnknownCommand   = "Unknown command"
	ErrInternal         = "Internal error"
)

// Relay receives every accepted SEND so it can be forwarded to peer nodes.
type Relay interface {
	Publish(channel, body string)
}

// Config wires an Engine to its collaborators.
type Config struct {
	ConnID   int64
	Registry *registry.Connections
	Accounts accounts.Store
	Relay    Relay               // optional
	Metrics  *monitoring.Metrics // optional
	Logger   zerolog.Logger
	// Timeout bounds each account store call (default 5s).
	Timeout time.Duration
}

// Engine processes the decoded frames of one connection. It is not safe
// for concurrent use: callers run Process calls for one connection one at
// a time, in arrival order.
type Engine struct {
	connID   int64
	registry *registry.Connections
	accounts accounts.Store
	relay    Relay
	metrics  *monitoring.Metrics
	logger   zerolog.Logger
	timeout  time.Duration

	state    State
	username string
	subs     map[string]string // subscription id -> channel
	closed   bool
}

// New returns an engine in the Unauthenticated state.
func New(cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Engine{
		connID:   cfg.ConnID,
		registry: cfg.Registry,
		accounts: cfg.Accounts,
		relay:    cfg.Relay,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With().Int64("conn_id", cfg.ConnID).Logger(),
		timeout:  cfg.Timeout,
		subs:     make(map[string]string),
	}
}

// State returns the current session state.
func (e *Engine) State() State { return e.state }

// Terminated reports whether the session has ended.
func (e *Engine) Terminated() bool { return e.state == Terminated }

// Subscriptions returns a copy of the local subscription id -> channel map.
func (e *Engine) Subscriptions() map[string]string {
	out := make(map[string]string, len(e.subs))
	for id, ch := range e.subs {
		out[id] = ch
	}
	return out
}

// ProcessText parses one decoded message and processes it. Text without a
// command is dropped.
func (e *Engine) ProcessText(text string) {
	f := stomp.Parse(text)
	if f == nil {
		e.logger.Debug().Int("bytes", len(text)).Msg("Dropped unparsable frame")
		return
	}
	e.Process(f)
}

// Process handles one frame. After termination every frame is ignored.
func (e *Engine) Process(f *stomp.Frame) {
	if e.state == Terminated {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			monitoring.LogPanicValue(e.logger, r, "protocol.Process", map[string]any{"command": f.Command})
			e.fail(f, ErrInternal, fmt.Sprint(r), true)
		}
	}()

	if e.metrics != nil {
		e.metrics.FramesReceived.WithLabelValues(commandLabel(f.Command)).Inc()
	}

	if e.state == Unauthenticated && f.Command != stomp.CmdConnect && f.Command != stomp.CmdStomp {
		e.fail(f, ErrNotLoggedIn, "Log in with CONNECT before sending "+f.Command, true)
		return
	}

	switch f.Command {
	case stomp.CmdConnect, stomp.CmdStomp:
		e.connect(f)
	case stomp.CmdSubscribe:
		e.subscribe(f)
	case stomp.CmdUnsubscribe:
		e.unsubscribe(f)
	case stomp.CmdSend:
		e.send(f)
	case stomp.CmdDisconnect:
		e.disconnect(f)
	default:
		e.fail(f, ErrUnknownCommand, "Unsupported command "+f.Command, true)
	}
}

func (e *Engine) connect(f *stomp.Frame) {
	if e.state == Authenticated {
		e.fail(f, ErrAlreadyConnected, "This connection is already logged in as "+e.username, true)
		return
	}

	login, okLogin := f.Get(stomp.HdrLogin)
	passcode, okPass := f.Get(stomp.HdrPasscode)
	_, okVersion := f.Get(stomp.HdrAcceptVersion)
	if !okLogin || !okPass || !okVersion {
		e.fail(f, ErrMissingHeaders, "CONNECT requires login, passcode and accept-version headers", true)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	status, err := e.accounts.Login(ctx, e.connID, login, passcode)
	if err != nil {
		e.logger.Warn().Err(err).Str("username", login).Msg("Account store login failed")
		e.countLogin("error")
		e.fail(f, ErrLoginFailed, "Could not reach the account store", true)
		return
	}
	e.countLogin(status.String())

	switch status {
	case accounts.AddedNewUser, accounts.LoggedIn:
		e.state = Authenticated
		e.username = login
		e.logger.Info().Str("username", login).Stringer("status", status).Msg("Client logged in")
		e.reply(stomp.New(stomp.CmdConnected).Set(stomp.HdrVersion, stomp.ProtocolVersion))
		e.receipt(f)
	case accounts.WrongPassword:
		e.fail(f, ErrWrongPassword, "Password does not match user "+login, true)
	case accounts.AlreadyLoggedIn:
		e.fail(f, ErrAlreadyLoggedIn, "User "+login+" is logged in on another connection", true)
	default:
		e.fail(f, ErrLoginFailed, "Unexpected login status", true)
	}
}

func (e *Engine) subscribe(f *stomp.Frame) {
	channel, okDest := f.Get(stomp.HdrDestination)
	id, okID := f.Get(stomp.HdrID)
	if !okDest || !okID || channel == "" {
		e.fail(f, ErrMissingHeaders, "SUBSCRIBE requires destination and id headers", false)
		return
	}

	if bound, ok := e.subs[id]; ok && bound != channel {
		e.fail(f, ErrSubscriptionUsed, "Subscription id "+id+" is bound to "+bound, false)
		return
	}

	if e.registry.Subscribe(channel, e.connID, id) {
		e.subs[id] = channel
		if e.metrics != nil {
			e.metrics.Subscriptions.Inc()
		}
	}
	e.receipt(f)
}

func (e *Engine) unsubscribe(f *stomp.Frame) {
	id, ok := f.Get(stomp.HdrID)
	if !ok {
		e.fail(f, ErrMissingHeaders, "UNSUBSCRIBE requires an id header", false)
		return
	}
	channel, ok := e.subs[id]
	if !ok {
		e.fail(f, ErrNotSubscribed, "No subscription with id "+id, false)
		return
	}

	delete(e.subs, id)
	if e.registry.Unsubscribe(channel, e.connID, id) && e.metrics != nil {
		e.metrics.Subscriptions.Dec()
	}
	e.receipt(f)
}

func (e *Engine) send(f *stomp.Frame) {
	channel, ok := f.Get(stomp.HdrDestination)
	if !ok || channel == "" {
		e.fail(f, ErrMissingHeaders, "SEND requires a destination header", true)
		return
	}
	username, ok := e.accounts.Username(e.connID)
	if !ok {
		e.fail(f, ErrNotLoggedIn, "No user is logged in on this connection", true)
		return
	}

	delivered := e.registry.Broadcast(channel, f.Body, e.connID)
	if e.relay != nil {
		e.relay.Publish(channel, f.Body)
	}
	if e.metrics != nil {
		e.metrics.MessagesPublished.Inc()
		e.metrics.MessagesDelivered.Add(float64(delivered))
	}

	if file, ok := f.Get(stomp.HdrFileName); ok && file != "" {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		if err := e.accounts.TrackUpload(ctx, username, file, channel); err != nil {
			e.logger.Warn().Err(err).Str("file", file).Msg("Failed to track upload")
		}
		cancel()
	}

	e.receipt(f)
}

func (e *Engine) disconnect(f *stomp.Frame) {
	e.receipt(f)
	e.logger.Info().Str("username", e.username).Msg("Client disconnected")
	e.terminate()
}

// Close ends the session when the transport goes away. It is idempotent
// and safe to call after DISCONNECT or a fatal error.
func (e *Engine) Close() {
	e.terminate()
}

func (e *Engine) terminate() {
	e.state = Terminated
	if e.closed {
		return
	}
	e.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	if err := e.accounts.Logout(ctx, e.connID); err != nil {
		e.logger.Warn().Err(err).Msg("Account store logout failed")
	}

	e.registry.Disconnect(e.connID)
	if e.metrics != nil {
		e.metrics.Subscriptions.Sub(float64(len(e.subs)))
	}
	e.subs = make(map[string]string)
}

// fail replies with an ERROR frame. Fatal errors end the session.
func (e *Engine) fail(req *stomp.Frame, message, detail string, fatal bool) {
	errFrame := stomp.New(stomp.CmdError).Set(stomp.HdrMessage, message)
	if r, ok := req.Get(stomp.HdrReceipt); ok {
		errFrame.Set(stomp.HdrReceiptID, r)
	}
	errFrame.WithBody(detail + "\nThe message:\n-----\n" + req.String() + "\n-----")

	e.logger.Debug().Str("message", message).Bool("fatal", fatal).Str("command", req.Command).Msg("Protocol error")
	if e.metrics != nil {
		e.metrics.ErrorFrames.WithLabelValues(message).Inc()
	}

	e.reply(errFrame)
	if fatal {
		e.terminate()
	}
}

func (e *Engine) receipt(f *stomp.Frame) {
	if r, ok := f.Get(stomp.HdrReceipt); ok {
		e.reply(stomp.New(stomp.CmdReceipt).Set(stomp.HdrReceiptID, r))
	}
}

func (e *Engine) reply(f *stomp.Frame) {
	if !e.registry.Send(e.connID, f) {
		e.logger.Debug().Str("command", f.Command).Msg("Reply dropped, connection gone")
	}
}

func (e *Engine) countLogin(status string) {
	if e.metrics != nil {
		e.metrics.LoginAttempts.WithLabelValues(status).Inc()
	}
}

// commandLabel keeps the metric label set bounded.
func commandLabel(cmd string) string {
	switch cmd {
	case stomp.CmdConnect, stomp.CmdStomp, stomp.CmdSubscribe, stomp.CmdUnsubscribe, stomp.CmdSend, stomp.CmdDisconnect:
		return cmd
	default:
		return "OTHER"
	}
}
