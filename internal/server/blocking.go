package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/stomp_poc/internal/monitoring"
	"github.com/adred-codev/stomp_poc/internal/protocol"
	"github.com/adred-codev/stomp_poc/internal/stomp"
	"github.com/rs/zerolog"
)

var errConnClosed = errors.New("connection closed")

// wire is the byte transport under a blocking handler: a raw TCP socket
// or a WebSocket carrying frames in data messages.
type wire interface {
	io.Reader
	WriteMessage(p []byte) error
	Close() error
	// Abort closes the transport without a goodbye.
	Abort() error
}

type tcpWire struct {
	net.Conn
}

func (w tcpWire) WriteMessage(p []byte) error {
	_, err := w.Write(p)
	return err
}

func (w tcpWire) Abort() error {
	return w.Conn.Close()
}

// BlockingHandler serves one connection on its own goroutine: read a byte,
// feed the codec, process completed frames inline.
type BlockingHandler struct {
	id     int64
	wire   wire
	codec  *stomp.Codec
	engine *protocol.Engine

	writeMu sync.Mutex
	closed  atomic.Bool

	logger  zerolog.Logger
	metrics *monitoring.Metrics
}

func newBlockingHandler(id int64, w wire, logger zerolog.Logger, metrics *monitoring.Metrics) *BlockingHandler {
	return &BlockingHandler{
		id:      id,
		wire:    w,
		codec:   stomp.NewCodec(),
		logger:  logger.With().Int64("conn_id", id).Logger(),
		metrics: metrics,
	}
}

// Send writes one frame. Writes to the same connection are serialized.
func (h *BlockingHandler) Send(f *stomp.Frame) error {
	if h.closed.Load() {
		return errConnClosed
	}
	data := stomp.Marshal(f)

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.wire.WriteMessage(data); err != nil {
		return err
	}
	h.metrics.FramesSent.Inc()
	h.metrics.BytesSent.Add(float64(len(data)))
	return nil
}

// run loops until the session terminates or the transport fails, then
// closes the transport. It returns the disconnect reason.
func (h *BlockingHandler) run() string {
	r := bufio.NewReader(h.wire)
	reason := "protocol"

	for !h.engine.Terminated() {
		b, err := r.ReadByte()
		if err != nil {
			reason = "read_error"
			if errors.Is(err, io.EOF) {
				reason = "client_closed"
			} else {
				h.logger.Debug().Err(err).Msg("Read failed")
			}
			break
		}
		if msg, ok := h.codec.Feed(b); ok {
			h.metrics.BytesReceived.Add(float64(len(msg) + 1))
			h.engine.ProcessText(msg)
		}
	}

	h.engine.Close()
	h.close()
	return reason
}

func (h *BlockingHandler) close() {
	if h.closed.CompareAndSwap(false, true) {
		h.writeMu.Lock()
		h.wire.Close()
		h.writeMu.Unlock()
	}
}

// abort unblocks run from another goroutine during shutdown.
func (h *BlockingHandler) abort() {
	h.closed.Store(true)
	h.wire.Abort()
}
