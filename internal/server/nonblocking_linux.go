//go:build linux

package server

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/stomp_poc/internal/protocol"
	"github.com/adred-codev/stomp_poc/internal/stomp"
	"golang.org/x/sys/unix"
)

// NonBlockingHandler is the reactor-side state of one connection.
//
// fd, codec and writeInterest belong to the loop goroutine. engine is only
// touched by pool tasks keyed by id, which run one at a time. out and
// closeAfterFlush are shared and guarded by outMu.
type NonBlockingHandler struct {
	id      int64
	fd      int
	reactor *Reactor
	codec   *stomp.Codec
	engine  *protocol.Engine

	writeInterest bool

	outMu           sync.Mutex
	out             []byte
	closeAfterFlush bool

	closed atomic.Bool
}

func newNonBlockingHandler(id int64, fd int, r *Reactor) *NonBlockingHandler {
	return &NonBlockingHandler{
		id:      id,
		fd:      fd,
		reactor: r,
		codec:   stomp.NewCodec(),
	}
}

// Send queues an encoded frame and asks the loop to flush it. Safe to call
// from any goroutine.
func (h *NonBlockingHandler) Send(f *stomp.Frame) error {
	if h.closed.Load() {
		return errConnClosed
	}
	data := stomp.Marshal(f)

	h.outMu.Lock()
	wasEmpty := len(h.out) == 0
	h.out = append(h.out, data...)
	h.outMu.Unlock()

	m := h.reactor.srv.metrics
	m.FramesSent.Inc()
	if wasEmpty {
		h.reactor.post(h.flush)
	}
	return nil
}

// onReadable runs on the loop: one read, decode, and a single task that
// processes every completed frame in order.
func (h *NonBlockingHandler) onReadable(buf []byte) {
	n, err := unix.Read(h.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return
		}
		h.reactor.closeHandler(h, "read_error")
		return
	}
	if n == 0 {
		h.reactor.closeHandler(h, "client_closed")
		return
	}

	h.reactor.srv.metrics.BytesReceived.Add(float64(n))
	msgs := h.codec.Decode(buf[:n])
	if len(msgs) == 0 {
		return
	}

	h.submit(func() {
		for _, msg := range msgs {
			if h.engine.Terminated() {
				break
			}
			h.engine.ProcessText(msg)
		}
		if h.engine.Terminated() {
			h.requestClose()
		}
	})
}

// submit hands a task for this connection to the pool.
func (h *NonBlockingHandler) submit(task Task) {
	srv := h.reactor.srv
	if err := srv.pool.Submit(srv.ctx, h.id, task); err != nil {
		srv.logger.Debug().Err(err).Int64("conn_id", h.id).Msg("Task dropped")
	}
}

// requestClose marks the connection to be closed once its output drains.
func (h *NonBlockingHandler) requestClose() {
	h.outMu.Lock()
	h.closeAfterFlush = true
	h.outMu.Unlock()
	h.reactor.post(h.flush)
}

func (h *NonBlockingHandler) onWritable() {
	h.flush()
}

// flush runs on the loop: write as much pending output as the socket
// takes, keep EPOLLOUT only while bytes remain, close when asked to and
// drained.
func (h *NonBlockingHandler) flush() {
	if h.closed.Load() {
		return
	}

	h.outMu.Lock()
	written := 0
	var werr error
	for written < len(h.out) {
		n, err := unix.Write(h.fd, h.out[written:])
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
				werr = err
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			break
		}
		written += n
	}
	h.out = h.out[written:]
	if len(h.out) == 0 {
		h.out = nil
	}
	pending := len(h.out) > 0
	closeNow := !pending && h.closeAfterFlush
	h.outMu.Unlock()

	h.reactor.srv.metrics.BytesSent.Add(float64(written))

	switch {
	case werr != nil:
		h.reactor.closeHandler(h, "write_error")
	case closeNow:
		h.reactor.closeHandler(h, "protocol")
	default:
		h.reactor.setWriteInterest(h, pending)
	}
}
