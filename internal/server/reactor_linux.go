//go:build linux

package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	maxEvents     = 256
	readBufSize   = 4096
	listenBacklog = 1024
)

// Reactor owns one epoll set holding the listener, an eventfd used for
// wake-ups and every client socket. Only the loop goroutine touches the
// epoll registrations and the handler map; other goroutines hand it work
// through post.
type Reactor struct {
	srv    *Server
	logger zerolog.Logger

	epfd  int
	lfd   int
	efd   int
	bound net.Addr

	handlers map[int]*NonBlockingHandler
	readBuf  []byte

	taskMu  sync.Mutex
	tasks   []func()
	stopped bool

	closing atomic.Bool
}

func newReactor(addr string, srv *Server) (*Reactor, error) {
	lfd, bound, err := listenTCP(addr)
	if err != nil {
		return nil, err
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(lfd)
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(lfd)
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	r := &Reactor{
		srv:      srv,
		logger:   srv.logger.With().Str("component", "reactor").Logger(),
		epfd:     epfd,
		lfd:      lfd,
		efd:      efd,
		bound:    bound,
		handlers: make(map[int]*NonBlockingHandler),
		readBuf:  make([]byte, readBufSize),
	}

	for _, fd := range []int{lfd, efd} {
		if err := r.ctl(unix.EPOLL_CTL_ADD, fd, unix.EPOLLIN); err != nil {
			r.closeFDs()
			return nil, err
		}
	}
	return r, nil
}

// listenTCP opens a non-blocking listening socket on addr ("host:port").
func listenTCP(addr string) (int, net.Addr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, nil, fmt.Errorf("parse listen address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, nil, fmt.Errorf("parse listen port: %w", err)
	}

	ip := net.IPv4zero
	if host != "" {
		if ip = net.ParseIP(host); ip == nil {
			return -1, nil, fmt.Errorf("listen host must be an IP literal, got %q", host)
		}
	}

	family := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := ip.To4(); ip4 != nil {
		s4 := &unix.SockaddrInet4{Port: port}
		copy(s4.Addr[:], ip4)
		sa = s4
	} else {
		family = unix.AF_INET6
		s6 := &unix.SockaddrInet6{Port: port}
		copy(s6.Addr[:], ip.To16())
		sa = s6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("listen: %w", err)
	}

	local, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("getsockname: %w", err)
	}
	return fd, sockaddrToTCP(local), nil
}

func sockaddrToTCP(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	default:
		return &net.TCPAddr{}
	}
}

func (r *Reactor) addr() net.Addr { return r.bound }

func (r *Reactor) ctl(op, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(%d, fd=%d): %w", op, fd, err)
	}
	return nil
}

// post queues fn to run on the loop goroutine and wakes the loop. Work
// posted after the loop has exited is dropped.
func (r *Reactor) post(fn func()) {
	r.taskMu.Lock()
	if r.stopped {
		r.taskMu.Unlock()
		return
	}
	r.tasks = append(r.tasks, fn)
	r.wakeLocked()
	r.taskMu.Unlock()
}

// wakeLocked bumps the eventfd counter. Caller holds taskMu so the fd
// cannot be closed underneath.
func (r *Reactor) wakeLocked() {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, _ = unix.Write(r.efd, b[:])
}

func (r *Reactor) runTasks() {
	r.taskMu.Lock()
	tasks := r.tasks
	r.tasks = nil
	r.taskMu.Unlock()

	for _, fn := range tasks {
		fn()
	}
}

// close asks the loop to exit.
func (r *Reactor) close() {
	if r.closing.CompareAndSwap(false, true) {
		r.taskMu.Lock()
		if !r.stopped {
			r.wakeLocked()
		}
		r.taskMu.Unlock()
	}
}

// run is the event loop. It returns after close, having closed every
// client socket and its own descriptors.
func (r *Reactor) run() error {
	defer r.shutdown()

	r.logger.Info().Str("addr", r.bound.String()).Msg("Reactor listening")

	events := make([]unix.EpollEvent, maxEvents)
	for !r.closing.Load() {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			ev := events[i].Events

			switch fd {
			case r.lfd:
				r.acceptAll()
			case r.efd:
				r.drainWakeups()
			default:
				h, ok := r.handlers[fd]
				if !ok {
					continue
				}
				if ev&unix.EPOLLIN != 0 {
					h.onReadable(r.readBuf)
				} else if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
					r.closeHandler(h, "socket_error")
				}
				if ev&unix.EPOLLOUT != 0 && !h.closed.Load() {
					h.onWritable()
				}
			}
		}

		r.runTasks()
	}
	return nil
}

func (r *Reactor) drainWakeups() {
	var b [8]byte
	for {
		if _, err := unix.Read(r.efd, b[:]); err != nil {
			return
		}
	}
}

func (r *Reactor) acceptAll() {
	for {
		nfd, sa, err := unix.Accept4(r.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				return
			}
			r.logger.Warn().Err(err).Msg("Accept failed")
			return
		}

		remote := sockaddrToTCP(sa)
		id, ok := r.srv.admit(remote.IP.String())
		if !ok {
			unix.Close(nfd)
			continue
		}

		h := newNonBlockingHandler(id, nfd, r)
		if err := r.ctl(unix.EPOLL_CTL_ADD, nfd, unix.EPOLLIN); err != nil {
			r.logger.Warn().Err(err).Msg("Register client failed")
			unix.Close(nfd)
			continue
		}
		h.engine = r.srv.newEngine(id)
		r.handlers[nfd] = h
		r.srv.register(id, h)

		r.logger.Debug().Int64("conn_id", id).Str("remote", remote.String()).Msg("Connection opened")
	}
}

// setWriteInterest toggles EPOLLOUT for h.
func (r *Reactor) setWriteInterest(h *NonBlockingHandler, on bool) {
	if h.closed.Load() || h.writeInterest == on {
		return
	}
	events := uint32(unix.EPOLLIN)
	if on {
		events |= unix.EPOLLOUT
	}
	if err := r.ctl(unix.EPOLL_CTL_MOD, h.fd, events); err != nil {
		r.logger.Debug().Err(err).Int64("conn_id", h.id).Msg("Interest change failed")
		return
	}
	h.writeInterest = on
}

// closeHandler drops h from the loop, closes its socket and schedules the
// session cleanup behind any frames still queued for it.
func (r *Reactor) closeHandler(h *NonBlockingHandler, reason string) {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, h.fd, nil)
	unix.Close(h.fd)
	delete(r.handlers, h.fd)

	r.srv.unregister(h.id, reason)
	if !r.closing.Load() {
		h.submit(h.engine.Close)
	}
}

func (r *Reactor) shutdown() {
	for _, h := range r.handlers {
		r.closeHandler(h, "shutdown")
	}

	r.taskMu.Lock()
	r.stopped = true
	r.tasks = nil
	r.taskMu.Unlock()

	r.closeFDs()
	r.logger.Info().Msg("Reactor stopped")
}

func (r *Reactor) closeFDs() {
	unix.Close(r.lfd)
	unix.Close(r.efd)
	unix.Close(r.epfd)
}
