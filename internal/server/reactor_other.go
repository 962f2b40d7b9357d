//go:build !linux

package server

import (
	"errors"
	"net"
)

// ErrReactorUnsupported is returned when reactor mode is requested on a
// platform without epoll.
var ErrReactorUnsupported = errors.New("reactor mode requires linux")

// Reactor is unavailable on this platform.
type Reactor struct{}

func newReactor(string, *Server) (*Reactor, error) { return nil, ErrReactorUnsupported }

func (r *Reactor) run() error { return ErrReactorUnsupported }
func (r *Reactor) close() {}
func (r *Reactor) addr() net.Addr { return nil }
