package server

import (
	"net"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// wsWire exposes the data messages of a WebSocket as one byte stream.
// Every outbound frame is sent as a single text message that keeps its
// NUL terminator, as STOMP-over-WebSocket clients expect.
type wsWire struct {
	conn    net.Conn
	pending []byte
}

func (w *wsWire) Read(p []byte) (int, error) {
	for len(w.pending) == 0 {
		msg, _, err := wsutil.ReadClientData(w.conn)
		if err != nil {
			return 0, err
		}
		w.pending = msg
	}
	n := copy(p, w.pending)
	w.pending = w.pending[n:]
	return n, nil
}

func (w *wsWire) WriteMessage(p []byte) error {
	return wsutil.WriteServerMessage(w.conn, ws.OpText, p)
}

func (w *wsWire) Close() error {
	_ = wsutil.WriteServerMessage(w.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	return w.conn.Close()
}

func (w *wsWire) Abort() error {
	return w.conn.Close()
}

// handleWebSocket upgrades the request and serves STOMP on it with a
// blocking handler.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	id, ok := s.admit(remoteIP(r.RemoteAddr))
	if !ok {
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		s.metrics.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.serveBlocking(id, &wsWire{conn: conn}, "websocket")
}
