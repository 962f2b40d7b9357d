package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/adred-codev/stomp_poc/internal/accounts"
	"github.com/adred-codev/stomp_poc/internal/protocol"
	"github.com/adred-codev/stomp_poc/internal/stomp"
	"github.com/adred-codev/stomp_poc/internal/types"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/goleak"
)

var modes = []types.Mode{types.ModeBlocking, types.ModeReactor}

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Mode == types.ModeReactor && runtime.GOOS != "linux" {
		t.Skip("reactor mode requires linux")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	cfg.Workers, cfg.WorkerQueue = 4, 64
	cfg.AccountsTimeout = time.Second

	store := accounts.NewMemoryStore()
	srv, err := New(cfg, Deps{Accounts: store, Reporter: store, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
	})
	return srv
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(f *stomp.Frame) {
	c.t.Helper()
	_, err := c.conn.Write(stomp.Marshal(f))
	require.NoError(c.t, err)
}

func (c *testClient) read() *stomp.Frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	msg, err := c.r.ReadString(stomp.Terminator)
	require.NoError(c.t, err)
	f := stomp.Parse(strings.TrimSuffix(msg, "\x00"))
	require.NotNil(c.t, f)
	return f
}

// requireClosed waits for the server to close the connection.
func (c *testClient) requireClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err := c.r.ReadByte()
	require.ErrorIs(c.t, err, io.EOF)
}

func (c *testClient) login(user, pass string) {
	c.t.Helper()
	c.send(stomp.New(stomp.CmdConnect).
		Set(stomp.HdrAcceptVersion, "1.2").
		Set(stomp.HdrHost, "stomp.cs.bgu.ac.il").
		Set(stomp.HdrLogin, user).
		Set(stomp.HdrPasscode, pass))
	f := c.read()
	require.Equal(c.t, stomp.CmdConnected, f.Command)
	require.Equal(c.t, stomp.ProtocolVersion, f.Header(stomp.HdrVersion))
}

// subscribe waits for the receipt so the subscription is in place.
func (c *testClient) subscribe(dest, id, receipt string) {
	c.t.Helper()
	c.send(stomp.New(stomp.CmdSubscribe).
		Set(stomp.HdrDestination, dest).
		Set(stomp.HdrID, id).
		Set(stomp.HdrReceipt, receipt))
	f := c.read()
	require.Equal(c.t, stomp.CmdReceipt, f.Command)
	require.Equal(c.t, receipt, f.Header(stomp.HdrReceiptID))
}

func TestPublishSubscribe(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			srv := startServer(t, Config{Mode: mode})

			a := dial(t, srv)
			a.login("u1", "pw1")
			a.subscribe("/topic/news", "0", "r0")

			b := dial(t, srv)
			b.login("u2", "pw2")
			b.subscribe("/topic/news", "7", "r7")

			a.send(stomp.New(stomp.CmdSend).Set(stomp.HdrDestination, "/topic/news").WithBody("hello"))

			msg := b.read()
			require.Equal(t, stomp.CmdMessage, msg.Command)
			require.Equal(t, "7", msg.Header(stomp.HdrSubscription))
			require.Equal(t, "/topic/news", msg.Header(stomp.HdrDestination))
			require.NotEmpty(t, msg.Header(stomp.HdrMessageID))
			require.Equal(t, "hello", msg.Body)

			b.send(stomp.New(stomp.CmdDisconnect).Set(stomp.HdrReceipt, "77"))
			r := b.read()
			require.Equal(t, stomp.CmdReceipt, r.Command)
			require.Equal(t, "77", r.Header(stomp.HdrReceiptID))
			b.requireClosed()

			require.Eventually(t, func() bool {
				return srv.Registry().SubscriberCount("/topic/news") == 1
			}, 3*time.Second, 10*time.Millisecond)
		})
	}
}

func TestMissingPasscodeClosesConnection(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			srv := startServer(t, Config{Mode: mode})

			c := dial(t, srv)
			c.send(stomp.New(stomp.CmdConnect).Set(stomp.HdrAcceptVersion, "1.2").Set(stomp.HdrLogin, "u"))

			f := c.read()
			require.Equal(t, stomp.CmdError, f.Command)
			require.Equal(t, protocol.ErrMissingHeaders, f.Header(stomp.HdrMessage))
			c.requireClosed()

			require.Eventually(t, func() bool { return srv.ActiveConnections() == 0 }, 3*time.Second, 10*time.Millisecond)
		})
	}
}

func TestFramesSplitAcrossWrites(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			srv := startServer(t, Config{Mode: mode})
			c := dial(t, srv)

			raw := stomp.Marshal(stomp.New(stomp.CmdConnect).
				Set(stomp.HdrAcceptVersion, "1.2").
				Set(stomp.HdrLogin, "split").
				Set(stomp.HdrPasscode, "pw"))
			for _, b := range raw {
				_, err := c.conn.Write([]byte{b})
				require.NoError(t, err)
			}
			require.Equal(t, stomp.CmdConnected, c.read().Command)
		})
	}
}

func TestClientDropCleansUp(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			srv := startServer(t, Config{Mode: mode})

			c := dial(t, srv)
			c.login("dropper", "pw")
			c.subscribe("/q", "1", "r1")
			require.NoError(t, c.conn.Close())

			require.Eventually(t, func() bool {
				return srv.ActiveConnections() == 0 && srv.Registry().SubscriberCount("/q") == 0
			}, 3*time.Second, 10*time.Millisecond)

			again := dial(t, srv)
			again.login("dropper", "pw")
		})
	}
}

func TestReactorSlowSubscriberLargeBodies(t *testing.T) {
	srv := startServer(t, Config{Mode: types.ModeReactor})

	sub := dial(t, srv)
	sub.login("slow", "pw")
	sub.subscribe("/bulk", "b", "rb")

	pub := dial(t, srv)
	pub.login("fast", "pw")

	// The subscriber reads nothing until the publisher is done, so the
	// server's writes to it hit a full socket buffer and must resume on
	// EPOLLOUT.
	const count, size = 100, 64 << 10
	body := strings.Repeat("x", size)
	for i := 0; i < count; i++ {
		pub.send(stomp.New(stomp.CmdSend).Set(stomp.HdrDestination, "/bulk").WithBody(body))
	}
	pub.send(stomp.New(stomp.CmdDisconnect).Set(stomp.HdrReceipt, "done"))

	r := pub.read()
	require.Equal(t, stomp.CmdReceipt, r.Command)
	require.Equal(t, "done", r.Header(stomp.HdrReceiptID))
	pub.requireClosed()

	for i := 0; i < count; i++ {
		msg := sub.read()
		require.Equal(t, stomp.CmdMessage, msg.Command, "frame %d", i)
		require.Equal(t, "b", msg.Header(stomp.HdrSubscription))
		require.Len(t, msg.Body, size, "frame %d", i)
	}

	sub.send(stomp.New(stomp.CmdDisconnect).Set(stomp.HdrReceipt, "bye"))
	r = sub.read()
	require.Equal(t, stomp.CmdReceipt, r.Command)
	sub.requireClosed()
}

func TestAdminEndpoints(t *testing.T) {
	srv := startServer(t, Config{Mode: types.ModeBlocking, AdminAddr: "127.0.0.1:0"})
	c := dial(t, srv)
	c.login("admin-user", "pw")

	base := "http://" + srv.AdminAddr().String()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthStatus
	require.NoError(t, sonnet.Unmarshal(body, &health))
	require.Equal(t, "ok", health.Status)
	require.EqualValues(t, 1, health.Connections)

	resp, err = http.Get(base + "/report")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report accounts.Report
	require.NoError(t, sonnet.Unmarshal(body, &report))
	require.Equal(t, []string{"admin-user"}, report.Users)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "stomp_connections_active")
}

func TestWebSocketTransport(t *testing.T) {
	srv := startServer(t, Config{Mode: types.ModeBlocking, WSAddr: "127.0.0.1:0"})

	conn, _, _, err := ws.Dial(context.Background(), "ws://"+srv.WSAddr().String()+"/")
	require.NoError(t, err)
	defer conn.Close()

	connect := stomp.Marshal(stomp.New(stomp.CmdConnect).
		Set(stomp.HdrAcceptVersion, "1.2").
		Set(stomp.HdrLogin, "ws-user").
		Set(stomp.HdrPasscode, "pw"))
	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpText, connect))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	f := stomp.Parse(strings.TrimSuffix(string(data), "\x00"))
	require.NotNil(t, f)
	require.Equal(t, stomp.CmdConnected, f.Command)

	tcp := dial(t, srv)
	tcp.login("tcp-user", "pw")
	tcp.subscribe("/mixed", "s", "r")

	send := stomp.Marshal(stomp.New(stomp.CmdSend).Set(stomp.HdrDestination, "/mixed").WithBody("from ws"))
	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpText, send))

	msg := tcp.read()
	require.Equal(t, stomp.CmdMessage, msg.Command)
	require.Equal(t, "from ws", msg.Body)
}

func TestReactorRejectsWebSocket(t *testing.T) {
	_, err := New(Config{Mode: types.ModeReactor, WSAddr: ":0"}, Deps{Accounts: accounts.NewMemoryStore()})
	require.Error(t, err)
}

func TestShutdownReleasesGoroutines(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			if mode == types.ModeReactor && runtime.GOOS != "linux" {
				t.Skip("reactor mode requires linux")
			}
			defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

			store := accounts.NewMemoryStore()
			srv, err := New(Config{Mode: mode, Addr: "127.0.0.1:0", Workers: 2, WorkerQueue: 16}, Deps{Accounts: store, Logger: zerolog.Nop()})
			require.NoError(t, err)
			require.NoError(t, srv.Start(context.Background()))

			conn, err := net.Dial("tcp", srv.Addr().String())
			require.NoError(t, err)
			defer conn.Close()
			c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
			c.login("idle", "pw")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, srv.Shutdown(ctx))
			c.requireClosed()
		})
	}
}
