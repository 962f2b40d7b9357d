package loadtest

import (
	"context"
	"testing"
	"time"

	"github.com/adred-codev/stomp_poc/internal/accounts"
	"github.com/adred-codev/stomp_poc/internal/server"
	"github.com/adred-codev/stomp_poc/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T) *server.Server {
	t.Helper()
	srv, err := server.New(server.Config{
		Mode:      types.ModeBlocking,
		Addr:      "127.0.0.1:0",
		AdminAddr: "127.0.0.1:0",
	}, server.Deps{Accounts: accounts.NewMemoryStore(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv
}

func TestRunAgainstBroker(t *testing.T) {
	srv := startBroker(t)

	r, err := New(Config{
		Addr:            srv.Addr().String(),
		HealthURL:       "http://" + srv.AdminAddr().String() + "/health",
		Connections:     6,
		RampRate:        60,
		Sustain:         500 * time.Millisecond,
		ReportInterval:  100 * time.Millisecond,
		HealthInterval:  100 * time.Millisecond,
		Channels:        []string{"/topic/a", "/topic/b"},
		PublisherEvery:  3,
		PublishInterval: 50 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, r.Run(context.Background()))

	s := r.Stats()
	require.Equal(t, "completed", s.Phase)
	require.EqualValues(t, 6, s.Created)
	require.Zero(t, s.Failed)
	require.EqualValues(t, 12, s.Subscriptions)
	require.Positive(t, s.Published)
	require.Positive(t, s.MessagesReceived)
	require.Zero(t, s.ErrorFrames)
	require.Zero(t, s.Active)
	require.NotNil(t, s.LastHealth)

	require.Eventually(t, func() bool { return srv.ActiveConnections() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestDuplicateLoginIsCountedAsFailure(t *testing.T) {
	srv := startBroker(t)

	first, err := New(Config{Addr: srv.Addr().String(), Connections: 1, Sustain: 10 * time.Second}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- first.Run(ctx) }()
	require.Eventually(t, func() bool { return first.Stats().Active == 1 }, 3*time.Second, 10*time.Millisecond)

	second, err := New(Config{Addr: srv.Addr().String(), Connections: 1}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, second.Run(context.Background()))

	s := second.Stats()
	require.EqualValues(t, 1, s.Failed)
	require.EqualValues(t, 1, s.ConnectionErrors["login"])

	cancel()
	require.NoError(t, <-done)
}

func TestChannelSelection(t *testing.T) {
	chans := []string{"a", "b", "c", "d"}

	all, err := New(Config{Addr: "x:1", Connections: 1, Channels: chans}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, chans, all.channelsFor(5))

	single, err := New(Config{Addr: "x:1", Connections: 1, Channels: chans, SubscriptionMode: SubscribeSingle}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, single.channelsFor(5))

	random, err := New(Config{Addr: "x:1", Connections: 1, Channels: chans, SubscriptionMode: SubscribeRandom, ChannelsPerClient: 2}, zerolog.Nop())
	require.NoError(t, err)
	got := random.channelsFor(0)
	require.Len(t, got, 2)
	require.NotEqual(t, got[0], got[1])
	require.Subset(t, chans, got)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Connections: 1}, zerolog.Nop())
	require.Error(t, err)
	_, err = New(Config{Addr: "x:1"}, zerolog.Nop())
	require.Error(t, err)
	_, err = New(Config{Addr: "x:1", Connections: 1, SubscriptionMode: "some"}, zerolog.Nop())
	require.Error(t, err)
}
