package bridge

import (
	"testing"

	"github.com/adred-codev/stomp_poc/internal/monitoring"
	"github.com/adred-codev/stomp_poc/internal/registry"
	"github.com/adred-codev/stomp_poc/internal/stomp"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type inbox struct{ frames []*stomp.Frame }

func (i *inbox) Send(f *stomp.Frame) error {
	i.frames = append(i.frames, f)
	return nil
}

func TestDeliverRemoteMessage(t *testing.T) {
	reg := registry.New()
	sink := &inbox{}
	reg.Connect(1, sink)
	require.True(t, reg.Subscribe("/topic/news", 1, "sub-1"))

	local := newBridge(Config{}, reg, zerolog.Nop(), monitoring.NewMetrics())
	remote := newBridge(Config{}, registry.New(), zerolog.Nop(), monitoring.NewMetrics())
	require.NotEqual(t, local.Node(), remote.Node())

	local.deliver(remote.message("/topic/news", "from afar"))

	require.Len(t, sink.frames, 1)
	f := sink.frames[0]
	require.Equal(t, stomp.CmdMessage, f.Command)
	require.Equal(t, "sub-1", f.Header(stomp.HdrSubscription))
	require.Equal(t, "/topic/news", f.Header(stomp.HdrDestination))
	require.Equal(t, "from afar", f.Body)
}

func TestDeliverSkipsOwnTraffic(t *testing.T) {
	reg := registry.New()
	sink := &inbox{}
	reg.Connect(1, sink)
	reg.Subscribe("/q", 1, "s")

	b := newBridge(Config{}, reg, zerolog.Nop(), monitoring.NewMetrics())
	b.deliver(b.message("/q", "echo"))
	require.Empty(t, sink.frames)
}

func TestDeliverWithoutDestination(t *testing.T) {
	reg := registry.New()
	sink := &inbox{}
	reg.Connect(1, sink)
	reg.Subscribe("/q", 1, "s")

	b := newBridge(Config{}, reg, zerolog.Nop(), monitoring.NewMetrics())
	msg := nats.NewMsg("stomp.broadcast")
	msg.Header.Set(HdrOrigin, "someone-else")
	msg.Data = []byte("lost")
	b.deliver(msg)
	require.Empty(t, sink.frames)
}

func TestPublishWithoutConnection(t *testing.T) {
	b := newBridge(Config{}, registry.New(), zerolog.Nop(), monitoring.NewMetrics())
	b.Publish("/q", "dropped")
	require.NoError(t, b.Close())
}

func TestConnectRequiresURL(t *testing.T) {
	_, err := Connect(Config{}, registry.New(), zerolog.Nop(), monitoring.NewMetrics())
	require.Error(t, err)
}

func TestMessageHeaders(t *testing.T) {
	b := newBridge(Config{Subject: "custom.subject"}, registry.New(), zerolog.Nop(), monitoring.NewMetrics())
	msg := b.message("/chan", "body")
	require.Equal(t, "custom.subject", msg.Subject)
	require.Equal(t, b.Node(), msg.Header.Get(HdrOrigin))
	require.Equal(t, "/chan", msg.Header.Get(HdrDestination))
	require.Equal(t, "body", string(msg.Data))
}
