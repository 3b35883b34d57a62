package publish_test

import (
	"testing"

	zmq "github.com/pebbe/zmq4"
	"github.com/stretchr/testify/require"

	"github.com/LuiisMarim/bbs-cluster/internal/clock"
	"github.com/LuiisMarim/bbs-cluster/internal/model"
	"github.com/LuiisMarim/bbs-cluster/internal/publish"
	"github.com/LuiisMarim/bbs-cluster/internal/wire"
)

// A PUB socket never errors on Connect even without a live peer — ZeroMQ
// queues or drops silently — so these tests only assert Publish itself
// doesn't error, not delivery.
func newTestPort(t *testing.T) *publish.Port {
	t.Helper()
	ctx, err := zmq.NewContext()
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Term() })

	pub, err := wire.NewPublisher(ctx, "tcp://127.0.0.1:17600")
	require.NoError(t, err)
	t.Cleanup(func() { pub.Close() })

	return publish.New(pub, &clock.Lamport{}, &clock.Physical{})
}

func TestChannelMessage_DoesNotError(t *testing.T) {
	p := newTestPort(t)
	err := p.ChannelMessage(model.Message{Type: model.MessageKindPublish, User: "alice", Channel: "general", Message: "oi"})
	require.NoError(t, err)
}

func TestCoordinatorAnnouncement_DoesNotError(t *testing.T) {
	p := newTestPort(t)
	err := p.CoordinatorAnnouncement("server_1", 3)
	require.NoError(t, err)
}
