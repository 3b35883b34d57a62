// Package publish is the publish port (§4.8): the single component that
// every publisher in the cluster funnels through, so topic framing and
// clock-stamping stay uniform.
package publish

import (
	"github.com/LuiisMarim/bbs-cluster/internal/clock"
	"github.com/LuiisMarim/bbs-cluster/internal/model"
	"github.com/LuiisMarim/bbs-cluster/internal/wire"
)

// TopicServers is the well-known system topic used for election and
// coordinator announcements.
const TopicServers = "servers"

// Port publishes channel messages, private messages, and system
// announcements via a wire.Publisher connected to the external proxy.
type Port struct {
	pub      *wire.Publisher
	lamport  *clock.Lamport
	physical *clock.Physical
}

// New wraps an already-connected publisher.
func New(pub *wire.Publisher, lamport *clock.Lamport, physical *clock.Physical) *Port {
	return &Port{pub: pub, lamport: lamport, physical: physical}
}

// ChannelMessage publishes a public message record on topic = channel name.
func (p *Port) ChannelMessage(m model.Message) error {
	env := wire.New("publish", p.physical.Now(), p.lamport.Increment())
	env.Data["user"] = m.User
	env.Data["channel"] = m.Channel
	env.Data["message"] = m.Message
	env.Data["timestamp"] = m.Timestamp
	env.Data["clock"] = m.Clock
	return p.pub.Publish(m.Channel, env)
}

// PrivateMessage publishes a private message record on topic = dst user name.
func (p *Port) PrivateMessage(m model.Message) error {
	env := wire.New("message", p.physical.Now(), p.lamport.Increment())
	env.Data["src"] = m.Src
	env.Data["dst"] = m.Dst
	env.Data["message"] = m.Message
	env.Data["timestamp"] = m.Timestamp
	env.Data["clock"] = m.Clock
	return p.pub.Publish(m.Dst, env)
}

// ChannelCreated publishes a system notification when a channel is created.
func (p *Port) ChannelCreated(channel string) error {
	env := wire.New("channel", p.physical.Now(), p.lamport.Increment())
	env.Data["channel"] = channel
	return p.pub.Publish(TopicServers, env)
}

// CoordinatorAnnouncement publishes {event:"new_coordinator", coordinator, rank}
// on the servers topic, per §4.6.
func (p *Port) CoordinatorAnnouncement(coordinator string, rank int) error {
	env := wire.New("election", p.physical.Now(), p.lamport.Increment())
	env.Data["event"] = "new_coordinator"
	env.Data["coordinator"] = coordinator
	env.Data["rank"] = rank
	return p.pub.Publish(TopicServers, env)
}

// Close releases the underlying socket.
func (p *Port) Close() error {
	return p.pub.Close()
}
