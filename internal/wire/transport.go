package wire

import (
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// RequestReply opens a short-lived REQ socket, sends env, waits up to
// timeout for a reply, and tears the socket down. Every peer-to-peer and
// registry call in the cluster is a one-shot REQ/REP round trip of
// this shape, so callers never share a REQ socket across goroutines.
func RequestReply(addr string, env Envelope, timeout time.Duration) (Envelope, error) {
	ctx, err := zmq.NewContext()
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: new context: %w", err)
	}
	defer ctx.Term()

	sock, err := ctx.NewSocket(zmq.REQ)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: new socket: %w", err)
	}
	defer sock.Close()
	sock.SetLinger(0)

	if timeout > 0 {
		sock.SetSndtimeo(timeout)
		sock.SetRcvtimeo(timeout)
	}

	if err := sock.Connect(addr); err != nil {
		return Envelope{}, fmt.Errorf("wire: connect %s: %w", addr, err)
	}

	out, err := Marshal(env)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: marshal: %w", err)
	}
	if _, err := sock.SendBytes(out, 0); err != nil {
		return Envelope{}, fmt.Errorf("wire: send to %s: %w", addr, err)
	}

	raw, err := sock.RecvBytes(0)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: recv from %s: %w", addr, err)
	}
	return Unmarshal(raw)
}

// Publisher wraps a PUB socket connected to the external proxy. Every
// outbound publication in the cluster — channel messages, private
// messages, coordinator announcements — goes through one Publisher so
// topic framing stays uniform.
type Publisher struct {
	sock *zmq.Socket
}

// NewPublisher connects a PUB socket to addr (the proxy's XSUB endpoint).
func NewPublisher(ctx *zmq.Context, addr string) (*Publisher, error) {
	sock, err := ctx.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("wire: new pub socket: %w", err)
	}
	sock.SetLinger(0)
	if err := sock.Connect(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("wire: pub connect %s: %w", addr, err)
	}
	return &Publisher{sock: sock}, nil
}

// Publish sends env on topic.
func (p *Publisher) Publish(topic string, env Envelope) error {
	out, err := Marshal(env)
	if err != nil {
		return fmt.Errorf("wire: marshal publication: %w", err)
	}
	_, err = p.sock.SendMessage(topic, out)
	return err
}

// Close releases the underlying socket.
func (p *Publisher) Close() error {
	return p.sock.Close()
}

// Subscriber wraps a SUB socket connected to the external proxy.
type Subscriber struct {
	sock *zmq.Socket
}

// NewSubscriber connects a SUB socket to addr (the proxy's XPUB endpoint)
// and subscribes to the given topics.
func NewSubscriber(ctx *zmq.Context, addr string, topics ...string) (*Subscriber, error) {
	sock, err := ctx.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("wire: new sub socket: %w", err)
	}
	sock.SetLinger(0)
	if err := sock.Connect(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("wire: sub connect %s: %w", addr, err)
	}
	for _, t := range topics {
		if err := sock.SetSubscribe(t); err != nil {
			sock.Close()
			return nil, fmt.Errorf("wire: subscribe %q: %w", t, err)
		}
	}
	return &Subscriber{sock: sock}, nil
}

// Recv blocks for the next [topic, payload] frame pair.
func (s *Subscriber) Recv() (topic string, env Envelope, err error) {
	parts, err := s.sock.RecvMessageBytes(0)
	if err != nil {
		return "", Envelope{}, err
	}
	if len(parts) < 2 {
		return "", Envelope{}, fmt.Errorf("wire: short pub/sub frame (%d parts)", len(parts))
	}
	env, err = Unmarshal(parts[1])
	if err != nil {
		return "", Envelope{}, err
	}
	return string(parts[0]), env, nil
}

// Close releases the underlying socket.
func (s *Subscriber) Close() error {
	return s.sock.Close()
}
