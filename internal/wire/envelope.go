// Package wire defines the on-the-wire message shape shared by every
// socket in the cluster: client RPCs, peer replication, election, the
// registry, and pub/sub publications.
package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Envelope is the single frame format exchanged over every REQ/REP and
// PUB/SUB socket in the system.
type Envelope struct {
	Service   string                 `msgpack:"service"`
	Data      map[string]interface{} `msgpack:"data"`
	Timestamp float64                `msgpack:"timestamp"`
	Clock     int                    `msgpack:"clock"`
}

// New builds an envelope with an already-empty data map, ready for callers
// to fill in.
func New(service string, timestamp float64, clockValue int) Envelope {
	return Envelope{
		Service:   service,
		Data:      map[string]interface{}{},
		Timestamp: timestamp,
		Clock:     clockValue,
	}
}

// Marshal encodes an envelope as MessagePack.
func Marshal(env Envelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

// Unmarshal decodes a MessagePack frame into an envelope.
func Unmarshal(b []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// String reads a data field as a string, tolerating the interface{}
// round-trip msgpack performs on decode.
func (e Envelope) String(field string) string {
	v, ok := e.Data[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Int reads a data field as an int, tolerating the several numeric shapes
// msgpack/JSON decoding can produce.
func (e Envelope) Int(field string) int {
	switch v := e.Data[field].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case int8:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	default:
		return 0
	}
}

// Float reads a data field as a float64.
func (e Envelope) Float(field string) float64 {
	switch v := e.Data[field].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
