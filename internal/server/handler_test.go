package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuiisMarim/bbs-cluster/internal/clock"
	"github.com/LuiisMarim/bbs-cluster/internal/store"
	"github.com/LuiisMarim/bbs-cluster/internal/wire"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)
	return New("server_x", 7000, st, &clock.Lamport{}, &clock.Physical{}, nil, nil, nil, nil, nil)
}

func send(h *Handler, service string, data map[string]interface{}) wire.Envelope {
	req := wire.New(service, 0, 1)
	for k, v := range data {
		req.Data[k] = v
	}
	return h.dispatch(req)
}

func TestLogin_SuccessThenDuplicateRejected(t *testing.T) {
	h := newTestHandler(t)

	resp := send(h, "login", map[string]interface{}{"user": "alice"})
	assert.Equal(t, "sucesso", resp.Data["status"])

	dup := send(h, "login", map[string]interface{}{"user": "alice"})
	assert.Equal(t, "erro", dup.Data["status"])
}

func TestLogin_EmptyUserRejected(t *testing.T) {
	h := newTestHandler(t)
	resp := send(h, "login", map[string]interface{}{"user": ""})
	assert.Equal(t, "erro", resp.Data["status"])
}

func TestChannel_CreateThenList(t *testing.T) {
	h := newTestHandler(t)
	send(h, "channel", map[string]interface{}{"channel": "general"})

	resp := send(h, "channels", nil)
	assert.Equal(t, "sucesso", resp.Data["status"])
	assert.Contains(t, resp.Data["channels"], "general")
}

func TestPublish_UnknownUserOrChannelRejected(t *testing.T) {
	h := newTestHandler(t)
	send(h, "login", map[string]interface{}{"user": "alice"})

	resp := send(h, "publish", map[string]interface{}{"user": "alice", "channel": "missing", "message": "hi"})
	assert.Equal(t, "erro", resp.Data["status"])
}

func TestPublishAndHistory_RoundTrip(t *testing.T) {
	h := newTestHandler(t)
	send(h, "login", map[string]interface{}{"user": "alice"})
	send(h, "channel", map[string]interface{}{"channel": "general"})
	send(h, "publish", map[string]interface{}{"user": "alice", "channel": "general", "message": "oi"})

	resp := send(h, "get_history", map[string]interface{}{"channel": "general", "limit": 10})
	assert.Equal(t, "sucesso", resp.Data["status"])
	assert.Len(t, resp.Data["messages"], 1)
}

func TestGetHistory_ZeroLimitReturnsEmpty(t *testing.T) {
	h := newTestHandler(t)
	send(h, "login", map[string]interface{}{"user": "alice"})
	send(h, "channel", map[string]interface{}{"channel": "general"})
	send(h, "publish", map[string]interface{}{"user": "alice", "channel": "general", "message": "oi"})

	resp := send(h, "get_history", map[string]interface{}{"channel": "general", "limit": 0})
	assert.Equal(t, "sucesso", resp.Data["status"])
	assert.Empty(t, resp.Data["messages"])
}

func TestPrivateMessage_UnknownPeerRejected(t *testing.T) {
	h := newTestHandler(t)
	send(h, "login", map[string]interface{}{"user": "alice"})

	resp := send(h, "message", map[string]interface{}{"src": "alice", "dst": "bob", "message": "oi"})
	assert.Equal(t, "erro", resp.Data["status"])
}

func TestHeartbeat_NoStateChange(t *testing.T) {
	h := newTestHandler(t)
	before := h.store.Snapshot()
	resp := send(h, "heartbeat", nil)
	assert.NotNil(t, resp.Data)
	assert.Equal(t, "heartbeat", resp.Service)
	assert.Equal(t, before, h.store.Snapshot())
}

func TestUnknownService_ReturnsError(t *testing.T) {
	h := newTestHandler(t)
	resp := send(h, "bogus", nil)
	assert.Equal(t, "erro", resp.Data["status"])
}
