package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuiisMarim/bbs-cluster/internal/clock"
	"github.com/LuiisMarim/bbs-cluster/internal/model"
	"github.com/LuiisMarim/bbs-cluster/internal/store"
	"github.com/LuiisMarim/bbs-cluster/internal/wire"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)
	m := New("server_x", 16000, st, &clock.Lamport{}, &clock.Physical{})
	return m, st
}

func TestHandleSyncState_ReturnsCurrentSnapshot(t *testing.T) {
	m, st := newTestManager(t)
	st.AppendLogin(model.LoginRecord{User: "alice", Clock: 1})

	req := wire.New("sync_state", 0, 1)
	resp := callDispatch(t, m, req)

	assert.Equal(t, "success", resp.Data["status"])
	state, ok := resp.Data["state"].(map[string]interface{})
	require.True(t, ok)
	assert.Len(t, state["logins"], 1)
}

func TestHandleGetTime_ReturnsCurrentTime(t *testing.T) {
	m, _ := newTestManager(t)
	req := wire.New("get_time", 0, 1)
	resp := callDispatch(t, m, req)
	assert.Equal(t, "server_x", resp.Data["server"])
	assert.Greater(t, resp.Float("time"), 0.0)
}

func TestHandleReplicate_ReplacesLoginsWholesale(t *testing.T) {
	m, st := newTestManager(t)
	st.AppendLogin(model.LoginRecord{User: "stale", Clock: 1})

	req := wire.New("replicate", 0, 1)
	req.Data["source_server"] = "server_y"
	req.Data["type"] = KindLogins
	req.Data["payload"] = []interface{}{
		map[string]interface{}{"user": "alice", "timestamp": 1.0, "clock": 2},
	}

	resp := callDispatch(t, m, req)
	assert.Equal(t, "success", resp.Data["status"])
	assert.Equal(t, 1, resp.Data["records_received"])

	logins := st.Logins()
	require.Len(t, logins, 1)
	assert.Equal(t, "alice", logins[0].User)
}

func TestHandleReplicate_UnknownKindErrors(t *testing.T) {
	m, _ := newTestManager(t)
	req := wire.New("replicate", 0, 1)
	req.Data["source_server"] = "server_y"
	req.Data["type"] = "bogus"
	req.Data["payload"] = []interface{}{}

	resp := callDispatch(t, m, req)
	assert.Equal(t, "error", resp.Data["status"])
}

// callDispatch exercises the manager's dispatch table the same way Serve
// would, without needing a bound socket.
func callDispatch(t *testing.T, m *Manager, req wire.Envelope) wire.Envelope {
	t.Helper()
	return m.dispatch(req)
}
