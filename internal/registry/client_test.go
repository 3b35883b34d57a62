package registry_test

import (
	"testing"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuiisMarim/bbs-cluster/internal/clock"
	"github.com/LuiisMarim/bbs-cluster/internal/registry"
	"github.com/LuiisMarim/bbs-cluster/internal/wire"
)

// startFakeRegistry binds a REP socket answering rank/list/heartbeat
// with fixed data, standing in for a real reference server process.
func startFakeRegistry(t *testing.T, addr string) (stop func()) {
	t.Helper()
	ctx, err := zmq.NewContext()
	require.NoError(t, err)
	sock, err := ctx.NewSocket(zmq.REP)
	require.NoError(t, err)
	require.NoError(t, sock.Bind(addr))

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			sock.SetRcvtimeo(100 * time.Millisecond)
			raw, err := sock.RecvBytes(0)
			if err != nil {
				continue
			}
			req, err := wire.Unmarshal(raw)
			if err != nil {
				continue
			}
			resp := wire.New(req.Service, 1, req.Clock+1)
			switch req.Service {
			case "rank":
				resp.Data["rank"] = 2
			case "list":
				resp.Data["list"] = []interface{}{
					map[string]interface{}{"name": "server_a", "rank": 1},
					map[string]interface{}{"name": "server_b", "rank": 2},
				}
			case "heartbeat":
				resp.Data["status"] = "ok"
			}
			out, _ := wire.Marshal(resp)
			sock.SendBytes(out, 0)
		}
	}()

	return func() {
		close(done)
		sock.Close()
		ctx.Term()
	}
}

func TestClient_RankAndList(t *testing.T) {
	addr := "tcp://127.0.0.1:17550"
	stop := startFakeRegistry(t, addr)
	defer stop()

	c := registry.New(addr, "server_x", &clock.Lamport{})

	rank, err := c.Rank()
	require.NoError(t, err)
	assert.Equal(t, 2, rank)
	assert.Equal(t, 2, c.CachedRank())

	peers, err := c.List()
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "server_a", peers[0].Name)
}

func TestClient_List_FailureReturnsCachedList(t *testing.T) {
	addr := "tcp://127.0.0.1:17551"
	stop := startFakeRegistry(t, addr)

	c := registry.New(addr, "server_x", &clock.Lamport{})
	_, err := c.List()
	require.NoError(t, err)

	stop() // registry now unreachable

	peers, err := c.List()
	assert.Error(t, err)
	assert.Len(t, peers, 2, "cached peer list should survive a registry outage")
}
