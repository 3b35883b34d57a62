package election_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuiisMarim/bbs-cluster/internal/clock"
	"github.com/LuiisMarim/bbs-cluster/internal/election"
	"github.com/LuiisMarim/bbs-cluster/internal/registry"
	"github.com/LuiisMarim/bbs-cluster/internal/store"
	"github.com/LuiisMarim/bbs-cluster/internal/wire"
)

func newTestManager(t *testing.T, rank int) *election.Manager {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)
	return election.New("server_x", 6001, rank, &clock.Physical{}, &clock.Lamport{}, st, nil)
}

func TestNew_RankOneBootstrapsAsCoordinator(t *testing.T) {
	m := newTestManager(t, 1)
	assert.Equal(t, election.Coordinator, m.State())
	assert.True(t, m.IsCoordinator())
	assert.Equal(t, "server_x", m.Coordinator())
}

func TestNew_NonBootstrapStartsNormal(t *testing.T) {
	m := newTestManager(t, 2)
	assert.Equal(t, election.Normal, m.State())
	assert.False(t, m.IsCoordinator())
}

func TestStartElection_NoHigherPeersWinsImmediately(t *testing.T) {
	m := newTestManager(t, 3)
	m.StartElection([]registry.Peer{
		{Name: "server_y", Rank: 1},
		{Name: "server_z", Rank: 2},
	})
	assert.Equal(t, election.Coordinator, m.State())
	assert.Equal(t, "server_x", m.Coordinator())
}

func TestHandleElectionRequest_RepliesOKOnlyWhenRankIsGreater(t *testing.T) {
	m := newTestManager(t, 5)
	req := wire.New("election.request", 0, 1)
	req.Data["server"] = "server_y"
	req.Data["rank"] = 2

	resp := m.HandleElectionRequest(req)
	assert.Equal(t, "OK", resp.String("status"))
}

func TestHandleElectionRequest_DeclinesWhenRankIsNotGreater(t *testing.T) {
	m := newTestManager(t, 2)
	req := wire.New("election.request", 0, 1)
	req.Data["server"] = "server_y"
	req.Data["rank"] = 5

	resp := m.HandleElectionRequest(req)
	assert.NotEqual(t, "OK", resp.String("status"))
}

func TestHandleCoordinatorMessage_AdoptsAnnouncedCoordinator(t *testing.T) {
	m := newTestManager(t, 2)
	req := wire.New("election.coordinator", 0, 1)
	req.Data["coordinator"] = "server_z"
	req.Data["rank"] = 4

	resp := m.HandleCoordinatorMessage(req)
	assert.Equal(t, "OK", resp.String("status"))
	assert.Equal(t, "server_z", m.Coordinator())
	assert.Equal(t, election.Normal, m.State())
}

func TestHandleCoordinatorAnnouncement_AdoptsHigherOrEqualRank(t *testing.T) {
	m := newTestManager(t, 3)

	m.HandleCoordinatorAnnouncement("server_y", 2)
	assert.NotEqual(t, "server_y", m.Coordinator(), "lower rank announcement must be ignored")

	m.HandleCoordinatorAnnouncement("server_z", 4)
	assert.Equal(t, "server_z", m.Coordinator())
	assert.Equal(t, election.Normal, m.State())
}
