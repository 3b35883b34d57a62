// Package election implements the Bully leader-election algorithm
// (§4.6). Election proper is decided by largest rank; rank 1 is only the
// bootstrap coordinator convention assigned by the registry at startup.
package election

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/LuiisMarim/bbs-cluster/internal/clock"
	"github.com/LuiisMarim/bbs-cluster/internal/publish"
	"github.com/LuiisMarim/bbs-cluster/internal/registry"
	"github.com/LuiisMarim/bbs-cluster/internal/store"
	"github.com/LuiisMarim/bbs-cluster/internal/wire"
)

// State is one of the Bully state machine's states.
type State int

const (
	Normal State = iota
	Electing
	Waiting
	Coordinator
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Electing:
		return "electing"
	case Waiting:
		return "waiting"
	case Coordinator:
		return "coordinator"
	default:
		return "unknown"
	}
}

const (
	requestTimeout = 5 * time.Second
	waitForBetter  = 10 * time.Second
)

// LogEntry is one diagnostic election event, persisted for inspection —
// never consulted by the state machine itself.
type LogEntry struct {
	Timestamp float64 `json:"timestamp"`
	Event     string  `json:"event"`
	Detail    string  `json:"detail"`
}

// Manager runs the Bully algorithm for one replica.
type Manager struct {
	serverName string
	port       int
	rank       int
	physical   *clock.Physical
	lamport    *clock.Lamport
	store      *store.Store
	pub        *publish.Port

	mu          sync.Mutex
	state       State
	coordinator string

	peersMu sync.Mutex
	peers   []registry.Peer

	logMu sync.Mutex
	log   []LogEntry
}

// UpdatePeers refreshes the cached peer list used when this replica must
// initiate an election on its own (e.g. in response to a challenge).
func (m *Manager) UpdatePeers(peers []registry.Peer) {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	m.peers = append([]registry.Peer{}, peers...)
}

func (m *Manager) cachedPeers() []registry.Peer {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	return append([]registry.Peer{}, m.peers...)
}

// New builds an election manager. rank is the value obtained from the
// registry at startup.
func New(serverName string, port, rank int, physical *clock.Physical, lamport *clock.Lamport, st *store.Store, pub *publish.Port) *Manager {
	m := &Manager{serverName: serverName, port: port, rank: rank, physical: physical, lamport: lamport, store: st, pub: pub, state: Normal}
	if rank == 1 {
		m.state = Coordinator
		m.coordinator = serverName
	}
	return m
}

func (m *Manager) addr(peerName string) string {
	return fmt.Sprintf("tcp://%s:%d", peerName, m.port)
}

// State reports the current Bully state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Coordinator reports the currently known coordinator name.
func (m *Manager) Coordinator() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coordinator
}

// SetCoordinator seeds this replica's belief about the current
// coordinator from an out-of-band source, such as the registry's
// periodic peer-list refresh (§4.7). It only takes effect while no
// coordinator is known yet: a Bully round's result is always
// authoritative, so this exists solely to give a freshly booted
// follower someone for MonitorCoordinator to probe before the first
// election has ever run — without it the coordinator field would stay
// empty forever and the liveness monitor would never fire.
func (m *Manager) SetCoordinator(name string) {
	if name == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.coordinator != "" {
		return
	}
	m.coordinator = name
	if name == m.serverName {
		m.state = Coordinator
	}
	m.appendLog("seeded", "coordenador inicial detectado: "+name)
}

// IsCoordinator reports whether this replica currently believes itself
// to be the coordinator.
func (m *Manager) IsCoordinator() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Coordinator
}

// StartElection begins a Bully round against every peer in peers with a
// larger rank than this replica. If none exist, this
// replica wins immediately.
func (m *Manager) StartElection(peers []registry.Peer) {
	m.mu.Lock()
	m.state = Electing
	m.mu.Unlock()
	m.appendLog("start", "iniciando eleição")

	higher := higherRanked(peers, m.rank)
	if len(higher) == 0 {
		m.becomeCoordinator()
		return
	}

	answered := m.challenge(higher)
	if !answered {
		m.becomeCoordinator()
		return
	}

	m.mu.Lock()
	m.state = Waiting
	m.mu.Unlock()
	m.appendLog("wait", "aguardando anúncio de coordenador")

	select {
	case <-time.After(waitForBetter):
		m.mu.Lock()
		stillWaiting := m.state == Waiting
		m.mu.Unlock()
		if stillWaiting {
			m.appendLog("timeout", "nenhum anúncio recebido, reiniciando eleição")
			m.StartElection(peers)
		}
	}
}

// challenge sends election.request to every higher-ranked peer and
// reports whether any of them confirmed it is alive with a greater rank.
func (m *Manager) challenge(higher []registry.Peer) bool {
	type result struct{ answered bool }
	results := make(chan result, len(higher))

	for _, p := range higher {
		go func(peerName string) {
			req := wire.New("election.request", m.physical.Now(), m.lamport.Increment())
			req.Data["server"] = m.serverName
			req.Data["rank"] = m.rank
			resp, err := wire.RequestReply(m.addr(peerName), req, requestTimeout)
			if err != nil {
				results <- result{answered: false}
				return
			}
			m.lamport.Update(resp.Clock)
			results <- result{answered: resp.String("status") == "OK"}
		}(p.Name)
	}

	answered := false
	for range higher {
		r := <-results
		if r.answered {
			answered = true
		}
	}
	return answered
}

func (m *Manager) becomeCoordinator() {
	m.mu.Lock()
	m.state = Coordinator
	m.coordinator = m.serverName
	m.mu.Unlock()
	m.appendLog("elected", "tornou-se coordenador")
	log.Println("[ELECTION]", m.serverName, "é o novo coordenador")

	if m.pub != nil {
		if err := m.pub.CoordinatorAnnouncement(m.serverName, m.rank); err != nil {
			log.Println("[ELECTION] falha ao anunciar coordenador:", err)
		}
	}

	for _, p := range m.cachedPeers() {
		if p.Name == m.serverName {
			continue
		}
		go func(peerName string) {
			req := wire.New("election.coordinator", m.physical.Now(), m.lamport.Increment())
			req.Data["event"] = "new_coordinator"
			req.Data["coordinator"] = m.serverName
			req.Data["rank"] = m.rank
			if _, err := wire.RequestReply(m.addr(peerName), req, requestTimeout); err != nil {
				log.Println("[ELECTION] falha ao notificar", peerName, "do novo coordenador:", err)
			}
		}(p.Name)
	}
}

// HandleElectionRequest answers a peer's election.request: it confirms OK
// only when its own rank is greater than the requester's, per §4.6.
func (m *Manager) HandleElectionRequest(req wire.Envelope) wire.Envelope {
	requester := req.String("server")
	requesterRank := req.Int("rank")
	m.appendLog("challenged", fmt.Sprintf("desafiado por %s (rank %d)", requester, requesterRank))

	resp := wire.New("election.request", m.physical.Now(), m.lamport.Increment())
	resp.Data["server"] = m.serverName
	resp.Data["rank"] = m.rank

	if m.rank > requesterRank {
		resp.Data["status"] = "OK"
		go m.StartElection(m.cachedPeers())
	} else {
		resp.Data["status"] = "lower"
	}
	return resp
}

// HandleCoordinatorMessage answers a peer's point-to-point
// election.coordinator notification (§4.6), adopting the announced
// coordinator the same way the pub/sub path does.
func (m *Manager) HandleCoordinatorMessage(req wire.Envelope) wire.Envelope {
	coordinator := req.String("coordinator")
	rank := req.Int("rank")
	m.HandleCoordinatorAnnouncement(coordinator, rank)

	resp := wire.New("election.coordinator", m.physical.Now(), m.lamport.Increment())
	resp.Data["status"] = "OK"
	return resp
}

// HandleCoordinatorAnnouncement processes an election.coordinator message
// received on the servers pub/sub topic, adopting the announced
// coordinator if its rank is at least as large as this replica's.
func (m *Manager) HandleCoordinatorAnnouncement(coordinator string, rank int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rank < m.rank {
		return
	}
	m.state = Normal
	m.coordinator = coordinator
	m.appendLog("accept", fmt.Sprintf("aceitou %s (rank %d) como coordenador", coordinator, rank))
}

// StartElectionIfCoordinatorMissing is invoked by the coordinator
// liveness monitor when heartbeats to the known coordinator stop
// answering.
func (m *Manager) StartElectionIfCoordinatorMissing(peers []registry.Peer) {
	m.mu.Lock()
	idle := m.state == Normal || m.state == Coordinator
	m.mu.Unlock()
	if !idle {
		return
	}
	m.StartElection(peers)
}

// Serve binds the election reply socket and answers election.request
// messages until stop is closed. It runs on its own dedicated port,
// separate from the replication socket, per §4.6.
func (m *Manager) Serve(ctx *zmq.Context, stop <-chan struct{}) error {
	sock, err := ctx.NewSocket(zmq.REP)
	if err != nil {
		return fmt.Errorf("election: new socket: %w", err)
	}
	defer sock.Close()
	sock.SetLinger(0)

	bind := "tcp://*:" + strconv.Itoa(m.port)
	if err := sock.Bind(bind); err != nil {
		return fmt.Errorf("election: bind %s: %w", bind, err)
	}
	log.Println("[ELECTION]", m.serverName, "escutando em", bind)

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		raw, err := sock.RecvBytes(0)
		if err != nil {
			continue
		}
		req, err := wire.Unmarshal(raw)
		if err != nil {
			log.Println("[ELECTION] decode erro:", err)
			continue
		}
		m.lamport.Update(req.Clock)

		var resp wire.Envelope
		switch req.Service {
		case "election.request":
			resp = m.HandleElectionRequest(req)
		case "election.coordinator":
			resp = m.HandleCoordinatorMessage(req)
		default:
			resp = wire.New(req.Service, m.physical.Now(), m.lamport.Increment())
			resp.Data["status"] = "error"
			resp.Data["message"] = "serviço desconhecido: " + req.Service
		}

		out, err := wire.Marshal(resp)
		if err != nil {
			log.Println("[ELECTION] marshal erro:", err)
			continue
		}
		if _, err := sock.SendBytes(out, 0); err != nil {
			log.Println("[ELECTION] send erro:", err)
		}
	}
}

// MonitorCoordinator periodically pings the known coordinator via the
// replication socket's get_time service and starts an election if it
// stops answering. peersFn supplies the current peer list at each tick.
func (m *Manager) MonitorCoordinator(interval time.Duration, stop <-chan struct{}, replicationPort int, peersFn func() []registry.Peer) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			coordinator := m.coordinator
			isSelf := coordinator == m.serverName
			m.mu.Unlock()
			if coordinator == "" || isSelf {
				continue
			}

			req := wire.New("get_time", m.physical.Now(), m.lamport.Increment())
			addr := fmt.Sprintf("tcp://%s:%d", coordinator, replicationPort)
			if _, err := wire.RequestReply(addr, req, requestTimeout); err != nil {
				m.appendLog("coordinator_down", "coordenador "+coordinator+" não respondeu")
				m.StartElectionIfCoordinatorMissing(peersFn())
			}
		}
	}
}

func higherRanked(peers []registry.Peer, rank int) []registry.Peer {
	out := make([]registry.Peer, 0, len(peers))
	for _, p := range peers {
		if p.Rank > rank {
			out = append(out, p)
		}
	}
	return out
}

func (m *Manager) appendLog(event, detail string) {
	m.logMu.Lock()
	m.log = append(m.log, LogEntry{Timestamp: m.physical.Now(), Event: event, Detail: detail})
	snapshot := append([]LogEntry{}, m.log...)
	m.logMu.Unlock()
	m.store.SaveReplicationDiagnostic("election_"+m.serverName, map[string]interface{}{
		"server": m.serverName,
		"log":    snapshot,
	})
}
