// Package replication implements the peer-to-peer replication protocol
// (§4.4): a reply server exposing replicate/sync_state/get_time, a
// scheduled push of the three record kinds to every known peer, and a
// pull-on-start snapshot fetch from the coordinator.
package replication

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/LuiisMarim/bbs-cluster/internal/clock"
	"github.com/LuiisMarim/bbs-cluster/internal/model"
	"github.com/LuiisMarim/bbs-cluster/internal/registry"
	"github.com/LuiisMarim/bbs-cluster/internal/store"
	"github.com/LuiisMarim/bbs-cluster/internal/wire"
)

const (
	pushTimeout = 3 * time.Second

	KindLogins   = "logins"
	KindChannels = "channels"
	KindMessages = "messages"
)

// DiagnosticEntry is one line of the per-replica replication journal.
// Diagnostic only — the state machine never reads it back.
type DiagnosticEntry struct {
	Timestamp float64 `json:"timestamp"`
	Source    string  `json:"source"`
	Type      string  `json:"type"`
	Records   int     `json:"records"`
}

// Manager owns the replication reply socket and the outbound push/pull
// logic. It holds no lock of its own over the record sequences — that
// belongs to store.Store, which every method here defers to.
type Manager struct {
	serverName string
	port       int
	store      *store.Store
	lamport    *clock.Lamport
	physical   *clock.Physical

	logMu sync.Mutex
	log   []DiagnosticEntry

	peersMu sync.Mutex
	peers   []registry.Peer

	adjustTime func(wire.Envelope) wire.Envelope
}

// SetAdjustTimeHandler wires the Berkeley synchronizer's peer-side
// handler into this replica's replication socket, since adjust_time
// shares the same wire endpoint as replicate/sync_state/get_time.
func (m *Manager) SetAdjustTimeHandler(h func(wire.Envelope) wire.Envelope) {
	m.adjustTime = h
}

// New builds a replication manager for this replica.
func New(serverName string, port int, st *store.Store, lamport *clock.Lamport, physical *clock.Physical) *Manager {
	return &Manager{serverName: serverName, port: port, store: st, lamport: lamport, physical: physical}
}

// UpdatePeers replaces the cached peer list used by push rounds.
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

// Serve binds the replication reply socket and processes requests until
// stop is closed. It is meant to run in its own goroutine for the life
// of the process.
func (m *Manager) Serve(ctx *zmq.Context, stop <-chan struct{}) error {
	sock, err := ctx.NewSocket(zmq.REP)
	if err != nil {
		return fmt.Errorf("replication: new socket: %w", err)
	}
	defer sock.Close()
	sock.SetLinger(0)

	bind := "tcp://*:" + strconv.Itoa(m.port)
	if err := sock.Bind(bind); err != nil {
		return fmt.Errorf("replication: bind %s: %w", bind, err)
	}
	log.Println("[REPLICATION]", m.serverName, "escutando em", bind)

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
			log.Println("[REPLICATION] decode erro:", err)
			continue
		}
		m.lamport.Update(req.Clock)

		resp := m.dispatch(req)
		out, err := wire.Marshal(resp)
		if err != nil {
			log.Println("[REPLICATION] marshal erro:", err)
			continue
		}
		if _, err := sock.SendBytes(out, 0); err != nil {
			log.Println("[REPLICATION] send erro:", err)
		}
	}
}

func (m *Manager) dispatch(req wire.Envelope) wire.Envelope {
	switch req.Service {
	case "replicate":
		return m.handleReplicate(req)
	case "sync_state":
		return m.handleSyncState(req)
	case "get_time":
		return m.handleGetTime(req)
	case "adjust_time":
		if m.adjustTime != nil {
			return m.adjustTime(req)
		}
		resp := wire.New(req.Service, m.physical.Now(), m.lamport.Increment())
		resp.Data["status"] = "error"
		resp.Data["message"] = "adjust_time não configurado"
		return resp
	default:
		resp := wire.New(req.Service, m.physical.Now(), m.lamport.Increment())
		resp.Data["status"] = "error"
		resp.Data["message"] = "serviço desconhecido: " + req.Service
		return resp
	}
}

func (m *Manager) handleReplicate(req wire.Envelope) wire.Envelope {
	source := req.String("source_server")
	kind := req.String("type")
	resp := wire.New("replicate", m.physical.Now(), m.lamport.Increment())

	payload, _ := req.Data["payload"].([]interface{})
	n, err := m.applyReplicatedKind(kind, payload)
	if err != nil {
		resp.Data["status"] = "error"
		resp.Data["message"] = err.Error()
		return resp
	}

	m.appendDiagnostic(DiagnosticEntry{
		Timestamp: m.physical.Now(),
		Source:    source,
		Type:      kind,
		Records:   n,
	})

	resp.Data["status"] = "success"
	resp.Data["records_received"] = n
	return resp
}

// applyReplicatedKind decodes payload (arriving as []interface{} of
// map[string]interface{} after the msgpack round trip) into the concrete
// record type for kind and replaces that sequence wholesale.
func (m *Manager) applyReplicatedKind(kind string, payload []interface{}) (int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	switch kind {
	case KindLogins:
		var rs []model.LoginRecord
		if err := json.Unmarshal(raw, &rs); err != nil {
			return 0, err
		}
		m.store.ReplaceLogins(rs)
		return len(rs), nil
	case KindChannels:
		var rs []model.ChannelRecord
		if err := json.Unmarshal(raw, &rs); err != nil {
			return 0, err
		}
		m.store.ReplaceChannels(rs)
		return len(rs), nil
	case KindMessages:
		var rs []model.Message
		if err := json.Unmarshal(raw, &rs); err != nil {
			return 0, err
		}
		m.store.ReplaceMessages(rs)
		return len(rs), nil
	default:
		return 0, fmt.Errorf("tipo desconhecido: %s", kind)
	}
}

func (m *Manager) handleSyncState(req wire.Envelope) wire.Envelope {
	snap := m.store.Snapshot()
	resp := wire.New("sync_state", m.physical.Now(), m.lamport.Increment())
	resp.Data["status"] = "success"
	resp.Data["state"] = map[string]interface{}{
		"logins":   snap.Logins,
		"channels": snap.Channels,
		"messages": snap.Messages,
	}
	return resp
}

func (m *Manager) handleGetTime(req wire.Envelope) wire.Envelope {
	resp := wire.New("get_time", m.physical.Now(), m.lamport.Increment())
	resp.Data["time"] = m.physical.Now()
	resp.Data["server"] = m.serverName
	return resp
}

func (m *Manager) appendDiagnostic(e DiagnosticEntry) {
	m.logMu.Lock()
	m.log = append(m.log, e)
	snapshot := append([]DiagnosticEntry{}, m.log...)
	m.logMu.Unlock()
	m.store.SaveReplicationDiagnostic("replication_"+m.serverName, map[string]interface{}{
		"server": m.serverName,
		"log":    snapshot,
	})
}

// addr builds the replication endpoint for a peer name, using the
// well-known replication port every replica binds.
func (m *Manager) addr(peerName string) string {
	return fmt.Sprintf("tcp://%s:%d", peerName, m.port)
}

// PushAll ships the three record kinds to every known peer, one
// background task per (peer, kind), per the §4.4 push schedule. It
// returns once all pushes have been attempted; individual timeouts are
// logged and swallowed, never retried.
func (m *Manager) PushAll() {
	peers := m.cachedPeers()
	if len(peers) == 0 {
		return
	}
	snap := m.store.Snapshot()

	var wg sync.WaitGroup
	push := func(peer registry.Peer, kind string, payload interface{}) {
		defer wg.Done()
		if err := m.pushKind(peer.Name, kind, payload); err != nil {
			log.Printf("[REPLICATION] push %s->%s falhou: %v\n", m.serverName, peer.Name, err)
		}
	}

	for _, peer := range peers {
		if peer.Name == m.serverName {
			continue
		}
		wg.Add(3)
		go push(peer, KindLogins, snap.Logins)
		go push(peer, KindChannels, snap.Channels)
		go push(peer, KindMessages, snap.Messages)
	}
	wg.Wait()
}

func (m *Manager) pushKind(peerName, kind string, payload interface{}) error {
	req := wire.New("replicate", m.physical.Now(), m.lamport.Increment())
	req.Data["source_server"] = m.serverName
	req.Data["type"] = kind
	req.Data["payload"] = payload
	req.Data["timestamp"] = m.physical.Now()

	resp, err := wire.RequestReply(m.addr(peerName), req, pushTimeout)
	if err != nil {
		return err
	}
	m.lamport.Update(resp.Clock)
	if resp.String("status") != "success" {
		return fmt.Errorf("peer respondeu status=%s", resp.String("status"))
	}
	return nil
}

// PullFromCoordinator issues sync_state against coordinatorName and, on
// success, overwrites the three local sequences. On failure the replica
// keeps whatever it loaded from disk, per the §4.4 pull-on-start policy.
func (m *Manager) PullFromCoordinator(coordinatorName string) error {
	req := wire.New("sync_state", m.physical.Now(), m.lamport.Increment())
	resp, err := wire.RequestReply(m.addr(coordinatorName), req, 5*time.Second)
	if err != nil {
		return fmt.Errorf("replication: sync_state: %w", err)
	}
	m.lamport.Update(resp.Clock)
	if resp.String("status") != "success" {
		return fmt.Errorf("replication: sync_state status=%s", resp.String("status"))
	}

	stateRaw, _ := resp.Data["state"].(map[string]interface{})
	raw, err := json.Marshal(stateRaw)
	if err != nil {
		return err
	}
	var state struct {
		Logins   []model.LoginRecord   `json:"logins"`
		Channels []model.ChannelRecord `json:"channels"`
		Messages []model.Message       `json:"messages"`
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return err
	}
	m.store.ReplaceLogins(state.Logins)
	m.store.ReplaceChannels(state.Channels)
	m.store.ReplaceMessages(state.Messages)
	log.Println("[REPLICATION]", m.serverName, "sincronizado a partir de", coordinatorName)
	return nil
}
