// Package berkeley implements the Berkeley clock synchronization
// algorithm (§4.5): a coordinator collects wall-clock samples from every
// peer, averages them, and distributes an additive offset to each.
package berkeley

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/LuiisMarim/bbs-cluster/internal/clock"
	"github.com/LuiisMarim/bbs-cluster/internal/registry"
	"github.com/LuiisMarim/bbs-cluster/internal/store"
	"github.com/LuiisMarim/bbs-cluster/internal/wire"
)

const sampleTimeout = 2 * time.Second

// HistoryEntry records one completed synchronization round, kept purely
// for diagnostics (§4.5's sync-history detail).
type HistoryEntry struct {
	Timestamp float64            `json:"timestamp"`
	Role      string             `json:"role"` // "coordinator" or "peer"
	Average   float64            `json:"average,omitempty"`
	Offsets   map[string]float64 `json:"offsets,omitempty"`
	Applied   float64            `json:"applied,omitempty"`
}

// Synchronizer runs the coordinator side (Collect/Compute/Distribute) and
// serves the peer side (receiving adjust_time and get_time).
type Synchronizer struct {
	serverName string
	port       int
	physical   *clock.Physical
	lamport    *clock.Lamport
	store      *store.Store

	historyMu sync.Mutex
	history   []HistoryEntry
}

// New builds a Berkeley synchronizer for this replica.
func New(serverName string, replicationPort int, physical *clock.Physical, lamport *clock.Lamport, st *store.Store) *Synchronizer {
	return &Synchronizer{serverName: serverName, port: replicationPort, physical: physical, lamport: lamport, store: st}
}

func (s *Synchronizer) addr(peerName string) string {
	return fmt.Sprintf("tcp://%s:%d", peerName, s.port)
}

// RunAsCoordinator performs one full synchronization round against peers:
// collect samples (including its own), compute the average, and
// distribute the per-peer additive offset. Unreachable peers are simply
// excluded from the average, never block the round.
func (s *Synchronizer) RunAsCoordinator(peers []registry.Peer) {
	samples := s.collect(peers)
	if len(samples) == 0 {
		return
	}
	avg := average(samples)
	offsets := s.distribute(peers, avg, samples)

	s.physical.ApplyOffset(avg - samples[s.serverName])

	s.appendHistory(HistoryEntry{
		Timestamp: s.physical.Now(),
		Role:      "coordinator",
		Average:   avg,
		Offsets:   offsets,
	})
	log.Println("[BERKELEY]", s.serverName, "rodada concluída, média=", avg)
}

// collect gathers a wall-clock sample from every peer plus itself,
// tagging each with the peer name it came from.
func (s *Synchronizer) collect(peers []registry.Peer) map[string]float64 {
	samples := map[string]float64{s.serverName: s.physical.Now()}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, p := range peers {
		if p.Name == s.serverName {
			continue
		}
		wg.Add(1)
		go func(peerName string) {
			defer wg.Done()
			t, err := s.getTime(peerName)
			if err != nil {
				log.Println("[BERKELEY] get_time falhou para", peerName, ":", err)
				return
			}
			mu.Lock()
			samples[peerName] = t
			mu.Unlock()
		}(p.Name)
	}
	wg.Wait()
	return samples
}

func (s *Synchronizer) getTime(peerName string) (float64, error) {
	req := wire.New("get_time", s.physical.Now(), s.lamport.Increment())
	resp, err := wire.RequestReply(s.addr(peerName), req, sampleTimeout)
	if err != nil {
		return 0, err
	}
	s.lamport.Update(resp.Clock)
	return resp.Float("time"), nil
}

func average(samples map[string]float64) float64 {
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

// distribute sends each peer the delta between the computed average and
// that peer's own sample, so applying the delta locally brings it in
// line with the average.
func (s *Synchronizer) distribute(peers []registry.Peer, avg float64, samples map[string]float64) map[string]float64 {
	offsets := make(map[string]float64, len(samples))
	var wg sync.WaitGroup

	for _, p := range peers {
		if p.Name == s.serverName {
			continue
		}
		sample, ok := samples[p.Name]
		if !ok {
			continue
		}
		delta := avg - sample
		offsets[p.Name] = delta
		wg.Add(1)
		go func(peerName string, delta float64) {
			defer wg.Done()
			if err := s.adjustTime(peerName, delta); err != nil {
				log.Println("[BERKELEY] adjust_time falhou para", peerName, ":", err)
			}
		}(p.Name, delta)
	}
	wg.Wait()
	return offsets
}

func (s *Synchronizer) adjustTime(peerName string, delta float64) error {
	req := wire.New("adjust_time", s.physical.Now(), s.lamport.Increment())
	req.Data["offset"] = delta
	resp, err := wire.RequestReply(s.addr(peerName), req, sampleTimeout)
	if err != nil {
		return err
	}
	s.lamport.Update(resp.Clock)
	if resp.String("status") != "success" {
		return fmt.Errorf("peer respondeu status=%s", resp.String("status"))
	}
	return nil
}

// HandleAdjustTime is invoked by the replication reply server when it
// receives an adjust_time request on the shared replication port: the
// peer side of a Berkeley round.
func (s *Synchronizer) HandleAdjustTime(req wire.Envelope) wire.Envelope {
	delta := req.Float("offset")
	s.physical.ApplyOffset(delta)
	s.appendHistory(HistoryEntry{
		Timestamp: s.physical.Now(),
		Role:      "peer",
		Applied:   delta,
	})
	resp := wire.New("adjust_time", s.physical.Now(), s.lamport.Increment())
	resp.Data["status"] = "success"
	return resp
}

func (s *Synchronizer) appendHistory(e HistoryEntry) {
	s.historyMu.Lock()
	s.history = append(s.history, e)
	snapshot := append([]HistoryEntry{}, s.history...)
	s.historyMu.Unlock()
	s.store.SaveReplicationDiagnostic("berkeley_"+s.serverName, map[string]interface{}{
		"server":  s.serverName,
		"history": snapshot,
	})
}

// History returns a copy of the synchronization history for this replica.
func (s *Synchronizer) History() []HistoryEntry {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	return append([]HistoryEntry{}, s.history...)
}
