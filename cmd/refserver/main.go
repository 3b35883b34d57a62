// Command refserver runs the external reference server (§4.7): the
// registry every replica registers with at startup, polls for the
// current peer list, and heartbeats to stay listed.
package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/LuiisMarim/bbs-cluster/internal/store"
	"github.com/LuiisMarim/bbs-cluster/internal/wire"
)

const (
	bindAddr      = "tcp://*:5559"
	inactiveAfter = 15 * time.Second
	pruneEvery    = 5 * time.Second
	stateFile     = "registry.json"
)

// peerInfo tracks one registered replica's assigned rank and last
// contact time.
type peerInfo struct {
	Name          string  `json:"-"`
	Rank          int     `json:"rank"`
	LastHeartbeat float64 `json:"last_heartbeat"` // Unix seconds
}

// registryState is the JSON document persisted to disk, matching
// spec.md's `{servers:{name→{rank,last_heartbeat}}, next_rank, timestamp}`
// shape, grounded on the Python original's reference_server.py
// _load_state/_save_state.
type registryState struct {
	Servers   map[string]*peerInfo `json:"servers"`
	NextRank  int                  `json:"next_rank"`
	Timestamp float64              `json:"timestamp"`
}

type registry struct {
	mu       sync.Mutex
	dataDir  string
	servers  map[string]*peerInfo
	nextRank int
}

func newRegistry(dataDir string) *registry {
	r := &registry{dataDir: dataDir, servers: map[string]*peerInfo{}, nextRank: 1}
	r.load()
	return r
}

func (r *registry) load() {
	var st registryState
	store.LoadJSONFile(filepath.Join(r.dataDir, stateFile), &st)
	if st.Servers == nil {
		return
	}
	for name, p := range st.Servers {
		p.Name = name
	}
	r.servers = st.Servers
	if st.NextRank > 0 {
		r.nextRank = st.NextRank
	}
	log.Println("[REF] estado carregado de", filepath.Join(r.dataDir, stateFile))
}

// persist must be called with r.mu held.
func (r *registry) persist() {
	st := registryState{Servers: r.servers, NextRank: r.nextRank, Timestamp: nowSeconds()}
	if err := store.SaveJSONFile(filepath.Join(r.dataDir, stateFile), st); err != nil {
		log.Println("[REF] persist estado erro:", err)
	}
}

// touch registers user if unseen, or refreshes its last-seen time,
// returning its assigned rank. Rank assignment is registration order —
// the first replica to contact the registry gets rank 1, which doubles
// as the bootstrap coordinator convention (§4.6).
func (r *registry) touch(user string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, exists := r.servers[user]
	if !exists {
		p = &peerInfo{Name: user, Rank: r.nextRank}
		r.servers[user] = p
		log.Printf("[REF] novo servidor registrado: %s rank=%d\n", user, r.nextRank)
		r.nextRank++
	}
	p.LastHeartbeat = nowSeconds()
	r.persist()
	return p.Rank
}

func (r *registry) list() []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(r.servers))
	for name, p := range r.servers {
		out = append(out, map[string]interface{}{"name": name, "rank": p.Rank})
	}
	return out
}

func (r *registry) pruneInactive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := nowSeconds()
	pruned := false
	for name, p := range r.servers {
		if now-p.LastHeartbeat > inactiveAfter.Seconds() {
			log.Println("[REF] removendo servidor inativo:", name)
			delete(r.servers, name)
			pruned = true
		}
	}
	if pruned {
		r.persist()
	}
}

func main() {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "/data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalln("[REF] falha ao criar", dataDir, ":", err)
	}

	reg := newRegistry(dataDir)
	lamport := 0
	var lamportMu sync.Mutex
	incClock := func() int {
		lamportMu.Lock()
		lamport++
		v := lamport
		lamportMu.Unlock()
		return v
	}
	updateClock := func(received int) {
		lamportMu.Lock()
		if received > lamport {
			lamport = received
		}
		lamport++
		lamportMu.Unlock()
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pruneEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				reg.pruneInactive()
			}
		}
	}()

	ctx, err := zmq.NewContext()
	if err != nil {
		log.Fatalln("[REF] falha ao criar contexto zmq:", err)
	}
	defer ctx.Term()

	sock, err := ctx.NewSocket(zmq.REP)
	if err != nil {
		log.Fatalln("[REF] falha ao criar socket:", err)
	}
	defer sock.Close()
	sock.SetLinger(0)

	if err := sock.Bind(bindAddr); err != nil {
		log.Fatalln("[REF] falha ao bind em", bindAddr, ":", err)
	}
	log.Println("[REF] escutando em", bindAddr)

	go func() {
		waitForSignal()
		close(stop)
	}()

	sock.SetRcvtimeo(time.Second)
	for {
		select {
		case <-stop:
			reg.mu.Lock()
			reg.persist()
			reg.mu.Unlock()
			log.Println("[REF] encerrando")
			return
		default:
		}

		raw, err := sock.RecvBytes(0)
		if err != nil {
			continue
		}
		req, err := wire.Unmarshal(raw)
		if err != nil {
			log.Println("[REF] decode erro:", err)
			continue
		}
		updateClock(req.Clock)

		resp := wire.New(req.Service, nowSeconds(), incClock())

		switch req.Service {
		case "rank":
			user := req.String("user")
			resp.Data["rank"] = reg.touch(user)
		case "heartbeat":
			user := req.String("user")
			reg.touch(user)
			resp.Data["status"] = "ok"
		case "list":
			resp.Data["list"] = reg.list()
		default:
			resp.Data["error"] = "serviço desconhecido"
		}

		out, err := wire.Marshal(resp)
		if err != nil {
			log.Println("[REF] marshal erro:", err)
			continue
		}
		if _, err := sock.SendBytes(out, 0); err != nil {
			log.Println("[REF] send erro:", err)
		}
	}
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
