// Package server implements the client-facing request handler (§4.1):
// the reply loop that services the nine client RPCs and drives the
// background replication and Berkeley schedules.
package server

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/LuiisMarim/bbs-cluster/internal/berkeley"
	"github.com/LuiisMarim/bbs-cluster/internal/clock"
	"github.com/LuiisMarim/bbs-cluster/internal/election"
	"github.com/LuiisMarim/bbs-cluster/internal/model"
	"github.com/LuiisMarim/bbs-cluster/internal/publish"
	"github.com/LuiisMarim/bbs-cluster/internal/registry"
	"github.com/LuiisMarim/bbs-cluster/internal/replication"
	"github.com/LuiisMarim/bbs-cluster/internal/store"
	"github.com/LuiisMarim/bbs-cluster/internal/wire"
)

// SyncInterval is the number of processed client requests between
// scheduled replication pushes (and, on the coordinator, Berkeley
// rounds), per §4.1. The interval is fixed here: the SYNC_INTERVAL value
// that config.Load reads into config.Config.SyncInterval is not passed to
// the handler and has no effect on this cadence.
const SyncInterval = 10

// Handler owns the client-facing reply socket and the wiring between the
// datastore, clocks, publish port, replication manager, election
// manager, and registry client.
type Handler struct {
	serverName string
	port       int

	store    *store.Store
	lamport  *clock.Lamport
	physical *clock.Physical
	pub      *publish.Port
	repl     *replication.Manager
	berk     *berkeley.Synchronizer
	elect    *election.Manager
	reg      *registry.Client

	mu       sync.Mutex
	pending  int
	syncEver int
}

// New builds a request handler wiring every collaborator component.
func New(serverName string, port int, st *store.Store, lamport *clock.Lamport, physical *clock.Physical,
	pub *publish.Port, repl *replication.Manager, berk *berkeley.Synchronizer, elect *election.Manager, reg *registry.Client) *Handler {
	return &Handler{
		serverName: serverName, port: port,
		store: st, lamport: lamport, physical: physical,
		pub: pub, repl: repl, berk: berk, elect: elect, reg: reg,
	}
}

// Serve binds the client-facing reply socket and processes requests
// until stop is closed.
func (h *Handler) Serve(ctx *zmq.Context, stop <-chan struct{}) error {
	sock, err := ctx.NewSocket(zmq.REP)
	if err != nil {
		return fmt.Errorf("server: new socket: %w", err)
	}
	defer sock.Close()
	sock.SetLinger(0)

	bind := "tcp://*:" + strconv.Itoa(h.port)
	if err := sock.Bind(bind); err != nil {
		return fmt.Errorf("server: bind %s: %w", bind, err)
	}
	log.Println("[SERVER]", h.serverName, "escutando clientes em", bind)

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
			log.Println("[SERVER] decode erro:", err)
			resp := h.reply("")
			resp.Data["status"] = "erro"
			resp.Data["description"] = "mensagem malformada"
			if out, err := wire.Marshal(resp); err == nil {
				if _, err := sock.SendBytes(out, 0); err != nil {
					log.Println("[SERVER] send erro:", err)
				}
			}
			continue
		}
		h.lamport.Update(req.Clock)

		resp := h.dispatch(req)
		out, err := wire.Marshal(resp)
		if err != nil {
			log.Println("[SERVER] marshal erro:", err)
			continue
		}
		if _, err := sock.SendBytes(out, 0); err != nil {
			log.Println("[SERVER] send erro:", err)
		}
	}
}

func (h *Handler) dispatch(req wire.Envelope) wire.Envelope {
	switch req.Service {
	case "login":
		return h.handleLogin(req)
	case "users":
		return h.handleUsers(req)
	case "channel":
		return h.handleChannel(req)
	case "channels":
		return h.handleChannels(req)
	case "publish":
		return h.handlePublish(req)
	case "message":
		return h.handleMessage(req)
	case "get_history":
		return h.handleGetHistory(req)
	case "get_private_history":
		return h.handleGetPrivateHistory(req)
	case "heartbeat":
		return h.handleHeartbeat(req)
	default:
		resp := h.reply(req.Service)
		resp.Data["status"] = "erro"
		resp.Data["description"] = "serviço desconhecido: " + req.Service
		return resp
	}
}

// reply builds a fresh response envelope stamped with the current
// physical and (post-increment) logical clock, per §4.1's rule that
// every reply carries timestamp and clock.
func (h *Handler) reply(service string) wire.Envelope {
	return wire.New(service, h.physical.Now(), h.lamport.Increment())
}

func (h *Handler) handleLogin(req wire.Envelope) wire.Envelope {
	user := req.String("user")
	resp := h.reply("login")
	if user == "" {
		resp.Data["status"] = "erro"
		resp.Data["description"] = "Nome de usuário não fornecido"
		return resp
	}
	if h.store.UserExists(user) {
		resp.Data["status"] = "erro"
		resp.Data["description"] = "Usuário já cadastrado"
		return resp
	}
	h.store.AppendLogin(model.LoginRecord{User: user, Timestamp: resp.Timestamp, Clock: resp.Clock})
	resp.Data["status"] = "sucesso"
	h.afterMutation()
	return resp
}

func (h *Handler) handleUsers(req wire.Envelope) wire.Envelope {
	resp := h.reply("users")
	logins := h.store.Logins()
	users := make([]string, 0, len(logins))
	for _, l := range logins {
		users = append(users, l.User)
	}
	resp.Data["status"] = "sucesso"
	resp.Data["users"] = users
	return resp
}

func (h *Handler) handleChannel(req wire.Envelope) wire.Envelope {
	channel := req.String("channel")
	resp := h.reply("channel")
	if channel == "" {
		resp.Data["status"] = "erro"
		resp.Data["description"] = "Nome do canal não fornecido"
		return resp
	}
	if h.store.ChannelExists(channel) {
		resp.Data["status"] = "erro"
		resp.Data["description"] = "Canal já existe"
		return resp
	}
	h.store.AppendChannel(model.ChannelRecord{Channel: channel, Timestamp: resp.Timestamp, Clock: resp.Clock})
	if h.pub != nil {
		if err := h.pub.ChannelCreated(channel); err != nil {
			log.Println("[SERVER] publicação de canal falhou:", err)
		}
	}
	resp.Data["status"] = "sucesso"
	h.afterMutation()
	return resp
}

func (h *Handler) handleChannels(req wire.Envelope) wire.Envelope {
	resp := h.reply("channels")
	channels := h.store.Channels()
	names := make([]string, 0, len(channels))
	for _, c := range channels {
		names = append(names, c.Channel)
	}
	resp.Data["status"] = "sucesso"
	resp.Data["channels"] = names
	return resp
}

func (h *Handler) handlePublish(req wire.Envelope) wire.Envelope {
	user := req.String("user")
	channel := req.String("channel")
	message := req.String("message")
	resp := h.reply("publish")

	if channel == "" {
		resp.Data["status"] = "erro"
		resp.Data["description"] = "Nome do canal não fornecido"
		return resp
	}
	if !h.store.ChannelExists(channel) {
		resp.Data["status"] = "erro"
		resp.Data["description"] = "Canal não existe"
		return resp
	}
	if user == "" || !h.store.UserExists(user) {
		resp.Data["status"] = "erro"
		resp.Data["description"] = "Usuário desconhecido"
		return resp
	}

	m := model.Message{
		Type: model.MessageKindPublish, User: user, Channel: channel, Message: message,
		Timestamp: resp.Timestamp, Clock: resp.Clock,
	}
	h.store.AppendMessage(m)
	if h.pub != nil {
		if err := h.pub.ChannelMessage(m); err != nil {
			log.Println("[SERVER] publicação de mensagem falhou:", err)
		}
	}
	resp.Data["status"] = "OK"
	h.afterMutation()
	return resp
}

func (h *Handler) handleMessage(req wire.Envelope) wire.Envelope {
	src := req.String("src")
	dst := req.String("dst")
	message := req.String("message")
	resp := h.reply("message")

	if dst == "" {
		resp.Data["status"] = "erro"
		resp.Data["description"] = "Destinatário não fornecido"
		return resp
	}
	if !h.store.UserExists(dst) {
		resp.Data["status"] = "erro"
		resp.Data["description"] = "Usuário destinatário não existe"
		return resp
	}
	if src == "" || !h.store.UserExists(src) {
		resp.Data["status"] = "erro"
		resp.Data["description"] = "Usuário remetente desconhecido"
		return resp
	}

	m := model.Message{
		Type: model.MessageKindPrivate, Src: src, Dst: dst, Message: message,
		Timestamp: resp.Timestamp, Clock: resp.Clock,
	}
	h.store.AppendMessage(m)
	if h.pub != nil {
		if err := h.pub.PrivateMessage(m); err != nil {
			log.Println("[SERVER] publicação de mensagem privada falhou:", err)
		}
	}
	resp.Data["status"] = "OK"
	h.afterMutation()
	return resp
}

func (h *Handler) handleGetHistory(req wire.Envelope) wire.Envelope {
	channel := req.String("channel")
	limit := req.Int("limit")
	resp := h.reply("get_history")

	if channel == "" {
		resp.Data["status"] = "erro"
		resp.Data["description"] = "Nome do canal não fornecido"
		return resp
	}
	if !h.store.ChannelExists(channel) {
		resp.Data["status"] = "erro"
		resp.Data["description"] = "Canal não existe"
		return resp
	}

	var matched []model.Message
	for _, m := range h.store.Messages() {
		if m.Type == model.MessageKindPublish && m.Channel == channel {
			matched = append(matched, m)
		}
	}
	resp.Data["status"] = "sucesso"
	resp.Data["messages"] = messagesToWire(limitedTail(matched, limit))
	return resp
}

func (h *Handler) handleGetPrivateHistory(req wire.Envelope) wire.Envelope {
	user := req.String("user")
	peer := req.String("peer")
	limit := req.Int("limit")
	resp := h.reply("get_private_history")

	if user == "" {
		resp.Data["status"] = "erro"
		resp.Data["description"] = "Nome do usuário não fornecido"
		return resp
	}
	if !h.store.UserExists(user) {
		resp.Data["status"] = "erro"
		resp.Data["description"] = "Usuário desconhecido"
		return resp
	}

	var matched []model.Message
	for _, m := range h.store.Messages() {
		if m.Type != model.MessageKindPrivate {
			continue
		}
		if (m.Src == user && m.Dst == peer) || (m.Src == peer && m.Dst == user) {
			matched = append(matched, m)
		}
	}
	resp.Data["status"] = "sucesso"
	resp.Data["messages"] = messagesToWire(limitedTail(matched, limit))
	return resp
}

func (h *Handler) handleHeartbeat(req wire.Envelope) wire.Envelope {
	return h.reply("heartbeat")
}

// messageToWire builds the lowercase-keyed map the wire contract (§3/§6)
// documents, field by field, the same way internal/publish/port.go
// does — never handing the Go-cased struct straight to msgpack.
func messageToWire(m model.Message) map[string]interface{} {
	out := map[string]interface{}{
		"type":      m.Type,
		"message":   m.Message,
		"timestamp": m.Timestamp,
		"clock":     m.Clock,
	}
	if m.User != "" {
		out["user"] = m.User
	}
	if m.Channel != "" {
		out["channel"] = m.Channel
	}
	if m.Src != "" {
		out["src"] = m.Src
	}
	if m.Dst != "" {
		out["dst"] = m.Dst
	}
	return out
}

func messagesToWire(messages []model.Message) []map[string]interface{} {
	out := make([]map[string]interface{}, len(messages))
	for i, m := range messages {
		out[i] = messageToWire(m)
	}
	return out
}

// limitedTail sorts by (clock, timestamp) ascending and returns the most
// recent limit records, per §4.1's ordering and limit rules.
func limitedTail(messages []model.Message, limit int) []model.Message {
	sort.Slice(messages, func(i, j int) bool { return messages[i].Less(messages[j]) })
	if limit <= 0 {
		return []model.Message{}
	}
	if limit >= len(messages) {
		return messages
	}
	return messages[len(messages)-limit:]
}

// afterMutation bumps the processed-request counter and, at multiples of
// SyncInterval, schedules a background replication push — and, if this
// replica is coordinator, a Berkeley round — per §4.1.
func (h *Handler) afterMutation() {
	h.mu.Lock()
	h.pending++
	due := h.pending%SyncInterval == 0
	h.mu.Unlock()
	if !due {
		return
	}

	go func() {
		if h.repl != nil {
			h.repl.PushAll()
		}
		if h.elect != nil && h.elect.IsCoordinator() && h.berk != nil && h.reg != nil {
			h.berk.RunAsCoordinator(h.reg.CachedPeers())
		}
	}()
}

// PullOnStart performs the startup snapshot pull described in §4.4:
// register, fetch peers, find the coordinator by minimum rank, seed the
// election manager with that coordinator (so MonitorCoordinator has
// someone to probe before any Bully round has ever run), and request a
// full sync_state from it.
func PullOnStart(reg *registry.Client, repl *replication.Manager, elect *election.Manager, selfName string) {
	if _, err := reg.Rank(); err != nil {
		log.Println("[SERVER] rank inicial falhou:", err)
	}
	peers, err := reg.List()
	if err != nil {
		log.Println("[SERVER] lista de peers inicial falhou:", err)
		return
	}
	repl.UpdatePeers(peers)
	elect.UpdatePeers(peers)

	coordinator := CoordinatorByMinRank(peers)
	if coordinator == "" {
		return
	}
	elect.SetCoordinator(coordinator)
	if coordinator == selfName {
		return
	}
	if err := repl.PullFromCoordinator(coordinator); err != nil {
		log.Println("[SERVER] pull inicial falhou, mantendo estado em disco:", err)
	}
}

// CoordinatorByMinRank picks the coordinator by the "smallest rank"
// convention the registry's registration order establishes at bootstrap
// (§4.4), grounded on the reference implementation's
// _update_coordinator_from_list. It is only used to seed a follower's
// belief before any Bully round has run; a completed election always
// takes precedence (election.Manager.SetCoordinator is a no-op once a
// coordinator is already known).
func CoordinatorByMinRank(peers []registry.Peer) string {
	if len(peers) == 0 {
		return ""
	}
	best := peers[0]
	for _, p := range peers[1:] {
		if p.Rank < best.Rank {
			best = p
		}
	}
	return best.Name
}

// WaitBriefly is a small helper used by the entrypoint to give the
// registry and peers a moment to come up before the first pull attempt.
func WaitBriefly() {
	time.Sleep(500 * time.Millisecond)
}
