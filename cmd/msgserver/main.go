// Command msgserver runs one message-server replica: it serves client
// RPCs, replicates state to its peers, keeps its clock in sync via the
// Berkeley algorithm, and participates in Bully leader election.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/LuiisMarim/bbs-cluster/internal/berkeley"
	"github.com/LuiisMarim/bbs-cluster/internal/clock"
	"github.com/LuiisMarim/bbs-cluster/internal/config"
	"github.com/LuiisMarim/bbs-cluster/internal/election"
	"github.com/LuiisMarim/bbs-cluster/internal/publish"
	"github.com/LuiisMarim/bbs-cluster/internal/registry"
	"github.com/LuiisMarim/bbs-cluster/internal/replication"
	"github.com/LuiisMarim/bbs-cluster/internal/server"
	"github.com/LuiisMarim/bbs-cluster/internal/store"
	"github.com/LuiisMarim/bbs-cluster/internal/wire"
)

func main() {
	cfg := config.Load()
	log.Println("[MAIN]", cfg.ServerName, "iniciando com dados em", cfg.DataDir)

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatalln("[MAIN] falha ao abrir datastore:", err)
	}

	lamport := &clock.Lamport{}
	physical := &clock.Physical{}

	ctx, err := zmq.NewContext()
	if err != nil {
		log.Fatalln("[MAIN] falha ao criar contexto zmq:", err)
	}
	defer ctx.Term()

	pubSocket, err := wire.NewPublisher(ctx, cfg.ProxyPubAddr)
	if err != nil {
		log.Fatalln("[MAIN] falha ao conectar publisher:", err)
	}
	defer pubSocket.Close()
	pub := publish.New(pubSocket, lamport, physical)

	reg := registry.New(cfg.RefAddr, cfg.ServerName, lamport)
	repl := replication.New(cfg.ServerName, cfg.ReplicationPort, st, lamport, physical)
	berk := berkeley.New(cfg.ServerName, cfg.ReplicationPort, physical, lamport, st)
	repl.SetAdjustTimeHandler(berk.HandleAdjustTime)

	server.WaitBriefly()
	rank, err := reg.Rank()
	if err != nil {
		log.Println("[MAIN] rank inicial falhou:", err)
	}
	elect := election.New(cfg.ServerName, cfg.ElectionPort, rank, physical, lamport, st, pub)
	server.PullOnStart(reg, repl, elect, cfg.ServerName)

	handler := server.New(cfg.ServerName, cfg.ClientRepPort, st, lamport, physical, pub, repl, berk, elect, reg)

	stop := make(chan struct{})

	go runAndLog("client handler", func() error { return handler.Serve(ctx, stop) })
	go runAndLog("replication server", func() error { return repl.Serve(ctx, stop) })
	go runAndLog("election server", func() error { return elect.Serve(ctx, stop) })

	go reg.RunHeartbeatLoop(cfg.HeartbeatInterval, stop)
	go reg.RunListRefreshLoop(20*time.Second, stop, func(peers []registry.Peer) {
		repl.UpdatePeers(peers)
		elect.UpdatePeers(peers)
		elect.SetCoordinator(server.CoordinatorByMinRank(peers))
	})
	go elect.MonitorCoordinator(cfg.CoordinatorTimeout, stop, cfg.ReplicationPort, reg.CachedPeers)
	go subscribeServersTopic(ctx, cfg, elect, stop)

	waitForSignal()
	close(stop)
	log.Println("[MAIN]", cfg.ServerName, "encerrando")
}

// subscribeServersTopic listens on the servers pub/sub topic for
// coordinator announcements broadcast by whichever replica just won an
// election, per §4.6.
func subscribeServersTopic(ctx *zmq.Context, cfg config.Config, elect *election.Manager, stop <-chan struct{}) {
	sub, err := wire.NewSubscriber(ctx, cfg.ProxySubAddr, publish.TopicServers)
	if err != nil {
		log.Println("[MAIN] falha ao assinar tópico servers:", err)
		return
	}
	defer sub.Close()

	for {
		select {
		case <-stop:
			return
		default:
		}
		_, env, err := sub.Recv()
		if err != nil {
			continue
		}
		if env.Service != "election" {
			continue
		}
		if env.String("event") != "new_coordinator" {
			continue
		}
		elect.HandleCoordinatorAnnouncement(env.String("coordinator"), env.Int("rank"))
	}
}

func runAndLog(name string, fn func() error) {
	if err := fn(); err != nil {
		log.Println("[MAIN]", name, "encerrado com erro:", err)
	}
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
