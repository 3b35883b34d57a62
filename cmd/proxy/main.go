// Command proxy runs the pub/sub fanout: replicas publish to its XSUB
// side, clients subscribe on its XPUB side, and ZeroMQ handles all topic
// routing between the two.
package main

import (
	"log"
	"os"
	"time"

	zmq "github.com/pebbe/zmq4"
)

func main() {
	xsubAddr := getenv("XSUB_ADDR", "tcp://*:5557")
	xpubAddr := getenv("XPUB_ADDR", "tcp://*:5558")

	log.Println("[PROXY] iniciando proxy pub/sub")
	log.Println("[PROXY] XSUB (replicas publicam) em", xsubAddr)
	log.Println("[PROXY] XPUB (clientes assinam) em", xpubAddr)

	ctx, err := zmq.NewContext()
	if err != nil {
		log.Fatalln("[PROXY] falha ao criar contexto:", err)
	}
	defer ctx.Term()

	xsub, err := ctx.NewSocket(zmq.XSUB)
	if err != nil {
		log.Fatalln("[PROXY] falha ao criar XSUB:", err)
	}
	defer xsub.Close()
	if err := xsub.Bind(xsubAddr); err != nil {
		log.Fatalln("[PROXY] falha ao bind XSUB em", xsubAddr, ":", err)
	}

	xpub, err := ctx.NewSocket(zmq.XPUB)
	if err != nil {
		log.Fatalln("[PROXY] falha ao criar XPUB:", err)
	}
	defer xpub.Close()
	if err := xpub.Bind(xpubAddr); err != nil {
		log.Fatalln("[PROXY] falha ao bind XPUB em", xpubAddr, ":", err)
	}

	log.Println("[PROXY] pronto")
	if err := zmq.Proxy(xsub, xpub, nil); err != nil {
		log.Println("[PROXY] encerrado com erro:", err)
		time.Sleep(time.Second)
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
