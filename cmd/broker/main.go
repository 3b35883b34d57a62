// Command broker runs the client-facing ROUTER/DEALER passthrough that
// load-balances client requests across the message-server replicas.
package main

import (
	"log"
	"os"

	zmq "github.com/pebbe/zmq4"
)

func main() {
	frontendAddr := getenv("BROKER_FRONTEND_ADDR", "tcp://*:5555")
	backendAddr := getenv("BROKER_BACKEND_ADDR", "tcp://*:6000")

	log.Println("[BROKER] iniciando")

	ctx, err := zmq.NewContext()
	if err != nil {
		log.Fatalln("[BROKER] falha ao criar contexto:", err)
	}
	defer ctx.Term()

	frontend, err := ctx.NewSocket(zmq.ROUTER)
	if err != nil {
		log.Fatalln("[BROKER] falha ao criar ROUTER:", err)
	}
	defer frontend.Close()
	if err := frontend.Bind(frontendAddr); err != nil {
		log.Fatalln("[BROKER] falha ao bind ROUTER em", frontendAddr, ":", err)
	}
	log.Println("[BROKER] ROUTER em", frontendAddr)

	backend, err := ctx.NewSocket(zmq.DEALER)
	if err != nil {
		log.Fatalln("[BROKER] falha ao criar DEALER:", err)
	}
	defer backend.Close()
	if err := backend.Bind(backendAddr); err != nil {
		log.Fatalln("[BROKER] falha ao bind DEALER em", backendAddr, ":", err)
	}
	log.Println("[BROKER] DEALER em", backendAddr)

	for {
		log.Println("[BROKER] iniciando ciclo do proxy")
		if err := zmq.Proxy(frontend, backend, nil); err != nil {
			log.Println("[BROKER] proxy encerrou com erro:", err)
		}
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
