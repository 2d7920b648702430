// Command crucible-guest is the agent that runs inside Firecracker microVMs.
// It listens on vsock for host commands: sandbox policy application, scratch
// resets, and supervised execution with streamed log lines.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o crucible-guest ./cmd/crucible-guest
package main

import (
	"log"

	"github.com/mdlayher/vsock"

	"github.com/emberhost/crucible/internal/guest"
	fc "github.com/emberhost/crucible/internal/substrate/firecracker"
)

func main() {
	guest.SetupInit()

	port := fc.DefaultVsockPort
	l, err := vsock.Listen(port, nil)
	if err != nil {
		log.Fatalf("vsock listen on port %d: %v", port, err)
	}
	defer l.Close()

	log.Printf("crucible-guest listening on vsock port %d", port)

	agent := guest.New(l, fc.GuestScratchDir)
	if err := agent.Serve(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
