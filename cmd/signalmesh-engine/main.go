package main

import (
	"log"

	"github.com/signalmesh/signalmesh/core/daemon"
	"github.com/signalmesh/signalmesh/core/infra/buildinfo"
	"github.com/signalmesh/signalmesh/core/infra/config"
)

func main() {
	log.Println("signalmesh engine starting...")
	buildinfo.Log("signalmesh-engine")
	cfg := config.Load()
	if err := daemon.Run(cfg); err != nil {
		log.Fatalf("engine error: %v", err)
	}
}
