package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/quorumlog/quorumlog/internal/agent"
	"github.com/quorumlog/quorumlog/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to the node's YAML cluster config")
	flag.Parse()

	if *configPath == "" {
		log.Fatal("missing required -config flag")
	}

	c, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	a, err := agent.New(c)
	if err != nil {
		log.Fatalf("failed to start agent: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if err := a.Shutdown(); err != nil {
		log.Fatalf("failed to shut down agent: %v", err)
	}
}
