package main

import (
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/curbz/fplsync/internal/relay"
	"github.com/curbz/fplsync/pkg/util"
)

type config struct {
	Relay struct {
		ListenAddr  string `yaml:"listen_addr"`
		JournalPath string `yaml:"journal_path"`
	} `yaml:"relay"`
}

func main() {
	cfgPath := flag.String("config", "relay.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := util.LoadConfig[config](*cfgPath)
	if err != nil {
		log.Fatalf("Error reading configuration file: %v\n", err)
	}
	if cfg.Relay.ListenAddr == "" {
		cfg.Relay.ListenAddr = ":8099"
	}

	r, srv, err := relay.Start(cfg.Relay.ListenAddr, cfg.Relay.JournalPath)
	if err != nil {
		log.Fatalf("FATAL: could not start relay: %v", err)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	log.Println("Press Ctrl+C to shut down.")
	<-interrupt

	log.Println("\nInterrupt received. Shutting down...")
	srv.Close()
	r.Close()
}
