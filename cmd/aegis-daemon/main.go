// Aegis auto-remediation daemon.
//
// Runs the execution worker and the scheduler over a shared Postgres
// store. Alert ingestion, approvals and ranking attach through the
// daemon's accessors; this binary only hosts the core loops.
//
// Usage:
//
//	aegis-daemon --config /etc/aegis/config.yaml
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aegisops/aegis/internal/daemon"
)

var (
	flagConfig  = flag.String("config", "/etc/aegis/config.yaml", "Config file path")
	flagVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		log.Printf("aegis-daemon %s", daemon.Version)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := daemon.LoadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Shutdown signal: %v", sig)
		cancel()
	}()

	d := daemon.New(cfg)
	if err := d.Run(ctx); err != nil {
		log.Fatalf("Daemon failed: %v", err)
	}
}
