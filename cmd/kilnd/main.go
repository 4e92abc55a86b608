package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiln-systems/kiln"
)

func main() {
	var (
		configPath    string
		snapshotEvery time.Duration
		showVersion   bool
	)

	flag.StringVar(&configPath, "config", "kiln.yaml", "Path to the Kiln config file")
	flag.DurationVar(&snapshotEvery, "snapshot-interval", 30*time.Second, "Interval between stderr operational snapshots (0=disabled)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.Parse()

	if showVersion {
		fmt.Println("kilnd (facade mode)")
		return
	}

	cfg, err := kiln.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	core, err := kiln.New(cfg)
	if err != nil {
		log.Fatalf("create core: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("signal received; initiating graceful shutdown...")
		cancel()
		<-sigCh
		log.Println("second signal received; forcing exit")
		os.Exit(1)
	}()

	core.Start(ctx)

	var ticker *time.Ticker
	if snapshotEvery > 0 {
		ticker = time.NewTicker(snapshotEvery)
		defer ticker.Stop()
	}

	if ticker != nil {
		go func() {
			for {
				select {
				case <-ticker.C:
					snap, err := core.Snapshot(ctx)
					if err != nil {
						log.Printf("snapshot: %v", err)
						continue
					}
					b, _ := json.MarshalIndent(snap, "", "  ")
					fmt.Fprintf(os.Stderr, "\n=== SNAPSHOT %s ===\n%s\n", time.Now().Format(time.RFC3339), string(b))
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	<-ctx.Done()
	core.Stop()

	final, err := core.Snapshot(context.Background())
	if err == nil {
		b, _ := json.MarshalIndent(final, "", "  ")
		fmt.Fprintf(os.Stderr, "\n=== FINAL SNAPSHOT %s ===\n%s\n", time.Now().Format(time.RFC3339), string(b))
	}
}
