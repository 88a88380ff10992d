// Command avtrust-bridge runs the trust estimation bridge: it ingests
// multi-agent detection batches over UDP, maintains per-agent tracks and
// Beta trust beliefs, publishes the trust-weighted fused view, and serves
// state and tuning over HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/avstack-lab/avtrust-bridge/internal/api"
	"github.com/avstack-lab/avtrust-bridge/internal/bridge"
	"github.com/avstack-lab/avtrust-bridge/internal/config"
	"github.com/avstack-lab/avtrust-bridge/internal/pipeline"
	"github.com/avstack-lab/avtrust-bridge/internal/storage/sqlite"
)

var (
	listen         = flag.String("listen", ":8080", "HTTP listen address")
	detectionsAddr = flag.String("detections-addr", ":7700", "UDP address for inbound detection batches")
	publishAddr    = flag.String("publish-addr", "", "UDP address for outbound trust/fusion messages (empty disables publishing)")
	configPath     = flag.String("config", "", "Path to tuning JSON (empty uses defaults)")
	dbFile         = flag.String("db", "", "Path to the audit sqlite database (empty disables auditing)")
	logInterval    = flag.Duration("log-interval", time.Minute, "Interval for listener/publisher stats logging")
	verbose        = flag.Bool("verbose", false, "Enable diagnostic and trace pipeline logging")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("HTTP listen address is required")
	}
	if *detectionsAddr == "" {
		log.Fatal("Detections UDP address is required")
	}

	if *verbose {
		pipeline.SetLogWriters(os.Stderr, os.Stderr, os.Stderr)
	} else {
		pipeline.SetLogWriters(os.Stderr, nil, nil)
	}

	tuning := config.Empty()
	if *configPath != "" {
		var err error
		tuning, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		log.Printf("Loaded tuning from %s", *configPath)
	}
	store := config.NewStore(tuning)

	var audit pipeline.Auditor
	var historian api.TrustHistorian
	var auditStore *sqlite.Store
	if *dbFile != "" {
		var err error
		auditStore, err = sqlite.Open(*dbFile)
		if err != nil {
			log.Fatalf("Failed to open audit database: %v", err)
		}
		defer auditStore.Close()
		audit = auditStore
		historian = auditStore
		log.Printf("Auditing to %s", *dbFile)
	}

	var pub pipeline.Publisher
	var publisher *bridge.Publisher
	if *publishAddr != "" {
		var err error
		publisher, err = bridge.NewPublisher(*publishAddr, 256, *logInterval)
		if err != nil {
			log.Fatalf("Failed to create publisher: %v", err)
		}
		defer publisher.Close()
		pub = publisher
	}

	pipe := pipeline.New(pipeline.Config{
		Store:     store,
		Publisher: pub,
		Audit:     audit,
	})

	listener := bridge.NewUDPListener(bridge.UDPListenerConfig{
		Address:     *detectionsAddr,
		LogInterval: *logInterval,
		Sink:        pipe,
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if publisher != nil {
		publisher.Start(ctx)
	}

	if auditStore != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					log.Print("Audit prune routine terminated")
					return
				case <-ticker.C:
					tun := store.Current()
					retention := tun.GetAuditRetention()
					if err := auditStore.Prune(retention, time.Now().UnixNano()); err != nil {
						log.Printf("Audit prune failed: %v", err)
					}
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipe.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("Pipeline error: %v", err)
		}
		log.Print("Pipeline routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listener.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("UDP listener error: %v", err)
		}
		log.Print("UDP listener routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(api.NewServer(pipe, store, historian).ServeMux()),
		}

		go func() {
			log.Printf("Starting HTTP server on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
