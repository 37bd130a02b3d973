package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pgtrace/pgtrace/internal/api"
	"github.com/pgtrace/pgtrace/internal/audit"
	"github.com/pgtrace/pgtrace/internal/config"
	"github.com/pgtrace/pgtrace/internal/health"
	"github.com/pgtrace/pgtrace/internal/metrics"
	"github.com/pgtrace/pgtrace/internal/proxy"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] <listen_port> <db_host> <db_port> <log_file>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "optional path to a YAML tunables file")
	flag.Usage = usage
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load(*configPath, flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		usage()
		os.Exit(2)
	}

	logger, err := audit.New(cfg.LogFile, cfg.DBHost, cfg.DBPort)
	if err != nil {
		log.Fatalf("Failed to open audit log: %v", err)
	}

	m := metrics.New()

	server, err := proxy.NewServer(cfg, logger, m)
	if err != nil {
		log.Fatalf("Failed to start proxy: %v", err)
	}

	hc := health.NewChecker(cfg.DBHost, cfg.DBPort, m, cfg.HealthCheck)
	hc.Start()

	var adminServer *api.Server
	if cfg.Admin.Enabled() {
		adminServer = api.NewServer(server, hc, m, cfg)
		if err := adminServer.Start(); err != nil {
			log.Fatalf("Failed to start admin endpoint: %v", err)
		}
	}

	// Run the reactor loop; shut down on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %s, shutting down...", sig)
		server.Stop()
	}()

	runErr := server.Run()

	if adminServer != nil {
		adminServer.Stop()
	}
	hc.Stop()
	logger.Close()

	if runErr != nil {
		log.Fatalf("Proxy terminated: %v", runErr)
	}
	log.Printf("pgtrace stopped")
}
