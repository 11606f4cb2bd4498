package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/sdv-playground/sovdd/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/sovdd/config.yaml", "Path to config file")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :9266)")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.Infof("[main] sovdd starting")

	cfg := server.LoadConfig(*configPath)
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *verbose {
		cfg.Server.Verbose = true
	}
	if cfg.Server.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("[main] received %v, shutting down", sig)
		cancel()
	}()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		log.Fatalf("[main] setup failed: %v", err)
	}

	if err := srv.Run(ctx); err != nil {
		log.Errorf("[main] server exited: %v", err)
		os.Exit(1)
	}
}
