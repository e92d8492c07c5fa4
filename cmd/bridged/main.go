package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maceip/passkeybridge/internal/controlplane"
)

func main() {
	extAddr := flag.String("extension-addr", "127.0.0.1:9010", "Loopback address the extension's WebSocket dials into")
	agentAddr := flag.String("agent-addr", "", "Loopback address for TCP agent RPC (empty: stdio mode)")
	flag.Parse()

	if v := os.Getenv("PASSKEYBRIDGE_EXTENSION_ADDR"); v != "" && !isFlagPassed("extension-addr") {
		*extAddr = v
	}
	if v := os.Getenv("PASSKEYBRIDGE_AGENT_ADDR"); v != "" && !isFlagPassed("agent-addr") {
		*agentAddr = v
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if err := mustLoopback(*extAddr); err != nil {
		log.Error("refusing to start", "error", err)
		os.Exit(1)
	}

	bridge := controlplane.NewBridge(log)
	server := controlplane.NewServer(bridge, time.Now(), log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go bridge.RunDeadlineSweeper(ctx, time.Second)

	go func() {
		mux := newExtensionMux(server)
		log.Info("extension bridge listening", "addr", *extAddr)
		httpServer := newHTTPServer(*extAddr, mux)
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			httpServer.Shutdown(shutdownCtx)
		}()
		if err := httpServer.ListenAndServe(); err != nil && ctx.Err() == nil {
			log.Error("extension bridge failed", "error", err)
		}
	}()

	var err error
	if *agentAddr == "" {
		log.Info("agent RPC serving stdio")
		err = server.ServeStdio(ctx, os.Stdin, os.Stdout)
	} else {
		err = server.ServeTCP(ctx, *agentAddr)
	}
	if err != nil && ctx.Err() == nil {
		log.Error("agent RPC server exited", "error", err)
		os.Exit(1)
	}
}

func isFlagPassed(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
