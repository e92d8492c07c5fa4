package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/maceip/passkeybridge/internal/authgate"
	"github.com/maceip/passkeybridge/internal/controlplane"
	"github.com/maceip/passkeybridge/internal/identity"
	"github.com/maceip/passkeybridge/internal/vault"
	"github.com/maceip/passkeybridge/internal/webauthn"
)

// This process is a Go stand-in for the browser extension's background
// context: the only context with access to the vault, gate, and WebAuthn
// proxy surface (spec §4.5.3 step 3). It owns no UI; a real extension's
// JavaScript embeds this process's protocol surface directly instead of
// dialing out to it.
func main() {
	dataDir := flag.String("data", "./passkeybridge-data", "Directory for master.key, credentials.json, and audit logs")
	serverURL := flag.String("server-url", "ws://127.0.0.1:9010/extension", "cmd/bridged extension WebSocket endpoint")
	automationMode := flag.Bool("automation", false, "Start with automation mode enabled (ceremonies auto-complete)")
	flag.Parse()

	if v := os.Getenv("PASSKEYBRIDGE_DATA_DIR"); v != "" && !isFlagPassed("data") {
		*dataDir = v
	}
	if v := os.Getenv("PASSKEYBRIDGE_SERVER_URL"); v != "" && !isFlagPassed("server-url") {
		*serverURL = v
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if err := os.MkdirAll(*dataDir, 0700); err != nil {
		log.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}

	id, err := identity.LoadOrGenerate(filepath.Join(*dataDir, "signing.key"))
	if err != nil {
		log.Error("failed to load bridge signing identity", "error", err)
		os.Exit(1)
	}
	log.Info("bridge identity ready", "fingerprint", id.Fingerprint())

	gateAudit, err := vault.OpenLog(filepath.Join(*dataDir, "authorization-audit.log"))
	if err != nil {
		log.Error("failed to open authorization audit log", "error", err)
		os.Exit(1)
	}
	defer gateAudit.Close()
	gateAudit.SetIdentity(id)
	gate := authgate.New(gateAudit)

	v, err := vault.Open(vault.Config{
		MasterKeyPath: filepath.Join(*dataDir, "master.key"),
		VaultPath:     filepath.Join(*dataDir, "credentials.json"),
		AuditLogPath:  filepath.Join(*dataDir, "audit.log"),
		Identity:      id,
	}, gate)
	if err != nil {
		log.Error("failed to open vault", "error", err)
		os.Exit(1)
	}
	defer v.Close()

	engine := webauthn.NewEngine(v, gate, *automationMode)

	services := &controlplane.Services{
		Vault:             v,
		Gate:              gate,
		Engine:            engine,
		Attached:          &atomic.Bool{},
		BridgeFingerprint: id.Fingerprint(),
	}
	dispatcher := controlplane.NewDispatcher(services)
	client := controlplane.NewExtensionClient(*serverURL, dispatcher, services.Attached, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("connecting to bridged", "url", *serverURL)
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("extension client stopped permanently", "error", err)
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
