package main

import (
	"fmt"
	"net"
	"net/http"

	"github.com/maceip/passkeybridge/internal/controlplane"
)

// newExtensionMux mounts the extension's WebSocket upgrade endpoint. It is
// the only HTTP surface this process exposes (spec §4.5.1).
func newExtensionMux(server *controlplane.Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/extension", server.ExtensionHandler())
	return mux
}

// newHTTPServer builds an *http.Server bound to addr without starting it;
// ListenAndServe is left to the caller so it can race against ctx.Done().
// It does not check addr; main calls mustLoopback first.
func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{Addr: addr, Handler: handler}
}

// mustLoopback mirrors requireLoopback's discipline (spec §4.1: loopback
// binds only) for the extension's HTTP listener, since net/http doesn't
// expose the same hook Server.ServeTCP uses for the agent RPC listener.
func mustLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("bridged: invalid address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("bridged: refusing non-loopback bind address %q", addr)
	}
	return nil
}
