package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// DefaultRequestTimeout bounds an agent request that must cross into the
// extension process (spec §4.5.3 step 1: "default 30 seconds").
const DefaultRequestTimeout = 30 * time.Second

// Server is the agent-facing half of cmd/bridged. It never touches the
// vault, gate, or WebAuthn engine directly: every passkey_* method is
// forwarded to whichever extension session Bridge currently holds ACTIVE.
// system_status is the one exception, answered from facts this process
// already has, since it costs the caller nothing to ask and should not be
// hostage to whether an extension happens to be connected (spec §9).
type Server struct {
	bridge    *Bridge
	startedAt time.Time
	log       *slog.Logger

	httpServer *http.Server
}

// NewServer wires an agent-facing Server around an existing Bridge. startedAt
// should be set once, at process start, so system_status reports process
// uptime rather than server-construction uptime.
func NewServer(bridge *Bridge, startedAt time.Time, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{bridge: bridge, startedAt: startedAt, log: log}
}

// ExtensionHandler returns the HTTP handler cmd/bridged mounts for the
// extension's WebSocket upgrade (spec §4.5.1), so the caller can bind it to
// whatever loopback-only mux it builds.
func (s *Server) ExtensionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.bridge.HandleUpgrade(w, r); err != nil {
			s.log.Warn("extension upgrade failed", "error", err)
		}
	}
}

// ServeStdio runs the agent protocol over r/w until EOF or a fatal framing
// error. One line in, one line out, per spec §6.1.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	return s.serveConn(ctx, r, w)
}

// ServeTCP listens on addr and serves one agent connection at a time per
// accepted socket, refusing to bind anywhere but loopback (spec §4.1: "The
// server binds only to loopback for both surfaces; an implementation MUST
// refuse non-loopback binds.").
func (s *Server) ServeTCP(ctx context.Context, addr string) error {
	if err := requireLoopback(addr); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("controlplane: listen %s: %w", addr, err)
	}
	defer ln.Close()
	s.log.Info("agent RPC listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("controlplane: accept: %w", err)
		}
		go func(c net.Conn) {
			defer c.Close()
			if err := s.serveConn(ctx, c, c); err != nil && err != io.EOF {
				s.log.Debug("agent connection ended", "error", err)
			}
		}(conn)
	}
}

// requireLoopback rejects any address whose host does not resolve to a
// loopback IP. An empty host (":9100") is rejected too: net.Listen binds
// all interfaces for that form, which is NOT loopback-only, so callers must
// be explicit (e.g. "127.0.0.1:9100").
func requireLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("controlplane: invalid listen address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("controlplane: refusing to bind all interfaces for %q: loopback only", addr)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("controlplane: refusing non-loopback bind address %q", addr)
	}
	return nil
}

// serveConn reads newline-delimited Request objects from r and writes
// newline-delimited Response objects to w, one per line, serialized so a
// slow in-flight request never interleaves partial writes with another
// response (spec §6.1 framing).
func (s *Server) serveConn(ctx context.Context, r io.Reader, w io.Writer) error {
	var writeMu sync.Mutex
	writeResp := func(resp *Response) {
		data, err := json.Marshal(resp)
		if err != nil {
			s.log.Error("failed to marshal response", "error", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		w.Write(data)
		w.Write([]byte("\n"))
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var wg sync.WaitGroup
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			writeResp(errorResponse(nil, newError(CodeInvalidParams, "malformed request: "+err.Error())))
			continue
		}

		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			writeResp(s.handle(ctx, req))
		}(req)
	}
	wg.Wait()
	return scanner.Err()
}

func (s *Server) handle(ctx context.Context, req Request) *Response {
	if req.Method == "system_status" {
		return successResponse(req.ID, s.systemStatus())
	}

	result, rpcErr := s.bridge.Dispatch(ctx, req.Method, json.RawMessage(req.Params), DefaultRequestTimeout)
	if rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}
	return successResponse(req.ID, result)
}

type systemStatusResult struct {
	UptimeSeconds   int64 `json:"uptimeSeconds"`
	ActiveSession   bool  `json:"activeSession"`
	PendingRequests int   `json:"pendingRequests"`
}

// systemStatus answers locally: it is process introspection, never
// credential material, and must stay truthful even with no extension
// connected (spec [EXPANSION], modeled on a conventional /healthz surface).
func (s *Server) systemStatus() systemStatusResult {
	return systemStatusResult{
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		ActiveSession:   s.bridge.HasActiveSession(),
		PendingRequests: s.bridge.PendingCount(),
	}
}
