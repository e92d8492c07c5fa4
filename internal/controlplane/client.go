package controlplane

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/maceip/passkeybridge/pkg/backoff"
)

// ExtensionClient is the cmd/bridge-extension side of the server↔extension
// WebSocket (spec §4.5.1, §4.5.4): it dials out, reads BridgeRequest frames,
// dispatches them against a local Dispatcher, and writes BridgeResponse
// frames back, reconnecting with backoff on any socket loss.
type ExtensionClient struct {
	url        string
	dispatcher *Dispatcher
	attached   *atomic.Bool
	log        *slog.Logger
}

// NewExtensionClient builds a client that dials serverURL (e.g.
// "ws://127.0.0.1:9009/extension") and serves dispatcher's method surface
// over it. attached is flipped true/false as the connection comes up and
// goes down, and is the same flag Services.Attached reports through
// passkey_status's "attached" field.
func NewExtensionClient(serverURL string, dispatcher *Dispatcher, attached *atomic.Bool, log *slog.Logger) *ExtensionClient {
	if log == nil {
		log = slog.Default()
	}
	return &ExtensionClient{url: serverURL, dispatcher: dispatcher, attached: attached, log: log}
}

// Run connects and serves until ctx is canceled, reconnecting on any loss
// per spec §4.5.4's schedule, and gives up only after the schedule is
// exhausted -- which Run reports as an error, leaving the terminal-error
// decision (retry from scratch, alert a user) to the caller.
func (c *ExtensionClient) Run(ctx context.Context) error {
	schedule := backoff.NewSchedule()
	breaker := backoff.NewCircuitBreaker(5, backoff.DefaultMax)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := breaker.Execute(func() error {
			return c.runOnce(ctx)
		})
		connected := c.attached.Swap(false)

		if err == nil {
			// runOnce only returns nil on ctx cancellation.
			return nil
		}
		if connected {
			// The lost session had come up, so only failures since then
			// count toward exhausting the schedule.
			schedule.Reset()
		}

		delay, dErr := schedule.Next()
		if dErr != nil {
			c.log.Error("extension reconnect attempts exhausted, entering terminal error state", "error", err)
			return dErr
		}
		c.log.Warn("extension connection lost, reconnecting", "error", err, "delay", delay, "attempt", schedule.Attempts())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// runOnce performs one CONNECTING -> ACTIVE -> (lost) cycle (spec §4.5.2's
// state machine, extension side). It returns nil only when ctx is canceled;
// any socket error is returned so Run can apply the reconnect schedule.
func (c *ExtensionClient) runOnce(ctx context.Context) error {
	sock, err := dialSocket(ctx, c.url)
	if err != nil {
		return err
	}
	defer sock.close("client stopping")

	c.attached.Store(true)
	c.log.Info("extension session established", "url", c.url)

	for {
		data, err := sock.readMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var req BridgeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.log.Warn("discarding malformed bridge request", "error", err)
			continue
		}

		go c.handle(ctx, sock, req)
	}
}

func (c *ExtensionClient) handle(ctx context.Context, sock *socket, req BridgeRequest) {
	result, rpcErr := c.dispatcher.Dispatch(req.Method, req.Params)

	resp := BridgeResponse{ID: req.ID}
	if rpcErr != nil {
		resp.Success = false
		resp.Error = rpcErr.Error()
	} else {
		resultJSON, err := json.Marshal(result)
		if err != nil {
			resp.Success = false
			resp.Error = "failed to marshal result: " + err.Error()
		} else {
			resp.Success = true
			resp.Result = resultJSON
		}
	}

	data, err := json.Marshal(resp)
	if err != nil {
		c.log.Error("failed to marshal bridge response", "error", err)
		return
	}
	if err := sock.writeMessage(ctx, data); err != nil {
		c.log.Warn("failed to write bridge response", "error", err, "requestId", req.ID)
	}
}
