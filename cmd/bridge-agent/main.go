package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"time"
)

// bridge-agent is a minimal reference implementation of the agent side of
// the protocol in spec §6.1, for manually exercising the method surface
// against a running cmd/bridged -- analogous in spirit to the teacher's
// cmd/test-client, which did the same for the SSR WebSocket protocol.
func main() {
	method := flag.String("method", "system_status", "RPC method to call")
	params := flag.String("params", "{}", "JSON params object")
	tcpAddr := flag.String("tcp", "", "Dial cmd/bridged over TCP at this address instead of stdio")
	timeout := flag.Duration("timeout", 10*time.Second, "Time to wait for a response")
	flag.Parse()

	var rawParams json.RawMessage
	if *params != "" {
		rawParams = json.RawMessage(*params)
	}

	req := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      string          `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: strconv.FormatInt(time.Now().UnixNano(), 10), Method: *method, Params: rawParams}

	line, err := json.Marshal(req)
	if err != nil {
		log.Fatalf("encoding request: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var reader *bufio.Reader
	var writer func([]byte) error

	if *tcpAddr == "" {
		reader = bufio.NewReader(os.Stdin)
		writer = func(b []byte) error {
			_, err := os.Stdout.Write(b)
			return err
		}
	} else {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", *tcpAddr)
		if err != nil {
			log.Fatalf("dialing %s: %v", *tcpAddr, err)
		}
		defer conn.Close()
		reader = bufio.NewReader(conn)
		writer = func(b []byte) error {
			_, err := conn.Write(b)
			return err
		}
	}

	if err := writer(append(line, '\n')); err != nil {
		log.Fatalf("sending request: %v", err)
	}

	respCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := reader.ReadString('\n')
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case resp := <-respCh:
		fmt.Print(resp)
	case err := <-errCh:
		log.Fatalf("reading response: %v", err)
	case <-ctx.Done():
		log.Fatalf("timed out waiting for response to %s", *method)
	}
}
