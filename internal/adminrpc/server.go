package adminrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// connIdleTimeout bounds how long a connected client may sit between
// requests; the control plane is for short script/bench exchanges, not
// long-lived sessions.
const connIdleTimeout = 2 * time.Minute

// Backend is the narrow contract the admin RPC server needs from a
// running Pipeline; internal/pipeline.Pipeline satisfies it.
type Backend interface {
	Stats() Stats
	Shutdown()
}

// Server exposes Backend over a Unix domain socket using JSON-RPC 2.0.
// Its whole lifecycle hangs off one context: Stop cancels it, a
// context.AfterFunc per connection closes that connection, and the
// accept loop exits when the listener unblocks, so there is no
// connection registry and no drain timer to race against.
type Server struct {
	socketPath string
	backend    Backend

	ctx    context.Context
	cancel context.CancelFunc
	ln     net.Listener
	wg     sync.WaitGroup
}

func NewServer(socketPath string, backend Backend) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		backend:    backend,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins listening on the Unix socket. A leftover socket file from
// a crashed run is detected by attempting the bind first: only when the
// address is in use does Start probe whether a live server owns it, and
// it reclaims the path when nobody answers.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return fmt.Errorf("adminrpc: mkdir: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		if !isAddrInUse(err) {
			return fmt.Errorf("adminrpc: listen: %w", err)
		}
		if probe, perr := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond); perr == nil {
			probe.Close()
			return fmt.Errorf("adminrpc: another server is already listening on %s", s.socketPath)
		}
		os.Remove(s.socketPath)
		if ln, err = net.Listen("unix", s.socketPath); err != nil {
			return fmt.Errorf("adminrpc: listen after reclaiming stale socket: %w", err)
		}
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()

	log.Printf("adminrpc: listening on %s", s.socketPath)
	return nil
}

// Stop cancels the server context (which closes every live connection
// via its AfterFunc), closes the listener, waits for handlers to return,
// and removes the socket file.
func (s *Server) Stop() {
	s.cancel()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			log.Printf("adminrpc: accept error: %v", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn serves one client: a stream of JSON request objects,
// answered in order. Cancellation reaches a blocked decoder through the
// AfterFunc closing the connection; idle clients are cut off by the
// per-request read deadline.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(connIdleTimeout))

		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || s.ctx.Err() != nil {
				return
			}
			var syn *json.SyntaxError
			if errors.As(err, &syn) {
				_ = enc.Encode(Response{JSONRPC: "2.0", Error: &RPCError{Code: -32700, Message: "parse error"}})
				// The decoder's stream position is unrecoverable after a
				// syntax error; drop the connection rather than misparse
				// whatever follows.
			}
			return
		}

		if err := enc.Encode(s.dispatch(req)); err != nil {
			return
		}
	}
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

func (s *Server) dispatch(req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "Stats":
		data, err := json.Marshal(s.backend.Stats())
		if err != nil {
			resp.Error = &RPCError{Code: -32603, Message: err.Error()}
			return resp
		}
		resp.Result = data
		return resp

	case "Shutdown":
		s.backend.Shutdown()
		data, _ := json.Marshal(map[string]bool{"ok": true})
		resp.Result = data
		return resp

	default:
		resp.Error = &RPCError{Code: -32601, Message: fmt.Sprintf("method not found: %s", req.Method)}
		return resp
	}
}
