package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// MaxLineBytes bounds a single JSONL request line.
const MaxLineBytes = 32 << 20

// Server serves the command service as JSONL over a stream listener:
// one request envelope per line in, one response per line out.
type Server struct {
	disp *Dispatcher
	log  *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer returns a JSONL server for the dispatcher.
func NewServer(disp *Dispatcher, log *slog.Logger) *Server {
	return &Server{disp: disp, log: log, conns: make(map[net.Conn]struct{})}
}

// Serve accepts connections until ctx is canceled or the listener
// closes. Each connection is handled on its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.closeAll()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.track(conn, true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.track(conn, false)
			defer conn.Close()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	s.log.Debug("command connection opened", "remote", remote)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), MaxLineBytes)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env Envelope
		resp := func() *Response {
			if err := json.Unmarshal(line, &env); err != nil {
				return &Response{Status: "INVALID_ARGUMENT", Error: "malformed request envelope: " + err.Error()}
			}
			return s.disp.Dispatch(ctx, &env)
		}()

		if err := enc.Encode(resp); err != nil {
			s.log.Warn("command response write failed", "remote", remote, "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("command connection read failed", "remote", remote, "error", err)
	}
	s.log.Debug("command connection closed", "remote", remote)
}

// ServeAddr listens on a TCP address and serves until ctx is canceled.
func (s *Server) ServeAddr(ctx context.Context, addr string) error {
	lc := net.ListenConfig{KeepAlive: 3 * time.Minute}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	s.log.Info("command service listening", "addr", ln.Addr().String())
	return s.Serve(ctx, ln)
}
