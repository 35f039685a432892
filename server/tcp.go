package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/notifykit/notify/logger"
	"github.com/notifykit/notify/metrics/prometheus"
	"github.com/notifykit/notify/queue"
)

const tcpCloseWait = 5 * time.Second

// TCPServer is the line-oriented JSON ingress: one request per connection,
// read to EOF, synchronous reply, writer closed on all paths.
type TCPServer struct {
	addr  string
	queue *queue.Manager
	env   *Env

	mu       sync.Mutex
	listener net.Listener
	conns    sync.WaitGroup
}

// NewTCPServer builds the TCP ingress bound to addr.
func NewTCPServer(addr string, q *queue.Manager, env *Env) *TCPServer {
	return &TCPServer{addr: addr, queue: q, env: env}
}

// Addr returns the bound address, available after Listen.
func (s *TCPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Listen binds the listener. Split from Serve so the caller can fail fast on
// bind errors before starting the rest of the worker.
func (s *TCPServer) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("tcp ingress: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	logger.Info("tcp ingress listening", "addr", ln.Addr().String())
	return nil
}

// Serve accepts connections until the listener closes.
func (s *TCPServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			logger.Error("tcp accept failed", "error", err)
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handle(logger.WithIngress(ctx, "tcp"), conn)
		}()
	}
}

// handle processes one request: read to EOF, decode, enqueue, reply.
func (s *TCPServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	data, err := io.ReadAll(conn)
	if err != nil {
		logger.Error("tcp read failed", "error", err)
		return
	}

	reply := s.process(ctx, data)
	if _, err := conn.Write(reply); err != nil {
		logger.Error("tcp reply failed", "error", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

func (s *TCPServer) process(ctx context.Context, data []byte) []byte {
	w, err := DecodeWrapper(data, s.env)
	if err != nil {
		logger.Warn("tcp payload rejected", "error", err)
		return serializeError(err)
	}
	if err := s.queue.Put(w); err != nil {
		logger.Warn("tcp enqueue rejected", "id", w.WrapperID, "error", err)
		prometheus.RecordRejected("tcp")
		return serializeError(err)
	}
	prometheus.RecordQueued("tcp")
	logger.Queued(w.WrapperID, w.Provider, len(w.Recipients))
	return []byte(fmt.Sprintf("Message %s was Queued with id %s.", w.String(), w.WrapperID))
}

// Close stops accepting and waits up to tcpCloseWait for in-flight
// connections to finish.
func (s *TCPServer) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(tcpCloseWait):
		logger.Warn("tcp connections still open after close wait")
	}
	return err
}
