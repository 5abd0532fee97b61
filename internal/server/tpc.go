package server

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/api"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/connection"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/logger"
)

// ThreadPerClient runs every connection on its own goroutine with blocking
// reads and writes.
type ThreadPerClient[T any] struct {
	listener    net.Listener
	newProtocol func() api.Protocol[T]
	newCodec    func() api.Codec[T]
	connections api.Connections[T]
	opts        options

	ids    idGenerator
	sem    chan struct{}
	done   chan struct{}
	closed atomic.Bool

	mu       sync.Mutex
	handlers map[int]*connection.Handler[T]
	wg       sync.WaitGroup
}

func NewThreadPerClient[T any](
	ln net.Listener,
	newProtocol func() api.Protocol[T],
	newCodec func() api.Codec[T],
	connections api.Connections[T],
	opts ...Option,
) *ThreadPerClient[T] {
	o := buildOptions(opts)
	return &ThreadPerClient[T]{
		listener:    ln,
		newProtocol: newProtocol,
		newCodec:    newCodec,
		connections: connections,
		opts:        o,
		sem:         make(chan struct{}, o.maxConnections),
		done:        make(chan struct{}),
		handlers:    make(map[int]*connection.Handler[T]),
	}
}

func (s *ThreadPerClient[T]) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *ThreadPerClient[T]) Serve() error {
	logger.InfoF("STOMP server (thread per client) listen on %s", s.listener.Addr().String())
	return acceptLoop(s.listener, &s.closed, s.handle)
}

func (s *ThreadPerClient[T]) handle(conn net.Conn) {
	select {
	case s.sem <- struct{}{}:
	case <-s.done:
		_ = conn.Close()
		return
	}

	h := connection.NewHandler(conn, s.ids.next(), s.newCodec(), s.newProtocol(), s.connections, s.opts.readBufferSize)
	if !s.track(h) {
		_ = h.Close()
		<-s.sem
		return
	}

	go func() {
		defer func() {
			s.untrack(h.ID())
			<-s.sem
			s.wg.Done()
		}()
		h.Run()
	}()
}

func (s *ThreadPerClient[T]) track(h *connection.Handler[T]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.handlers[h.ID()] = h
	s.wg.Add(1)
	return true
}

func (s *ThreadPerClient[T]) untrack(connID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, connID)
}

// Close stops accepting, closes every live connection and waits for their
// goroutines to finish cleanup.
func (s *ThreadPerClient[T]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	err := closeListener(s.listener)

	s.mu.Lock()
	for _, h := range s.handlers {
		_ = h.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	logger.Info("STOMP server (thread per client) stopped")
	return err
}
