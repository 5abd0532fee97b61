// Package server accepts client connections and runs the protocol over
// them under one of two scheduling strategies.
package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/api"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/connection"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/logger"
)

var (
	ErrServerClosed       = errors.New("server closed")
	ErrReactorUnsupported = errors.New("reactor mode is not supported on this platform")
	ErrInvalidMode        = errors.New("invalid server mode, expected tpc or reactor")
	ErrInvalidPort        = errors.New("invalid port, expected an integer between 1 and 65535")
)

const (
	defaultMaxConnections = 10000
	acceptBackoff         = 100 * time.Millisecond
)

type Mode string

const (
	ModeThreadPerClient Mode = "tpc"
	ModeReactor         Mode = "reactor"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeThreadPerClient, ModeReactor:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, s)
	}
	return port, nil
}

// Server is a running strategy. Serve blocks until Close is called and
// then returns ErrServerClosed.
type Server interface {
	Serve() error
	Close() error
	Addr() net.Addr
}

type options struct {
	workers        int
	readBufferSize int
	maxConnections int
}

type Option func(*options)

// WithWorkers sets the number of reactor event loops. Values <= 0 mean one
// per CPU. The thread-per-client strategy ignores it.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

func WithReadBufferSize(n int) Option {
	return func(o *options) { o.readBufferSize = n }
}

// WithMaxConnections bounds the number of live connections. Accepting
// pauses while the bound is reached.
func WithMaxConnections(n int) Option {
	return func(o *options) { o.maxConnections = n }
}

func buildOptions(opts []Option) options {
	o := options{maxConnections: defaultMaxConnections}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxConnections <= 0 {
		o.maxConnections = defaultMaxConnections
	}
	return o
}

// New builds the strategy named by mode on top of ln.
func New[T any](
	mode Mode,
	ln net.Listener,
	newProtocol func() api.Protocol[T],
	newCodec func() api.Codec[T],
	connections api.Connections[T],
	opts ...Option,
) (Server, error) {
	switch mode {
	case ModeThreadPerClient:
		return NewThreadPerClient(ln, newProtocol, newCodec, connections, opts...), nil
	case ModeReactor:
		r, err := NewReactor(ln, newProtocol, newCodec, connections, opts...)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
}

// idGenerator hands out connection ids, unique for the life of a server.
type idGenerator struct {
	last atomic.Int64
}

func (g *idGenerator) next() int {
	return int(g.last.Add(1))
}

// acceptLoop calls handle for every accepted connection until the listener
// is closed. Transient accept errors are retried after a short pause.
func acceptLoop(ln net.Listener, closed *atomic.Bool, handle func(net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if closed.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener closed: %w", err)
			}
			logger.ErrorF("Accept connection error: %v", err)
			time.Sleep(acceptBackoff)
			continue
		}
		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())
		handle(conn)
	}
}

func closeListener(ln net.Listener) error {
	if err := ln.Close(); err != nil && !connection.IsNetClosedError(err) {
		return err
	}
	return nil
}
