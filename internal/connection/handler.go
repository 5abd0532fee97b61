// Package connection runs one client connection on a dedicated goroutine
// with blocking reads and synchronous writes.
package connection

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/api"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/logger"
)

const defaultReadBufferSize = 8 * 1024

// Handler owns a net.Conn for its whole life. The shared connection table
// only ever sees it through Send.
type Handler[T any] struct {
	conn        net.Conn
	connID      int
	remote      string
	codec       api.Codec[T]
	protocol    api.Protocol[T]
	connections api.Connections[T]
	reader      *bufio.Reader

	writeMu sync.Mutex
	closed  atomic.Bool
}

func NewHandler[T any](
	conn net.Conn,
	connID int,
	codec api.Codec[T],
	protocol api.Protocol[T],
	connections api.Connections[T],
	readBufferSize int,
) *Handler[T] {
	if readBufferSize <= 0 {
		readBufferSize = defaultReadBufferSize
	}
	return &Handler[T]{
		conn:        conn,
		connID:      connID,
		remote:      conn.RemoteAddr().String(),
		codec:       codec,
		protocol:    protocol,
		connections: connections,
		reader:      bufio.NewReaderSize(conn, readBufferSize),
	}
}

func (h *Handler[T]) ID() int {
	return h.connID
}

// Send encodes msg and writes it before returning. Concurrent senders are
// serialised so frames never interleave on the wire.
func (h *Handler[T]) Send(msg T) {
	if h.closed.Load() {
		return
	}
	data := h.codec.Encode(msg)

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := Send(h.conn, data, h.connID); err != nil {
		_ = h.Close()
	}
}

// Run registers the connection, then reads and processes messages until
// the protocol asks to terminate or the transport fails. The connection is
// always unregistered and closed on return.
func (h *Handler[T]) Run() {
	h.connections.AddConnection(h.connID, h)
	h.protocol.Start(h.connID)
	logger.DebugF("[conn-%d] Accepted connection from %s", h.connID, h.remote)

	defer func() {
		h.connections.Disconnect(h.connID)
		if err := h.Close(); err != nil && !IsNetClosedError(err) {
			logger.WarnF("[conn-%d] Error occured while closing connection, details: %v", h.connID, err)
		}
		logger.DebugF("[conn-%d] Connection closed", h.connID)
	}()

	for !h.protocol.ShouldTerminate() {
		b, err := h.reader.ReadByte()
		if err != nil {
			if !h.closed.Load() {
				HandleReadError(h.connID, err)
			}
			return
		}
		msg, ok := h.codec.DecodeNextByte(b)
		if !ok {
			continue
		}
		if err := h.process(msg); err != nil {
			logger.ErrorF("[conn-%d] %v", h.connID, err)
			return
		}
	}
}

func (h *Handler[T]) process(msg T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("protocol panic: %v", r)
		}
	}()
	h.protocol.Process(msg)
	return nil
}

// Close closes the underlying connection, unblocking Run.
func (h *Handler[T]) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	return h.conn.Close()
}

// Send writes all of data to conn.
func Send(conn net.Conn, data []byte, connID int) error {
	total := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		if err != nil {
			logger.ErrorF("[conn-%d] Fail to send data, details: %v", connID, err)
			return err
		}
		total += n
	}
	logger.DebugF("[conn-%d] Send %d bytes to client", connID, total)
	return nil
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID int, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[conn-%d] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[conn-%d] Reading timeout", connID)
	case IsNetClosedError(err):
		logger.DebugF("[conn-%d] Connection closed locally", connID)
	default:
		logger.ErrorF("[conn-%d] Error occured while reading packet, details: %v", connID, err)
	}
}
