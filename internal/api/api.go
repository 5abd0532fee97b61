// Package api declares the capabilities the server strategies are generic
// over: a per-connection codec, a per-connection protocol, and the shared
// connection table the protocol talks through.
package api

// Codec turns a byte stream into messages and back. One instance per
// connection; DecodeNextByte keeps state between calls and is only called
// by the connection's reader. Encode may be called from any goroutine.
type Codec[T any] interface {
	// DecodeNextByte consumes one byte and reports a message when it
	// completes one.
	DecodeNextByte(b byte) (T, bool)
	Encode(msg T) []byte
}

// Protocol handles the decoded messages of one connection.
type Protocol[T any] interface {
	Start(connID int)
	Process(msg T)
	ShouldTerminate() bool
}

// Sender is the narrow send capability a connection exposes to the shared
// table. Send must be safe for concurrent use and must not block on the
// peer for longer than the transport does.
type Sender[T any] interface {
	Send(msg T)
}

// Connections is the part of the shared table the server strategies need.
type Connections[T any] interface {
	AddConnection(connID int, sender Sender[T])
	Disconnect(connID int)
}
