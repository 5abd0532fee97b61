//go:build !linux

package server

import (
	"net"

	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/api"
)

// Reactor needs epoll and is only available on Linux.
type Reactor[T any] struct{}

func NewReactor[T any](
	_ net.Listener,
	_ func() api.Protocol[T],
	_ func() api.Codec[T],
	_ api.Connections[T],
	_ ...Option,
) (*Reactor[T], error) {
	return nil, ErrReactorUnsupported
}

func (r *Reactor[T]) Addr() net.Addr { return nil }

func (r *Reactor[T]) Workers() int { return 0 }

func (r *Reactor[T]) Serve() error { return ErrReactorUnsupported }

func (r *Reactor[T]) Close() error { return nil }
