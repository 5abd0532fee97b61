//go:build linux

package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/api"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/logger"
)

const (
	readEvents     = unix.EPOLLIN | unix.EPOLLRDHUP
	maxEpollEvents = 128
)

// Reactor spreads connections over a fixed set of epoll event loops. Each
// loop owns its connections: only the owning loop reads, writes or changes
// their epoll interest. Other goroutines reach a connection by queueing a
// task on its loop.
type Reactor[T any] struct {
	listener    net.Listener
	newProtocol func() api.Protocol[T]
	newCodec    func() api.Codec[T]
	connections api.Connections[T]
	opts        options

	workers []*worker[T]
	next    atomic.Uint64
	ids     idGenerator
	sem     chan struct{}
	done    chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup
}

func NewReactor[T any](
	ln net.Listener,
	newProtocol func() api.Protocol[T],
	newCodec func() api.Codec[T],
	connections api.Connections[T],
	opts ...Option,
) (*Reactor[T], error) {
	o := buildOptions(opts)
	if o.workers <= 0 {
		o.workers = runtime.NumCPU()
	}
	if o.readBufferSize <= 0 {
		o.readBufferSize = 8 * 1024
	}

	r := &Reactor[T]{
		listener:    ln,
		newProtocol: newProtocol,
		newCodec:    newCodec,
		connections: connections,
		opts:        o,
		sem:         make(chan struct{}, o.maxConnections),
		done:        make(chan struct{}),
	}

	for i := 0; i < o.workers; i++ {
		w, err := newWorker(i, r)
		if err != nil {
			for _, started := range r.workers {
				started.stop()
			}
			r.wg.Wait()
			return nil, fmt.Errorf("fail to start reactor worker %d: %w", i, err)
		}
		r.workers = append(r.workers, w)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			w.run()
		}()
	}
	return r, nil
}

func (r *Reactor[T]) Addr() net.Addr {
	return r.listener.Addr()
}

func (r *Reactor[T]) Workers() int {
	return len(r.workers)
}

func (r *Reactor[T]) Serve() error {
	logger.InfoF("STOMP server (reactor, %d workers) listen on %s", len(r.workers), r.listener.Addr().String())
	return acceptLoop(r.listener, &r.closed, r.handle)
}

func (r *Reactor[T]) handle(conn net.Conn) {
	select {
	case r.sem <- struct{}{}:
	case <-r.done:
		_ = conn.Close()
		return
	}
	if err := r.accept(conn); err != nil {
		logger.WarnF("Fail to hand connection to reactor, details: %v", err)
		<-r.sem
	}
}

// accept moves conn's socket out of the Go runtime poller and hands it to
// the next worker. The connection is registered and started here so no
// frame can be processed before Start.
func (r *Reactor[T]) accept(conn net.Conn) error {
	fd, err := detach(conn)
	if err != nil {
		return err
	}

	w := r.workers[(r.next.Add(1)-1)%uint64(len(r.workers))]
	c := &reactorConn[T]{
		fd:       fd,
		id:       r.ids.next(),
		worker:   w,
		codec:    r.newCodec(),
		protocol: r.newProtocol(),
		reading:  true,
	}

	r.connections.AddConnection(c.id, c)
	c.protocol.Start(c.id)
	if !w.execute(func() { w.attach(c) }) {
		c.markClosed()
		_ = unix.Close(fd)
		r.connections.Disconnect(c.id)
		return ErrServerClosed
	}
	logger.DebugF("[conn-%d] Assigned to reactor worker %d", c.id, w.id)
	return nil
}

// detach duplicates the socket behind conn as a non-blocking descriptor
// and closes conn.
func detach(conn net.Conn) (int, error) {
	defer func() { _ = conn.Close() }()

	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("%T does not expose a file descriptor", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}

	fd := -1
	var dupErr error
	if err := raw.Control(func(s uintptr) {
		fd, dupErr = unix.Dup(int(s))
	}); err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, dupErr
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	unix.CloseOnExec(fd)
	return fd, nil
}

// Close stops accepting, tears down every connection and waits for the
// workers to exit.
func (r *Reactor[T]) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.done)
	err := closeListener(r.listener)
	for _, w := range r.workers {
		w.stop()
	}
	r.wg.Wait()
	logger.Info("STOMP server (reactor) stopped")
	return err
}

type worker[T any] struct {
	id      int
	reactor *Reactor[T]
	epfd    int
	wakefd  int
	buf     []byte

	// conns is only touched by the worker goroutine.
	conns map[int]*reactorConn[T]

	mu       sync.Mutex
	tasks    []func()
	stopping bool
	stopped  bool
}

func newWorker[T any](id int, r *Reactor[T]) (*worker[T], error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl add eventfd: %w", err)
	}
	return &worker[T]{
		id:      id,
		reactor: r,
		epfd:    epfd,
		wakefd:  wakefd,
		buf:     make([]byte, r.opts.readBufferSize),
		conns:   make(map[int]*reactorConn[T]),
	}, nil
}

// execute queues task for the worker goroutine. It reports false once the
// worker has shut down.
func (w *worker[T]) execute(task func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	w.tasks = append(w.tasks, task)
	w.wakeLocked()
	return true
}

func (w *worker[T]) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopping = true
	w.wakeLocked()
}

// wakeLocked interrupts epoll_wait. w.mu must be held so the eventfd is
// never written after shutdown closed it.
func (w *worker[T]) wakeLocked() {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, _ = unix.Write(w.wakefd, b[:])
}

func (w *worker[T]) drainWake() {
	var b [8]byte
	_, _ = unix.Read(w.wakefd, b[:])
}

func (w *worker[T]) run() {
	defer w.shutdown()

	events := make([]unix.EpollEvent, maxEpollEvents)
	for {
		n, err := unix.EpollWait(w.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			logger.ErrorF("[reactor-%d] epoll_wait failed, details: %v", w.id, err)
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == w.wakefd {
				w.drainWake()
				continue
			}
			c, ok := w.conns[fd]
			if !ok {
				continue
			}
			w.handleEvent(c, events[i].Events)
		}

		if !w.runTasks() {
			return
		}
	}
}

func (w *worker[T]) handleEvent(c *reactorConn[T], ev uint32) {
	if c.reading && ev&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		w.handleRead(c)
	} else if !c.reading && ev&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		w.teardown(c)
		return
	}
	if ev&unix.EPOLLOUT != 0 {
		w.flush(c)
	}
}

// runTasks drains the task queue. It reports false when the worker has
// been asked to stop.
func (w *worker[T]) runTasks() bool {
	w.mu.Lock()
	tasks := w.tasks
	w.tasks = nil
	stopping := w.stopping
	w.mu.Unlock()

	for _, task := range tasks {
		task()
	}
	return !stopping
}

func (w *worker[T]) shutdown() {
	w.mu.Lock()
	w.stopped = true
	tasks := w.tasks
	w.tasks = nil
	w.mu.Unlock()

	// Pending attach tasks still own a descriptor and a registry entry.
	for _, task := range tasks {
		task()
	}
	for _, c := range w.conns {
		w.teardown(c)
	}
	_ = unix.Close(w.wakefd)
	_ = unix.Close(w.epfd)
	logger.DebugF("[reactor-%d] Worker stopped", w.id)
}

func (w *worker[T]) attach(c *reactorConn[T]) {
	ev := unix.EpollEvent{Events: readEvents, Fd: int32(c.fd)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, c.fd, &ev); err != nil {
		logger.ErrorF("[conn-%d] Fail to register with reactor worker %d, details: %v", c.id, w.id, err)
		c.markClosed()
		_ = unix.Close(c.fd)
		w.reactor.release(c.id)
		return
	}
	w.conns[c.fd] = c
}

// handleRead performs one non-blocking read and runs the protocol for every
// frame it completes.
func (w *worker[T]) handleRead(c *reactorConn[T]) {
	n, err := unix.Read(c.fd, w.buf)
	if n > 0 {
		for _, b := range w.buf[:n] {
			msg, ok := c.codec.DecodeNextByte(b)
			if !ok {
				continue
			}
			if err := process(c.protocol, msg); err != nil {
				logger.ErrorF("[conn-%d] %v", c.id, err)
				w.teardown(c)
				return
			}
			if c.protocol.ShouldTerminate() {
				w.closeWhenFlushed(c)
				return
			}
		}
		return
	}

	switch {
	case err == nil:
		logger.InfoF("[conn-%d] Client close connection", c.id)
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return
	default:
		logger.ErrorF("[conn-%d] Error occured while reading frame, details: %v", c.id, err)
	}
	w.teardown(c)
}

func process[T any](p api.Protocol[T], msg T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("protocol panic: %v", r)
		}
	}()
	p.Process(msg)
	return nil
}

// flush writes as much of c's outgoing buffer as the socket takes. Leftover
// bytes keep EPOLLOUT armed until a later flush drains them.
func (w *worker[T]) flush(c *reactorConn[T]) {
	c.mu.Lock()
	c.flushQueued = false
	if c.closed {
		c.mu.Unlock()
		return
	}
	for len(c.out) > 0 {
		n, err := unix.Write(c.fd, c.out)
		if n > 0 {
			c.out = c.out[n:]
		}
		if err == nil {
			continue
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			break
		}
		c.mu.Unlock()
		logger.ErrorF("[conn-%d] Fail to send data, details: %v", c.id, err)
		w.teardown(c)
		return
	}
	pending := len(c.out) > 0
	if !pending {
		c.out = nil
	}
	closing := c.closing
	c.mu.Unlock()

	if !pending && closing {
		w.teardown(c)
		return
	}
	w.setWriteInterest(c, pending)
}

// closeWhenFlushed stops reading from c and tears it down once everything
// already queued for it has been written.
func (w *worker[T]) closeWhenFlushed(c *reactorConn[T]) {
	c.mu.Lock()
	c.closing = true
	idle := len(c.out) == 0 && !c.flushQueued
	c.mu.Unlock()

	if idle {
		w.teardown(c)
		return
	}
	c.reading = false
	w.updateInterest(c)
}

func (w *worker[T]) setWriteInterest(c *reactorConn[T], on bool) {
	if c.writeArmed == on {
		return
	}
	c.writeArmed = on
	w.updateInterest(c)
}

func (w *worker[T]) updateInterest(c *reactorConn[T]) {
	var events uint32
	if c.reading {
		events |= readEvents
	}
	if c.writeArmed {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(c.fd)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_MOD, c.fd, &ev); err != nil {
		logger.WarnF("[conn-%d] Fail to update epoll interest, details: %v", c.id, err)
	}
}

// teardown deregisters c from epoll and the connection table and closes
// its socket. It is idempotent.
func (w *worker[T]) teardown(c *reactorConn[T]) {
	if !c.markClosed() {
		return
	}
	_ = unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
	delete(w.conns, c.fd)
	_ = unix.Close(c.fd)
	w.reactor.release(c.id)
	logger.DebugF("[conn-%d] Connection closed", c.id)
}

func (r *Reactor[T]) release(connID int) {
	r.connections.Disconnect(connID)
	<-r.sem
}

// reactorConn is the connection table's view of a reactor connection.
// Send may be called from any goroutine; everything else runs on the
// owning worker.
type reactorConn[T any] struct {
	fd       int
	id       int
	worker   *worker[T]
	codec    api.Codec[T]
	protocol api.Protocol[T]

	// worker goroutine only
	reading    bool
	writeArmed bool

	mu          sync.Mutex
	out         []byte
	flushQueued bool
	closing     bool
	closed      bool
}

// Send appends the encoded message to the outgoing buffer and asks the
// owning worker to flush it. Bytes from concurrent senders never
// interleave within a message.
func (c *reactorConn[T]) Send(msg T) {
	data := c.codec.Encode(msg)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.out = append(c.out, data...)
	queue := !c.flushQueued
	c.flushQueued = true
	c.mu.Unlock()

	if queue {
		c.worker.execute(func() { c.worker.flush(c) })
	}
}

// markClosed reports whether this call closed c.
func (c *reactorConn[T]) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.out = nil
	return true
}
