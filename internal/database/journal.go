package database

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/broker"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/config"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/event"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/logger"
)

const maxBatch = 64

type EventKind string

const (
	EventLogin  EventKind = "login"
	EventLogout EventKind = "logout"
)

type SessionEvent struct {
	Instance string    `bson:"instance"`
	Kind     EventKind `bson:"kind"`
	ConnID   int       `bson:"conn_id"`
	Username string    `bson:"username"`
	At       time.Time `bson:"at"`
}

// EventWriter persists batches of session events.
type EventWriter interface {
	InsertEvents(ctx context.Context, events []SessionEvent) error
	Close(ctx context.Context) error
}

// Recorder receives session changes from the registry and is closed by the
// cleaner on shutdown.
type Recorder interface {
	broker.SessionListener
	event.Callable
}

var (
	_ Recorder = (*Journal)(nil)
	_ Recorder = Nop{}
)

// Journal queues session events and writes them from a single goroutine so
// the protocol never waits on the database. Events arriving while the
// queue is full are dropped.
type Journal struct {
	writer   EventWriter
	instance string
	queue    chan SessionEvent
	done     chan struct{}
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
}

func NewJournal(writer EventWriter, queueSize int) *Journal {
	if queueSize <= 0 {
		queueSize = config.DefaultJournalQueue
	}
	j := &Journal{
		writer:   writer,
		instance: uuid.NewString(),
		queue:    make(chan SessionEvent, queueSize),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	go j.run()
	return j
}

// Open returns a MongoDB backed journal when enabled in cfg and a no-op
// recorder otherwise.
func Open(ctx context.Context, cfg config.Config) (Recorder, error) {
	if !cfg.Journal.Enabled {
		logger.Debug("Session journal disabled")
		return Nop{}, nil
	}
	store, err := Connect(ctx, cfg.AppName, cfg.Journal)
	if err != nil {
		return nil, err
	}
	return NewJournal(store, cfg.Journal.QueueSize), nil
}

func (j *Journal) Instance() string {
	return j.instance
}

func (j *Journal) SessionStarted(connID int, username string) {
	j.record(EventLogin, connID, username)
}

func (j *Journal) SessionEnded(connID int, username string) {
	j.record(EventLogout, connID, username)
}

func (j *Journal) record(kind EventKind, connID int, username string) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	evt := SessionEvent{
		Instance: j.instance,
		Kind:     kind,
		ConnID:   connID,
		Username: username,
		At:       j.now().UTC(),
	}
	select {
	case j.queue <- evt:
	default:
		logger.WarnF("Session journal queue full, dropping %s event of %s", kind, username)
	}
}

func (j *Journal) run() {
	defer close(j.done)
	batch := make([]SessionEvent, 0, maxBatch)
	for evt := range j.queue {
		batch = append(batch[:0], evt)
	fill:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-j.queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		if err := j.writer.InsertEvents(context.Background(), batch); err != nil {
			logger.ErrorF("Fail to write %d session events, details: %v", len(batch), err)
		}
	}
}

// Invoke drains the queue and closes the writer. Later calls are no-ops.
func (j *Journal) Invoke(ctx context.Context) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	select {
	case <-j.done:
	case <-ctx.Done():
		return errors.Join(ctx.Err(), j.writer.Close(context.Background()))
	}
	return j.writer.Close(ctx)
}

// Nop is the recorder used when the journal is disabled.
type Nop struct{}

func (Nop) SessionStarted(int, string) {}

func (Nop) SessionEnded(int, string) {}

func (Nop) Invoke(context.Context) error { return nil }
