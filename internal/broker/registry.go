// Package broker holds the shared state of the broker: live connections,
// topic subscriptions, credentials and active sessions.
package broker

import (
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/api"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/frame"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/logger"
)

const topicShards = 32

var _ api.Connections[frame.Frame] = (*Registry)(nil)

// SessionListener is told when a username is bound to or released from a
// connection. Calls happen outside the session lock but are delivered one
// at a time, in the order the session changes were applied.
type SessionListener interface {
	SessionStarted(connID int, username string)
	SessionEnded(connID int, username string)
}

type Option func(*Registry)

func WithSessionListener(l SessionListener) Option {
	return func(r *Registry) {
		r.listener = l
	}
}

// MessageIDs issues broadcast message ids. Ids are unique and increase
// monotonically for the lifetime of the counter.
type MessageIDs struct {
	next atomic.Uint64
}

func (m *MessageIDs) Next() uint64 {
	return m.next.Add(1) - 1
}

// connEntry is a registered connection: its send capability and the
// topics it is subscribed to. subs and byID are inverse maps; a
// subscription id names at most one topic.
type connEntry struct {
	sender api.Sender[frame.Frame]

	mu      sync.Mutex
	subs    map[string]string // topic -> subscription id
	byID    map[string]string // subscription id -> topic
	removed bool
}

type topicShard struct {
	mu     sync.RWMutex
	topics map[string]map[int]string // topic -> connID -> subscription id
}

// Registry is safe for concurrent use. Each field is guarded on its own:
// connections live in a sync.Map, the topic index is sharded by topic
// name, credentials and sessions have separate locks.
type Registry struct {
	connections sync.Map // int -> *connEntry
	shards      [topicShards]topicShard

	credMu      sync.RWMutex
	credentials map[string]string

	sessionMu sync.Mutex
	sessions  map[int]string // connID -> username
	active    map[string]int // username -> connID

	// notifyMu is taken before sessionMu is released so listener calls
	// keep the order of the changes they report.
	notifyMu sync.Mutex

	ids      MessageIDs
	listener SessionListener
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		credentials: make(map[string]string),
		sessions:    make(map[int]string),
		active:      make(map[string]int),
	}
	for i := range r.shards {
		r.shards[i].topics = make(map[string]map[int]string)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shard(topic string) *topicShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return &r.shards[h.Sum32()%topicShards]
}

func (r *Registry) entry(connID int) (*connEntry, bool) {
	v, ok := r.connections.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(*connEntry), true
}

// AddConnection registers the send capability of a new connection.
func (r *Registry) AddConnection(connID int, sender api.Sender[frame.Frame]) {
	r.connections.Store(connID, &connEntry{
		sender: sender,
		subs:   make(map[string]string),
		byID:   make(map[string]string),
	})
	logger.DebugF("[conn-%d] Registered", connID)
}

// Disconnect removes a connection together with its subscriptions and its
// active session. Credentials are kept. Calling it again is a no-op.
func (r *Registry) Disconnect(connID int) {
	v, loaded := r.connections.LoadAndDelete(connID)
	r.RemoveActiveSession(connID)
	if !loaded {
		return
	}

	e := v.(*connEntry)
	e.mu.Lock()
	e.removed = true
	topics := make([]string, 0, len(e.subs))
	for topic := range e.subs {
		topics = append(topics, topic)
	}
	e.subs = nil
	e.byID = nil
	e.mu.Unlock()

	for _, topic := range topics {
		r.removeSubscriber(topic, connID)
	}
	logger.DebugF("[conn-%d] Removed, dropped %d subscriptions", connID, len(topics))
}

// Send delivers f to one connection. It reports false when the connection
// is no longer registered.
func (r *Registry) Send(connID int, f frame.Frame) bool {
	e, ok := r.entry(connID)
	if !ok {
		return false
	}
	e.sender.Send(f)
	return true
}

// Broadcast delivers a MESSAGE built from f to every connection subscribed
// to topic when the call starts. Each copy gets the recipient's own
// subscription id, a fresh message id and destination "/"+topic. It
// returns the number of recipients that were still registered.
func (r *Registry) Broadcast(topic string, f frame.Frame) int {
	s := r.shard(topic)
	s.mu.RLock()
	subscribers := s.topics[topic]
	snapshot := make(map[int]string, len(subscribers))
	for connID, subID := range subscribers {
		snapshot[connID] = subID
	}
	s.mu.RUnlock()

	delivered := 0
	for connID, subID := range snapshot {
		headers := f.CloneHeaders()
		headers[frame.HeaderSubscription] = subID
		headers[frame.HeaderMessageID] = strconv.FormatUint(r.ids.Next(), 10)
		headers[frame.HeaderDestination] = "/" + topic

		if r.Send(connID, frame.Frame{Command: frame.MESSAGE, Headers: headers, Body: f.Body}) {
			delivered++
		}
	}
	return delivered
}

// Subscribe records that connID listens on topic under subscriptionID,
// replacing any id it held for the same topic. An id already bound to a
// different topic moves to the new one and the old subscription is
// dropped. Unknown connections are ignored.
func (r *Registry) Subscribe(connID int, topic, subscriptionID string) {
	e, ok := r.entry(connID)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return
	}
	if oldID, ok := e.subs[topic]; ok && oldID != subscriptionID {
		delete(e.byID, oldID)
	}
	if oldTopic, ok := e.byID[subscriptionID]; ok && oldTopic != topic {
		delete(e.subs, oldTopic)
		r.removeSubscriber(oldTopic, connID)
	}
	e.subs[topic] = subscriptionID
	e.byID[subscriptionID] = topic

	s := r.shard(topic)
	s.mu.Lock()
	subscribers, ok := s.topics[topic]
	if !ok {
		subscribers = make(map[int]string)
		s.topics[topic] = subscribers
	}
	subscribers[connID] = subscriptionID
	s.mu.Unlock()
}

// Unsubscribe drops the subscription of connID on topic, if any.
func (r *Registry) Unsubscribe(connID int, topic string) {
	e, ok := r.entry(connID)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	subscriptionID, ok := e.subs[topic]
	if !ok {
		return
	}
	delete(e.subs, topic)
	delete(e.byID, subscriptionID)
	r.removeSubscriber(topic, connID)
}

func (r *Registry) removeSubscriber(topic string, connID int) {
	s := r.shard(topic)
	s.mu.Lock()
	defer s.mu.Unlock()
	subscribers, ok := s.topics[topic]
	if !ok {
		return
	}
	delete(subscribers, connID)
	if len(subscribers) == 0 {
		delete(s.topics, topic)
	}
}

func (r *Registry) IsSubscribed(connID int, topic string) bool {
	e, ok := r.entry(connID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok = e.subs[topic]
	return ok
}

// TopicForSubscription finds the topic connID subscribed to under
// subscriptionID.
func (r *Registry) TopicForSubscription(connID int, subscriptionID string) (string, bool) {
	e, ok := r.entry(connID)
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	topic, ok := e.byID[subscriptionID]
	return topic, ok
}

// Subscriptions returns a copy of the topic -> subscription id map of
// connID.
func (r *Registry) Subscriptions(connID int) map[string]string {
	out := make(map[string]string)
	e, ok := r.entry(connID)
	if !ok {
		return out
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for topic, id := range e.subs {
		out[topic] = id
	}
	return out
}

// Subscribers returns how many connections currently listen on topic.
func (r *Registry) Subscribers(topic string) int {
	s := r.shard(topic)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics[topic])
}

// Topics returns how many topics have at least one subscriber.
func (r *Registry) Topics() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.topics)
		s.mu.RUnlock()
	}
	return n
}

// AddCredential stores password for username unless the username is
// already known. It reports whether it stored anything.
func (r *Registry) AddCredential(username, password string) bool {
	r.credMu.Lock()
	defer r.credMu.Unlock()
	if _, ok := r.credentials[username]; ok {
		return false
	}
	r.credentials[username] = password
	return true
}

func (r *Registry) IsKnownUser(username string) bool {
	r.credMu.RLock()
	defer r.credMu.RUnlock()
	_, ok := r.credentials[username]
	return ok
}

// CheckCredential reports whether username is known with this password.
func (r *Registry) CheckCredential(username, password string) bool {
	r.credMu.RLock()
	defer r.credMu.RUnlock()
	stored, ok := r.credentials[username]
	return ok && stored == password
}

func (r *Registry) IsUserActive(username string) bool {
	r.sessionMu.Lock()
	defer r.sessionMu.Unlock()
	_, ok := r.active[username]
	return ok
}

// AddActiveSession binds username to connID. It fails when another
// connection already holds username. A connection that already had a
// session under a different name releases it.
func (r *Registry) AddActiveSession(connID int, username string) bool {
	r.sessionMu.Lock()
	if holder, ok := r.active[username]; ok {
		r.sessionMu.Unlock()
		return holder == connID
	}
	previous, hadPrevious := r.sessions[connID]
	if hadPrevious {
		delete(r.active, previous)
	}
	r.sessions[connID] = username
	r.active[username] = connID
	r.notifyMu.Lock()
	r.sessionMu.Unlock()
	defer r.notifyMu.Unlock()

	if r.listener != nil {
		if hadPrevious {
			r.listener.SessionEnded(connID, previous)
		}
		r.listener.SessionStarted(connID, username)
	}
	return true
}

// RemoveActiveSession ends the session of connID and returns its username.
func (r *Registry) RemoveActiveSession(connID int) (string, bool) {
	r.sessionMu.Lock()
	username, ok := r.sessions[connID]
	if !ok {
		r.sessionMu.Unlock()
		return "", false
	}
	delete(r.sessions, connID)
	delete(r.active, username)
	r.notifyMu.Lock()
	r.sessionMu.Unlock()
	defer r.notifyMu.Unlock()

	if r.listener != nil {
		r.listener.SessionEnded(connID, username)
	}
	return username, true
}

// SessionUser returns the username bound to connID.
func (r *Registry) SessionUser(connID int) (string, bool) {
	r.sessionMu.Lock()
	defer r.sessionMu.Unlock()
	username, ok := r.sessions[connID]
	return username, ok
}

// MessageIDs exposes the counter used by Broadcast.
func (r *Registry) MessageIDs() *MessageIDs {
	return &r.ids
}
