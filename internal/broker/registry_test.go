package broker

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/frame"
)

type recordingSender struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (s *recordingSender) Send(f frame.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *recordingSender) received() []frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame.Frame(nil), s.frames...)
}

type sessionEvent struct {
	started  bool
	connID   int
	username string
}

type recordingListener struct {
	mu     sync.Mutex
	events []sessionEvent
}

func (l *recordingListener) SessionStarted(connID int, username string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, sessionEvent{true, connID, username})
}

func (l *recordingListener) SessionEnded(connID int, username string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, sessionEvent{false, connID, username})
}

func newRegistryWith(t *testing.T, ids ...int) (*Registry, map[int]*recordingSender) {
	t.Helper()
	r := NewRegistry()
	senders := make(map[int]*recordingSender, len(ids))
	for _, id := range ids {
		senders[id] = &recordingSender{}
		r.AddConnection(id, senders[id])
	}
	return r, senders
}

func TestSendToKnownAndUnknownConnection(t *testing.T) {
	r, senders := newRegistryWith(t, 1)

	assert.True(t, r.Send(1, frame.New(frame.RECEIPT, nil, "")))
	assert.False(t, r.Send(2, frame.New(frame.RECEIPT, nil, "")))
	assert.Len(t, senders[1].received(), 1)
}

func TestSubscriptionNetEffect(t *testing.T) {
	r, _ := newRegistryWith(t, 1)

	r.Subscribe(1, "a", "0")
	r.Subscribe(1, "b", "1")
	r.Unsubscribe(1, "a")
	r.Subscribe(1, "a", "2")
	r.Subscribe(1, "b", "3")
	r.Unsubscribe(1, "never")

	assert.Equal(t, map[string]string{"a": "2", "b": "3"}, r.Subscriptions(1))
	assert.True(t, r.IsSubscribed(1, "a"))
	assert.False(t, r.IsSubscribed(1, "never"))

	topic, ok := r.TopicForSubscription(1, "3")
	require.True(t, ok)
	assert.Equal(t, "b", topic)
	_, ok = r.TopicForSubscription(1, "0")
	assert.False(t, ok)
}

func TestSubscriptionIDBindsOneTopic(t *testing.T) {
	r, _ := newRegistryWith(t, 1)

	r.Subscribe(1, "a", "5")
	r.Subscribe(1, "b", "5")
	assert.Equal(t, map[string]string{"b": "5"}, r.Subscriptions(1))
	assert.Equal(t, 0, r.Subscribers("a"))

	topic, ok := r.TopicForSubscription(1, "5")
	require.True(t, ok)
	assert.Equal(t, "b", topic)

	r.Subscribe(1, "b", "6")
	_, ok = r.TopicForSubscription(1, "5")
	assert.False(t, ok)
	topic, ok = r.TopicForSubscription(1, "6")
	require.True(t, ok)
	assert.Equal(t, "b", topic)

	r.Unsubscribe(1, "b")
	_, ok = r.TopicForSubscription(1, "6")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Topics())
}

func TestEmptyTopicsArePruned(t *testing.T) {
	r, _ := newRegistryWith(t, 1, 2)

	r.Subscribe(1, "news", "0")
	r.Subscribe(2, "news", "0")
	assert.Equal(t, 2, r.Subscribers("news"))
	assert.Equal(t, 1, r.Topics())

	r.Unsubscribe(1, "news")
	r.Unsubscribe(2, "news")
	assert.Equal(t, 0, r.Subscribers("news"))
	assert.Equal(t, 0, r.Topics())
}

func TestSubscribeUnknownConnectionIsIgnored(t *testing.T) {
	r := NewRegistry()
	r.Subscribe(9, "news", "0")
	assert.False(t, r.IsSubscribed(9, "news"))
	assert.Equal(t, 0, r.Topics())
}

func TestBroadcast(t *testing.T) {
	r, senders := newRegistryWith(t, 1, 2, 3)
	r.Subscribe(1, "news", "0")
	r.Subscribe(2, "news", "7")
	r.Subscribe(3, "sport", "1")

	send := frame.New(frame.SEND, map[string]string{"destination": "/news", "custom": "x"}, "hello")
	assert.Equal(t, 2, r.Broadcast("news", send))

	a := senders[1].received()
	c := senders[2].received()
	require.Len(t, a, 1)
	require.Len(t, c, 1)
	assert.Empty(t, senders[3].received())

	for _, m := range []frame.Frame{a[0], c[0]} {
		assert.Equal(t, frame.MESSAGE, m.Command)
		assert.Equal(t, "/news", m.Headers[frame.HeaderDestination])
		assert.Equal(t, "x", m.Headers["custom"])
		assert.Equal(t, "hello", m.Body)
	}
	assert.Equal(t, "0", a[0].Headers[frame.HeaderSubscription])
	assert.Equal(t, "7", c[0].Headers[frame.HeaderSubscription])
	assert.NotEqual(t, a[0].Headers[frame.HeaderMessageID], c[0].Headers[frame.HeaderMessageID])

	assert.Equal(t, "/news", send.Headers["destination"])
	_, stamped := send.Headers[frame.HeaderSubscription]
	assert.False(t, stamped)
}

func TestBroadcastToNoSubscribers(t *testing.T) {
	r, _ := newRegistryWith(t, 1)
	assert.Equal(t, 0, r.Broadcast("empty", frame.New(frame.SEND, nil, "")))
}

func TestDisconnectCascades(t *testing.T) {
	l := &recordingListener{}
	r := NewRegistry(WithSessionListener(l))
	a, c := &recordingSender{}, &recordingSender{}
	r.AddConnection(1, a)
	r.AddConnection(2, c)
	r.Subscribe(1, "news", "0")
	r.Subscribe(2, "news", "7")
	require.True(t, r.AddCredential("alice", "pw"))
	require.True(t, r.AddActiveSession(1, "alice"))

	r.Disconnect(1)
	r.Disconnect(1)

	assert.False(t, r.IsUserActive("alice"))
	assert.True(t, r.CheckCredential("alice", "pw"))
	assert.False(t, r.IsSubscribed(1, "news"))
	assert.Equal(t, 1, r.Subscribers("news"))
	assert.False(t, r.Send(1, frame.New(frame.RECEIPT, nil, "")))

	r.Broadcast("news", frame.New(frame.SEND, nil, "after"))
	assert.Empty(t, a.received())
	assert.Len(t, c.received(), 1)

	assert.Equal(t, []sessionEvent{{true, 1, "alice"}, {false, 1, "alice"}}, l.events)
}

func TestCredentials(t *testing.T) {
	r := NewRegistry()

	assert.False(t, r.IsKnownUser("bob"))
	assert.False(t, r.CheckCredential("bob", "x"))
	assert.True(t, r.AddCredential("bob", "x"))
	assert.False(t, r.AddCredential("bob", "y"))
	assert.True(t, r.IsKnownUser("bob"))
	assert.True(t, r.CheckCredential("bob", "x"))
	assert.False(t, r.CheckCredential("bob", "y"))
}

func TestActiveSessions(t *testing.T) {
	l := &recordingListener{}
	r := NewRegistry(WithSessionListener(l))

	assert.True(t, r.AddActiveSession(1, "alice"))
	assert.True(t, r.AddActiveSession(1, "alice"))
	assert.False(t, r.AddActiveSession(2, "alice"))
	assert.True(t, r.IsUserActive("alice"))

	assert.True(t, r.AddActiveSession(1, "bob"))
	assert.False(t, r.IsUserActive("alice"))
	user, ok := r.SessionUser(1)
	require.True(t, ok)
	assert.Equal(t, "bob", user)

	user, ok = r.RemoveActiveSession(1)
	assert.True(t, ok)
	assert.Equal(t, "bob", user)
	_, ok = r.RemoveActiveSession(1)
	assert.False(t, ok)

	assert.Equal(t, []sessionEvent{
		{true, 1, "alice"},
		{false, 1, "alice"},
		{true, 1, "bob"},
		{false, 1, "bob"},
	}, l.events)
}

func TestConcurrentSessionClaim(t *testing.T) {
	r := NewRegistry()
	const contenders = 64

	var wg sync.WaitGroup
	results := make(chan int, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if r.AddActiveSession(id, "alice") {
				results <- id
			}
		}(i)
	}
	wg.Wait()
	close(results)

	var winners []int
	for id := range results {
		winners = append(winners, id)
	}
	assert.Len(t, winners, 1)
}

func TestMessageIDsUniqueUnderConcurrency(t *testing.T) {
	r := NewRegistry()
	const connections = 8
	const broadcasters = 16
	const perBroadcaster = 50

	senders := make([]*recordingSender, connections)
	for i := range senders {
		senders[i] = &recordingSender{}
		r.AddConnection(i, senders[i])
		r.Subscribe(i, "topic-"+strconv.Itoa(i%3), strconv.Itoa(i))
	}

	var wg sync.WaitGroup
	for b := 0; b < broadcasters; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			for i := 0; i < perBroadcaster; i++ {
				r.Broadcast("topic-"+strconv.Itoa((b+i)%3), frame.New(frame.SEND, nil, ""))
			}
		}(b)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, s := range senders {
		for _, m := range s.received() {
			id := m.Headers[frame.HeaderMessageID]
			assert.False(t, seen[id], "duplicate message-id %s", id)
			seen[id] = true
		}
	}
	assert.NotEmpty(t, seen)
}

func TestMessageIDsIncreaseForSequentialBroadcasts(t *testing.T) {
	r, senders := newRegistryWith(t, 1)
	r.Subscribe(1, "a", "0")
	r.Subscribe(1, "b", "1")

	for i := 0; i < 20; i++ {
		topic := "a"
		if i%2 == 1 {
			topic = "b"
		}
		r.Broadcast(topic, frame.New(frame.SEND, nil, ""))
	}

	assert.Equal(t, uint64(20), r.MessageIDs().Next())

	last := -1
	for _, m := range senders[1].received() {
		id, err := strconv.Atoi(m.Headers[frame.HeaderMessageID])
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestConcurrentSubscribeAndDisconnect(t *testing.T) {
	r := NewRegistry()
	const connections = 32

	var wg sync.WaitGroup
	for i := 0; i < connections; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.AddConnection(id, &recordingSender{})
			for j := 0; j < 20; j++ {
				r.Subscribe(id, "t"+strconv.Itoa(j%5), strconv.Itoa(j))
				r.Broadcast("t"+strconv.Itoa(j%5), frame.New(frame.SEND, nil, ""))
			}
			r.Disconnect(id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Topics())
}

func TestSessionEventsKeepChangeOrder(t *testing.T) {
	l := &recordingListener{}
	r := NewRegistry(WithSessionListener(l))
	const contenders = 8
	const rounds = 200

	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				if r.AddActiveSession(id, "alice") {
					r.RemoveActiveSession(id)
				}
			}
		}(i)
	}
	wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	require.NotEmpty(t, l.events)
	require.Zero(t, len(l.events)%2)
	for i := 0; i < len(l.events); i += 2 {
		start, end := l.events[i], l.events[i+1]
		require.True(t, start.started, "event %d", i)
		require.False(t, end.started, "event %d", i+1)
		require.Equal(t, start.connID, end.connID)
	}
}
