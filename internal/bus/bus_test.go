package bus

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = time.Second

func TestNewBus(t *testing.T) {
	b := NewBus()
	defer b.Close()
	assert.Equal(t, DefaultHistorySize, b.Capacity())
	assert.Empty(t, b.History(0))

	b2 := NewBus(WithHistorySize(0), WithQueueSize(-1))
	defer b2.Close()
	assert.Equal(t, DefaultHistorySize, b2.Capacity())
	assert.Equal(t, DefaultQueueSize, b2.queueSize)
}

func TestSubscribeAndPublish(t *testing.T) {
	b := NewBus()
	defer b.Close()

	got := make(chan Event, 1)
	id := b.Subscribe(EventDecision, func(e Event) { got <- e })
	require.NotEmpty(t, id)

	ev := NewEvent(EventDecision, "orchestrator", map[string]any{"backend": "local"})
	ev.Session = "s1"
	require.NoError(t, b.Publish(ev))

	select {
	case e := <-got:
		assert.Equal(t, "s1", e.Session)
		assert.Equal(t, "orchestrator", e.Source)
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for event")
	}
}

func TestPublishFillsIdentity(t *testing.T) {
	b := NewBus()
	defer b.Close()

	require.NoError(t, b.Publish(Event{Type: EventBudget}))
	h := b.History(1)
	require.Len(t, h, 1)
	assert.True(t, strings.HasPrefix(h[0].ID, "evt_"))
	assert.False(t, h[0].Timestamp.IsZero())
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var calls atomic.Int32
	id := b.Subscribe(EventBuild, func(Event) { calls.Add(1) })

	b.Emit(EventBuild, "rag", nil)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, b.Unsubscribe(id))
	b.Emit(EventBuild, "rag", nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	assert.Error(t, b.Unsubscribe(id))
}

func TestTypedAndWildcardSubscriptions(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var typed, wildcard atomic.Int32
	b.Subscribe(EventBudget, func(Event) { typed.Add(1) })
	b.Subscribe("", func(Event) { wildcard.Add(1) })

	b.Emit(EventBudget, "budget", nil)
	b.Emit(EventLLMState, "localllm", nil)

	require.Eventually(t, func() bool { return wildcard.Load() == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, int32(1), typed.Load())
}

func TestHistoryOverflow(t *testing.T) {
	b := NewBus(WithHistorySize(5))
	defer b.Close()

	for i := 0; i < 10; i++ {
		ev := NewEvent(EventHeartbeat, "test", nil)
		ev.Message = string(rune('a' + i))
		require.NoError(t, b.Publish(ev))
	}

	all := b.History(0)
	require.Len(t, all, 5)
	assert.Equal(t, "f", all[0].Message)
	assert.Equal(t, "j", all[4].Message)

	last := b.History(2)
	require.Len(t, last, 2)
	assert.Equal(t, "i", last[0].Message)
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var received atomic.Int32
	for i := 0; i < 10; i++ {
		b.Subscribe(EventDecision, func(Event) { received.Add(1) })
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Emit(EventDecision, "test", nil)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return received.Load() == 500 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, b.Dropped())
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var after atomic.Int32
	b.Subscribe(EventMemory, func(e Event) {
		if e.Message == "boom" {
			panic("boom")
		}
		after.Add(1)
	})

	ev := NewEvent(EventMemory, "memory", nil)
	ev.Message = "boom"
	require.NoError(t, b.Publish(ev))
	b.Emit(EventMemory, "memory", nil)

	require.Eventually(t, func() bool { return after.Load() == 1 }, waitFor, 5*time.Millisecond)
}

func TestClosedBus(t *testing.T) {
	b := NewBus()
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(NewEvent(EventBuild, "", nil)), ErrClosed)
	assert.ErrorIs(t, b.Close(), ErrClosed)
	assert.Empty(t, b.Subscribe(EventBuild, func(Event) {}))
}

func TestStats(t *testing.T) {
	b := NewBus()
	defer b.Close()

	id1 := b.Subscribe(EventBuild, func(Event) {})
	b.Subscribe(EventBudget, func(Event) {})
	b.Subscribe("", func(Event) {})

	st := b.Stats()
	assert.Equal(t, 3, st.Subscribers)
	assert.Equal(t, 1, st.Wildcard)
	assert.Equal(t, 1, st.ByType[EventBuild])

	b.Emit(EventBudget, "budget", nil)
	require.NoError(t, b.Unsubscribe(id1))
	st = b.Stats()
	assert.Equal(t, 2, st.Subscribers)
	assert.Zero(t, st.ByType[EventBuild])
	assert.Equal(t, uint64(1), st.Published)
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subjects)
}

func TestBridgeForwardsToSubjects(t *testing.T) {
	b := NewBus()
	defer b.Close()

	pub := &recordingPublisher{}
	br := NewBridge(b, pub)

	b.Emit(EventBuild, "rag", map[string]any{"percent": 50})
	require.Eventually(t, func() bool { return pub.count() == 1 }, waitFor, 5*time.Millisecond)

	pub.mu.Lock()
	assert.Equal(t, "helix.events.build", pub.subjects[0])
	var decoded Event
	require.NoError(t, json.Unmarshal(pub.payloads[0], &decoded))
	pub.mu.Unlock()
	assert.Equal(t, EventBuild, decoded.Type)

	br.Close()
	assert.Zero(t, b.Stats().Wildcard)
}

func TestObserverStreamsFilteredEvents(t *testing.T) {
	b := NewBus()
	defer b.Close()

	b.Emit(EventBudget, "budget", nil)
	b.Emit(EventDecision, "orchestrator", nil)

	obs := NewObserver(b)
	srv := httptest.NewServer(obs)
	defer srv.Close()
	defer obs.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?types=decision,build"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() Event {
		conn.SetReadDeadline(time.Now().Add(waitFor))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var e Event
		require.NoError(t, json.Unmarshal(data, &e))
		return e
	}

	// Replayed history skips the budget event.
	assert.Equal(t, EventDecision, read().Type)

	require.Eventually(t, func() bool { return obs.ClientCount() == 1 }, waitFor, 5*time.Millisecond)
	b.Emit(EventThermalReading, "thermal", nil)
	b.Emit(EventBuild, "rag", nil)
	assert.Equal(t, EventBuild, read().Type)
}

func BenchmarkPublish(b *testing.B) {
	bus := NewBus()
	defer bus.Close()

	bus.Subscribe(EventDecision, func(Event) {})
	event := NewEvent(EventDecision, "bench", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(event)
	}
}
