package core

import (
	"sync"

	"github.com/dkeye/peercall/internal/domain"
)

type EventKind string

// Inbound, pushed by a SignalingChannel.
const (
	EventServerDisconnected EventKind = "server_disconnected"
	EventStreamAdded        EventKind = "stream_added"
	EventStreamEnded        EventKind = "stream_ended"
	EventDataReceived       EventKind = "data_received"
)

// Emitted by the supervisor and the call controller.
const (
	EventTimerStarted     EventKind = "timer_started"
	EventTimerStopped     EventKind = "timer_stopped"
	EventRetryTick        EventKind = "retry_tick"
	EventSendFailed       EventKind = "send_failed"
	EventPeerReachable    EventKind = "peer_reachable"
	EventStreamProcessing EventKind = "stream_processing"
	EventStreamResponse   EventKind = "stream_response"
	EventConnected        EventKind = "connected"
	EventConnectFailed    EventKind = "connect_failed"
	EventChatMessage      EventKind = "chat_message"
	EventPublished        EventKind = "published"
)

// Event is a flat record; fields are filled depending on Kind.
type Event struct {
	Kind    EventKind
	PeerID  domain.PeerID
	Message string
	// Timer is the retry kind ("stream", "ping") for timer events.
	Timer string
	// Reason explains a TimerStopped event: "cancelled", "replaced",
	// "expired", "disconnected" or "worker_stopped".
	Reason   string
	StreamID string
	Attempt  int
	Err      error
}

type Handler func(Event)

type subscriber struct {
	id int
	fn Handler
}

// Bus maps an event kind to an ordered list of subscribers.
// Emit runs them synchronously, in registration order, on the caller's goroutine.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[EventKind][]subscriber
}

func NewBus() *Bus {
	return &Bus{subs: make(map[EventKind][]subscriber)}
}

func (b *Bus) Subscribe(kind EventKind, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscriber{id: id, fn: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(kind, id) })
	}
}

func (b *Bus) remove(kind EventKind, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[kind]
	for i, s := range list {
		if s.id == id {
			// copy so that in-flight Emit snapshots stay intact
			next := make([]subscriber, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			b.subs[kind] = next
			return
		}
	}
}

func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	handlers := b.subs[ev.Kind]
	b.mu.RUnlock()
	for _, s := range handlers {
		s.fn(ev)
	}
}
