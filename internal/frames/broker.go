package frames

import (
	"sync"
	"sync/atomic"

	"github.com/dgnsrekt/wm_agent/internal/types"
)

const subscriberBufSize = 128

// EventType discriminates frame lifecycle events.
type EventType string

const (
	FrameAdded   EventType = "frameAdded"
	FrameChanged EventType = "frameChanged"
	FrameRemoved EventType = "frameRemoved"
)

// Event is one frame lifecycle event. Frame is set for added/changed,
// Changed carries only the fields an update actually modified.
type Event struct {
	Type    EventType
	From    string
	TabID   int
	FrameID int
	Frame   *types.Frame
	Changed *types.FrameUpdate
}

// Broker fans out frame events to subscribers in publish order.
// Slow subscribers have events dropped rather than blocking the registry.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{subscribers: make(map[int64]chan Event)}
}

// Subscribe registers a new listener. The channel is buffered; events are
// delivered in the order they were published.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers. Non-blocking.
func (b *Broker) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}
