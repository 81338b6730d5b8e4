package frames

import "testing"

func TestBrokerDeliversInPublishOrder(t *testing.T) {
	b := NewBroker()
	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	b.Publish(Event{Type: FrameAdded, TabID: 1, FrameID: 0})
	b.Publish(Event{Type: FrameChanged, TabID: 1, FrameID: 0})
	b.Publish(Event{Type: FrameRemoved, TabID: 1, FrameID: 0})

	want := []EventType{FrameAdded, FrameChanged, FrameRemoved}
	for i, wantType := range want {
		ev := <-ch
		if ev.Type != wantType {
			t.Fatalf("event %d = %v; want %v", i, ev.Type, wantType)
		}
	}
}

func TestBrokerDropsWhenSubscriberFull(t *testing.T) {
	b := NewBroker()
	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	for i := 0; i < subscriberBufSize+10; i++ {
		b.Publish(Event{Type: FrameChanged, TabID: 1, FrameID: i})
	}

	// Publish never blocks; the overflow is simply dropped.
	if got := len(ch); got != subscriberBufSize {
		t.Fatalf("buffered events = %d; want %d", got, subscriberBufSize)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	id, ch := b.Subscribe()
	b.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
}
