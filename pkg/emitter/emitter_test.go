package emitter

import (
	"testing"
)

func TestSubscribeAndPublish(t *testing.T) {
	e := New()
	defer e.Close()

	sub, err := e.Subscribe(4)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	e.Publish(KeysImported{Total: 10, Imported: 8})

	select {
	case u := <-sub.C:
		imported, ok := u.(KeysImported)
		if !ok {
			t.Fatalf("update = %T, want KeysImported", u)
		}
		if imported.Total != 10 || imported.Imported != 8 {
			t.Errorf("update = %+v", imported)
		}
	default:
		t.Fatal("no update delivered")
	}
}

func TestPublishFansOut(t *testing.T) {
	e := New()
	defer e.Close()

	var subs []*Subscription
	for i := 0; i < 3; i++ {
		sub, err := e.Subscribe(1)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		subs = append(subs, sub)
	}

	e.Publish(TrackerReset{})
	for i, sub := range subs {
		select {
		case <-sub.C:
		default:
			t.Errorf("subscriber %d received nothing", i)
		}
	}
}

func TestSlowSubscriberDropsUpdates(t *testing.T) {
	e := New()
	defer e.Close()

	sub, err := e.Subscribe(1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Second publish overflows the buffer and must not block.
	e.Publish(TrackerReset{})
	e.Publish(TrackerReset{})

	if got := len(sub.C); got != 1 {
		t.Errorf("buffered updates = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	e := New()
	defer e.Close()

	sub, err := e.Subscribe(1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	e.Unsubscribe(sub.ID)

	if _, open := <-sub.C; open {
		t.Error("channel still open after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	e.Publish(TrackerReset{})
}

func TestCloseIsIdempotent(t *testing.T) {
	e := New()
	sub, err := e.Subscribe(1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	e.Close()
	e.Close()

	if _, open := <-sub.C; open {
		t.Error("channel still open after close")
	}
	if _, err := e.Subscribe(1); err == nil {
		t.Error("expected subscribe on closed emitter to fail")
	}
	e.Publish(TrackerReset{})
}
