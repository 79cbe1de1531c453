package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()

	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: JobFinished, JobID: "j1", Status: "ok"})

	select {
	case e := <-ch:
		if e.Type != JobFinished || e.JobID != "j1" {
			t.Fatalf("unexpected event: %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatal("publish did not stamp time")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()

	ch, unsub := b.Subscribe(2)
	defer unsub()

	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: JobStarted, JobID: "j"})
	}

	// The buffer bounds what a slow consumer sees; publishing never blocked.
	if got := len(ch); got != 2 {
		t.Fatalf("buffered = %d, want 2", got)
	}
}

func TestUnsubscribeIsIdempotentAndSafe(t *testing.T) {
	t.Parallel()
	b := New()

	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	// Publishing after unsubscribe must not panic even though the channel
	// is closed.
	b.Publish(Event{Type: JobRemoved, JobID: "j"})

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
}
