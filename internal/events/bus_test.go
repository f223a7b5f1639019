package events

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/synapsehq/synapse/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func drain(s *Subscriber, n int, timeout time.Duration) []models.Event {
	deadline := time.After(timeout)
	var out []models.Event
	for len(out) < n {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestSequenceMonotonic(t *testing.T) {
	b := NewBus()
	defer b.Close()
	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < 10; i++ {
		b.Publish(models.EventQueryReceived, map[string]any{"n": i})
	}

	got := drain(sub, 10, time.Second)
	if len(got) != 10 {
		t.Fatalf("received %d events, want 10", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq {
			t.Errorf("seq %d follows %d, want strictly increasing", got[i].Seq, got[i-1].Seq)
		}
	}
}

func TestFanOutToAllSubscribers(t *testing.T) {
	b := NewBus()
	defer b.Close()
	s1 := b.Subscribe()
	defer s1.Close()
	s2 := b.Subscribe()
	defer s2.Close()

	b.Publish(models.EventCacheHit, map[string]any{"query_id": "q1"})

	for _, s := range []*Subscriber{s1, s2} {
		got := drain(s, 1, time.Second)
		if len(got) != 1 || got[0].Kind != models.EventCacheHit {
			t.Fatalf("subscriber got %v, want one cache-hit", got)
		}
	}
}

func TestBackpressureDropsOldestWithLagMarker(t *testing.T) {
	b := NewBus(WithQueueSize(4))
	defer b.Close()
	sub := b.Subscribe()
	defer sub.Close()

	// Overfill without consuming: 8 events into a queue of 4.
	for i := 0; i < 8; i++ {
		b.Publish(models.EventDialogueTurn, map[string]any{"n": i})
	}

	got := drain(sub, 4, time.Second)
	if len(got) != 4 {
		t.Fatalf("received %d events, want 4 queued", len(got))
	}
	// The oldest were dropped, so the queue holds the newest suffix.
	for i := 1; i < len(got); i++ {
		if got[i].Seq != got[i-1].Seq+1 {
			t.Errorf("queued events not contiguous: %d then %d", got[i-1].Seq, got[i].Seq)
		}
	}
	if got[0].Seq == 1 {
		t.Error("oldest event survived a full queue")
	}

	// Queue has space again: the next delivery is preceded by one lag marker
	// carrying the drop count.
	b.Publish(models.EventDialogueTurn, map[string]any{"n": 8})
	after := drain(sub, 2, time.Second)
	if len(after) != 2 {
		t.Fatalf("received %d events after drain, want lag marker + event", len(after))
	}
	if after[0].Kind != models.EventLagged {
		t.Fatalf("first frame after lag = %s, want %s", after[0].Kind, models.EventLagged)
	}
	if n, ok := after[0].Payload["count"].(uint64); !ok || n != 4 {
		t.Errorf("lag marker count = %v, want 4", after[0].Payload["count"])
	}
	if after[1].Kind != models.EventDialogueTurn {
		t.Errorf("frame after lag marker = %s, want the new event", after[1].Kind)
	}
}

func TestTelemetryCoalesced(t *testing.T) {
	b := NewBus(WithCoalesceInterval(20 * time.Millisecond))
	defer b.Close()
	sub := b.Subscribe()
	defer sub.Close()

	// Five rapid health checks for one model fold into a single digest
	// carrying the latest payload.
	for i := 0; i < 5; i++ {
		b.Publish(models.EventHealthCheck, map[string]any{"model_id": "m1", "n": i})
	}

	got := drain(sub, 1, time.Second)
	if len(got) != 1 {
		t.Fatalf("received %d digests, want 1", len(got))
	}
	if got[0].Payload["n"] != 4 {
		t.Errorf("digest payload n = %v, want the latest (4)", got[0].Payload["n"])
	}

	select {
	case ev := <-sub.Events():
		t.Errorf("unexpected extra digest %v", ev)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestTelemetryCoalescedPerModel(t *testing.T) {
	b := NewBus(WithCoalesceInterval(20 * time.Millisecond))
	defer b.Close()
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(models.EventHealthCheck, map[string]any{"model_id": "m1"})
	b.Publish(models.EventHealthCheck, map[string]any{"model_id": "m2"})

	got := drain(sub, 2, time.Second)
	if len(got) != 2 {
		t.Fatalf("received %d digests, want one per model", len(got))
	}
	if got[0].Payload["model_id"] != "m1" || got[1].Payload["model_id"] != "m2" {
		t.Errorf("digests out of arrival order: %v, %v", got[0].Payload, got[1].Payload)
	}
}

func TestLifecycleNeverCoalesced(t *testing.T) {
	b := NewBus(WithCoalesceInterval(time.Hour))
	defer b.Close()
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(models.EventModelStateChange, map[string]any{"model_id": "m1", "to": "READY"})
	b.Publish(models.EventModelStateChange, map[string]any{"model_id": "m1", "to": "PROCESSING"})

	got := drain(sub, 2, time.Second)
	if len(got) != 2 {
		t.Fatalf("received %d state changes, want both immediately", len(got))
	}
}

func TestCloseDeterministic(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe()

	b.Publish(models.EventQueryReceived, nil)
	b.Close()

	// The channel closes after delivering what was queued.
	var count int
	for range sub.Events() {
		count++
	}
	if count != 1 {
		t.Errorf("drained %d events through close, want 1", count)
	}

	// Publishing after close reaches no one; Close is idempotent.
	b.Publish(models.EventQueryReceived, nil)
	b.Close()
	sub.Close()
}

func TestSubscriberCloseStopsDelivery(t *testing.T) {
	b := NewBus()
	defer b.Close()
	sub := b.Subscribe()

	b.Publish(models.EventQueryReceived, nil)
	drain(sub, 1, time.Second)
	sub.Close()

	b.Publish(models.EventQueryReceived, nil)
	if _, ok := <-sub.Events(); ok {
		t.Error("event delivered after subscriber close")
	}
}
