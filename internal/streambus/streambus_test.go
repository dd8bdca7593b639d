package streambus

import (
	"testing"
	"time"
)

func TestReplayThenLiveDelivery(t *testing.T) {
	b := New()
	b.Emit("run-1", Event{Kind: ThinkingStart})
	b.Emit("run-1", Event{Kind: Token, Text: "hi"})
	b.Emit("run-1", Event{Kind: Token, Text: " there"})

	var received []Event
	unsub := b.Subscribe("run-1", func(ev Event) { received = append(received, ev) })
	defer unsub()

	if len(received) != 3 {
		t.Fatalf("replay len = %d, want 3", len(received))
	}
	want := []EventKind{ThinkingStart, Token, Token}
	for i, k := range want {
		if received[i].Kind != k {
			t.Fatalf("replay[%d].Kind = %s, want %s", i, received[i].Kind, k)
		}
	}

	b.Emit("run-1", Event{Kind: ThinkingEnd})
	if len(received) != 4 || received[3].Kind != ThinkingEnd {
		t.Fatalf("live delivery missing ThinkingEnd: %+v", received)
	}
}

func TestThinkingStartResetsBuffer(t *testing.T) {
	b := New()
	b.Emit("run-1", Event{Kind: ThinkingStart})
	b.Emit("run-1", Event{Kind: Token, Text: "stale"})
	b.Emit("run-1", Event{Kind: ThinkingStart})
	b.Emit("run-1", Event{Kind: Token, Text: "fresh"})

	var received []Event
	unsub := b.Subscribe("run-1", func(ev Event) { received = append(received, ev) })
	defer unsub()

	if len(received) != 2 {
		t.Fatalf("replay len = %d, want 2 (post-reset only)", len(received))
	}
	if received[1].Text != "fresh" {
		t.Fatalf("replay[1].Text = %q, want fresh", received[1].Text)
	}
}

func TestSweepDiscardsIdleUnlistenedTopics(t *testing.T) {
	b := New()
	now := time.Now()
	b.now = func() time.Time { return now }

	b.Emit("run-1", Event{Kind: ThinkingStart})

	b.now = func() time.Time { return now.Add(6 * time.Minute) }
	b.Sweep()

	var received []Event
	unsub := b.Subscribe("run-1", func(ev Event) { received = append(received, ev) })
	defer unsub()

	if len(received) != 0 {
		t.Fatalf("replay after sweep = %+v, want empty (topic should have been discarded)", received)
	}
}

func TestSweepSparesTopicsWithActiveListeners(t *testing.T) {
	b := New()
	now := time.Now()
	b.now = func() time.Time { return now }

	b.Emit("run-1", Event{Kind: ThinkingStart})
	unsub := b.Subscribe("run-1", func(Event) {})
	defer unsub()

	b.now = func() time.Time { return now.Add(6 * time.Minute) }
	b.Sweep()

	b.now = func() time.Time { return now.Add(6 * time.Minute) }
	b.Emit("run-1", Event{Kind: Token, Text: "still alive"})

	b.mu.Lock()
	_, ok := b.topics["run-1"]
	b.mu.Unlock()
	if !ok {
		t.Fatal("topic with active listener was swept")
	}
}
