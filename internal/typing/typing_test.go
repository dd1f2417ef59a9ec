package typing

import (
	"sync"
	"testing"
	"time"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []bool
}

func (r *frameRecorder) SendTyping(conversationID string, typing bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, typing)
	return nil
}

func (r *frameRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.frames))
	copy(out, r.frames)
	return out
}

func TestNotifierCoalescesKeystrokes(t *testing.T) {
	rec := &frameRecorder{}
	n := NewNotifier(rec, time.Hour, 1, 2, nil)
	defer n.Close()

	for i := 0; i < 10; i++ {
		n.Typing("c1")
	}

	if frames := rec.snapshot(); len(frames) != 1 || !frames[0] {
		t.Errorf("frames = %v, want single start frame for a burst", frames)
	}
}

func TestNotifierStopOnSend(t *testing.T) {
	rec := &frameRecorder{}
	n := NewNotifier(rec, time.Hour, 1, 2, nil)
	defer n.Close()

	n.Typing("c1")
	n.Stop("c1")

	frames := rec.snapshot()
	if len(frames) != 2 || frames[0] != true || frames[1] != false {
		t.Errorf("frames = %v, want [start stop]", frames)
	}

	// Stop without an active burst sends nothing.
	n.Stop("c1")
	if got := rec.snapshot(); len(got) != 2 {
		t.Errorf("frames = %v, want no extra frame", got)
	}
}

func TestNotifierRateLimitedBurstRetries(t *testing.T) {
	rec := &frameRecorder{}
	// One token total: the second burst's start frame is denied.
	n := NewNotifier(rec, time.Hour, 0.0001, 1, nil)
	defer n.Close()

	n.Typing("c1")
	n.Stop("c1")

	// Denied start: no burst may be registered, so Stop sends nothing and
	// a later keystroke would try the frame again.
	n.Typing("c1")
	n.mu.Lock()
	_, registered := n.timers["c1"]
	n.mu.Unlock()
	if registered {
		t.Error("rate-limited burst must not register an idle timer")
	}
	n.Stop("c1")

	frames := rec.snapshot()
	if len(frames) != 2 || frames[0] != true || frames[1] != false {
		t.Errorf("frames = %v, want only the first burst's [start stop]", frames)
	}
}

func TestNotifierIdleTimeout(t *testing.T) {
	rec := &frameRecorder{}
	n := NewNotifier(rec, 20*time.Millisecond, 10, 10, nil)
	defer n.Close()

	n.Typing("c1")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if frames := rec.snapshot(); len(frames) == 2 {
			if frames[1] != false {
				t.Errorf("frames = %v, want stop after idle", frames)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("idle stop frame never sent")
}

func TestTrackerApplyAndExpiry(t *testing.T) {
	tr := NewTracker(5 * time.Second)
	now := time.Unix(1000, 0)
	tr.now = func() time.Time { return now }

	tr.Apply("c1", "u1", true)
	tr.Apply("c1", "u2", true)
	tr.Apply("c2", "u3", true)

	if got := tr.Typists("c1"); len(got) != 2 || got[0] != "u1" || got[1] != "u2" {
		t.Errorf("typists = %v, want [u1 u2]", got)
	}

	// An explicit stop removes immediately.
	tr.Apply("c1", "u1", false)
	if got := tr.Typists("c1"); len(got) != 1 || got[0] != "u2" {
		t.Errorf("typists = %v, want [u2]", got)
	}

	// A lost stop signal expires via TTL.
	now = now.Add(6 * time.Second)
	if got := tr.Typists("c1"); got != nil {
		t.Errorf("typists = %v, want nil after TTL", got)
	}
	if got := tr.Typists("c2"); got != nil {
		t.Errorf("typists = %v, want nil after TTL", got)
	}
}

func TestTrackerIgnoresBlankIDs(t *testing.T) {
	tr := NewTracker(5 * time.Second)
	tr.Apply("", "u1", true)
	tr.Apply("c1", "", true)
	if got := tr.Typists("c1"); got != nil {
		t.Errorf("typists = %v, want nil", got)
	}
}
