package maskirovka

import (
	"errors"
	"testing"
)

func TestReplayGuardPattern(t *testing.T) {
	g := newReplayGuard()

	// Counters 5, 5, 3, 6: accept, reject (replay), reject (stale), accept.
	wantErr := []bool{false, true, true, false}
	for i, counter := range []uint64{5, 5, 3, 6} {
		err := g.Check(counter)
		if wantErr[i] && !errors.Is(err, ErrReplayDetected) {
			t.Errorf("counter %d (step %d): error = %v, want ErrReplayDetected", counter, i, err)
		}
		if !wantErr[i] && err != nil {
			t.Errorf("counter %d (step %d): unexpected error %v", counter, i, err)
		}
	}
	if g.Rejected() != 2 {
		t.Errorf("Rejected() = %d, want 2", g.Rejected())
	}
}

func TestReplayGuardStampMonotonic(t *testing.T) {
	g := newReplayGuard()
	var prev uint64
	for i := 0; i < 1000; i++ {
		c := g.Stamp()
		if c <= prev {
			t.Fatalf("stamp %d not greater than previous %d", c, prev)
		}
		prev = c
	}
	if prev != 1000 {
		t.Errorf("final counter = %d, want 1000", prev)
	}
}

func TestReplayGuardHistory(t *testing.T) {
	g := newReplayGuard()
	for c := uint64(1); c <= replayHistoryLen+10; c++ {
		if err := g.Check(c); err != nil {
			t.Fatalf("counter %d: %v", c, err)
		}
	}
	history := g.RecentAccepted()
	if len(history) != replayHistoryLen {
		t.Fatalf("history length = %d, want %d", len(history), replayHistoryLen)
	}
	// Oldest first; the newest entry is the last accepted counter.
	if history[len(history)-1] != replayHistoryLen+10 {
		t.Errorf("newest entry = %d, want %d", history[len(history)-1], replayHistoryLen+10)
	}
	for i := 1; i < len(history); i++ {
		if history[i] <= history[i-1] {
			t.Fatal("history should be in ascending order")
		}
	}
}

func TestRingSnapshot(t *testing.T) {
	r := newRing[int](4)
	if got := r.Snapshot(); len(got) != 0 {
		t.Errorf("empty ring snapshot length = %d, want 0", len(got))
	}
	for i := 1; i <= 6; i++ {
		r.Push(i)
	}
	if r.Len() != 4 {
		t.Errorf("Len() = %d, want 4", r.Len())
	}
	got := r.Snapshot()
	want := []int{3, 4, 5, 6}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot = %v, want %v", got, want)
		}
	}
}
