package timer

import (
	"testing"
	"time"
)

func TestFakeEveryAndStop(t *testing.T) {
	clock := NewFake(time.Unix(0, 0))
	ticks := 0
	var ticker Timer
	ticker = clock.Every(time.Second, func() {
		ticks++
		if ticks == 3 {
			ticker.Stop()
		}
	})

	clock.Advance(10 * time.Second)
	if ticks != 3 {
		t.Fatalf("expected 3 ticks, got %d", ticks)
	}
	if ticker.Stop() {
		t.Fatalf("expected second stop to report false")
	}
	if clock.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", clock.Pending())
	}
}

func TestFakeAfterFuncOrdering(t *testing.T) {
	clock := NewFake(time.Unix(0, 0))
	var order []string
	clock.AfterFunc(5*time.Second, func() { order = append(order, "late") })
	clock.AfterFunc(2*time.Second, func() { order = append(order, "early") })

	clock.Advance(time.Second)
	if len(order) != 0 {
		t.Fatalf("expected nothing fired, got %v", order)
	}
	clock.Advance(5 * time.Second)
	if len(order) != 2 || order[0] != "early" || order[1] != "late" {
		t.Fatalf("unexpected order %v", order)
	}
	if !clock.Now().Equal(time.Unix(6, 0)) {
		t.Fatalf("unexpected now %v", clock.Now())
	}
}

func TestRealTickerStopIsIdempotent(t *testing.T) {
	ticker := Real().Every(time.Hour, func() {})
	if !ticker.Stop() {
		t.Fatalf("expected first stop to succeed")
	}
	if ticker.Stop() {
		t.Fatalf("expected second stop to be a no-op")
	}
}
