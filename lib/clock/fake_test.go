// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"testing"
	"time"
)

func TestFakeNow(t *testing.T) {
	start := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	fake := Fake(start)

	if got := fake.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}

	fake.Advance(90 * time.Second)
	want := start.Add(90 * time.Second)
	if got := fake.Now(); !got.Equal(want) {
		t.Errorf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeAfter(t *testing.T) {
	fake := Fake(time.Unix(1000, 0))
	ch := fake.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("After channel fired before Advance")
	default:
	}

	fake.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("After channel fired before its deadline")
	default:
	}

	fake.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After channel did not fire at its deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	fake := Fake(time.Unix(1000, 0))
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
	select {
	case <-fake.After(-time.Second):
	default:
		t.Fatal("After(-1s) did not fire immediately")
	}
}

func TestFakeAfterFunc(t *testing.T) {
	fake := Fake(time.Unix(1000, 0))

	fired := 0
	fake.AfterFunc(5*time.Second, func() { fired++ })

	fake.Advance(4 * time.Second)
	if fired != 0 {
		t.Fatalf("callback fired %d times before deadline, want 0", fired)
	}

	fake.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("callback fired %d times at deadline, want 1", fired)
	}

	// Firing is one-shot.
	fake.Advance(10 * time.Second)
	if fired != 1 {
		t.Fatalf("callback fired %d times after deadline, want 1", fired)
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	fake := Fake(time.Unix(1000, 0))

	fired := false
	timer := fake.AfterFunc(5*time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("Stop() = false for an active timer, want true")
	}
	if timer.Stop() {
		t.Error("second Stop() = true, want false")
	}

	fake.Advance(10 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestFakeAfterFuncReset(t *testing.T) {
	fake := Fake(time.Unix(1000, 0))

	fired := 0
	timer := fake.AfterFunc(5*time.Second, func() { fired++ })

	// Push the deadline out. The timer must not fire at the original
	// deadline.
	if !timer.Reset(20 * time.Second) {
		t.Error("Reset() = false for an active timer, want true")
	}
	fake.Advance(10 * time.Second)
	if fired != 0 {
		t.Fatalf("callback fired %d times before reset deadline, want 0", fired)
	}
	fake.Advance(10 * time.Second)
	if fired != 1 {
		t.Fatalf("callback fired %d times at reset deadline, want 1", fired)
	}

	// Reset after firing re-arms the timer.
	if timer.Reset(5 * time.Second) {
		t.Error("Reset() = true for a fired timer, want false")
	}
	fake.Advance(5 * time.Second)
	if fired != 2 {
		t.Fatalf("callback fired %d times after re-arm, want 2", fired)
	}
}

func TestFakeTicker(t *testing.T) {
	fake := Fake(time.Unix(1000, 0))
	ticker := fake.NewTicker(10 * time.Second)
	defer ticker.Stop()

	ticks := 0
	drain := func() {
		for {
			select {
			case <-ticker.C:
				ticks++
			default:
				return
			}
		}
	}

	fake.Advance(10 * time.Second)
	drain()
	if ticks != 1 {
		t.Fatalf("ticks after one interval = %d, want 1", ticks)
	}

	fake.Advance(10 * time.Second)
	drain()
	if ticks != 2 {
		t.Fatalf("ticks after two intervals = %d, want 2", ticks)
	}

	ticker.Stop()
	fake.Advance(30 * time.Second)
	drain()
	if ticks != 2 {
		t.Fatalf("ticks after Stop = %d, want 2", ticks)
	}
}

func TestFakeTickerDropsWhenFull(t *testing.T) {
	fake := Fake(time.Unix(1000, 0))
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	// Nobody drains; the buffered channel holds one tick and further
	// ticks drop rather than block Advance.
	fake.Advance(5 * time.Second)

	ticks := 0
	for {
		select {
		case <-ticker.C:
			ticks++
		default:
			if ticks != 1 {
				t.Fatalf("buffered ticks = %d, want 1", ticks)
			}
			return
		}
	}
}

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	fake := Fake(time.Unix(1000, 0))

	var order []string
	fake.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	fake.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	fake.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	fake.Advance(5 * time.Second)

	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("fired %d callbacks, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("firing order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestFakeSleep(t *testing.T) {
	fake := Fake(time.Unix(1000, 0))

	var wg sync.WaitGroup
	woke := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		fake.Sleep(10 * time.Second)
		close(woke)
	}()

	fake.WaitForTimers(1)

	select {
	case <-woke:
		t.Fatal("Sleep returned before Advance")
	default:
	}

	fake.Advance(10 * time.Second)
	wg.Wait()
	<-woke
}

func TestFakeWaitForTimers(t *testing.T) {
	fake := Fake(time.Unix(1000, 0))

	go func() {
		fake.After(time.Second)
		fake.After(2 * time.Second)
	}()

	fake.WaitForTimers(2)
	if got := fake.PendingCount(); got != 2 {
		t.Errorf("PendingCount() = %d, want 2", got)
	}

	fake.Advance(2 * time.Second)
	if got := fake.PendingCount(); got != 0 {
		t.Errorf("PendingCount() after Advance = %d, want 0", got)
	}
}
