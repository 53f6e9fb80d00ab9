// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package delta

import (
	"fmt"
	"testing"
	"time"
)

type testEntry struct {
	id   string
	at   time.Time
	body string
}

func (e testEntry) Key() string         { return e.id }
func (e testEntry) SortTime() time.Time { return e.at }

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// entry builds a test entry whose timestamp is base plus the given
// number of minutes, so larger offsets sort earlier in the list.
func entry(id string, minutes int) testEntry {
	return testEntry{id: id, at: base.Add(time.Duration(minutes) * time.Minute)}
}

func keys(entries []testEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out
}

func wantKeys(t *testing.T, list *List[testEntry], want ...string) {
	t.Helper()
	got := keys(list.Snapshot())
	if len(got) != len(want) {
		t.Fatalf("snapshot keys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot keys = %v, want %v", got, want)
		}
	}
}

func TestAddOrdersNewestFirst(t *testing.T) {
	list := NewList[testEntry](10)

	for _, e := range []testEntry{entry("b", 2), entry("d", 4), entry("a", 1), entry("c", 3)} {
		if !list.Add(e) {
			t.Fatalf("Add(%s) reported no change", e.id)
		}
	}

	wantKeys(t, list, "d", "c", "b", "a")
}

func TestAddDeduplicatesByKey(t *testing.T) {
	list := NewList[testEntry](10)

	list.Add(entry("a", 1))
	if list.Add(entry("a", 5)) {
		t.Fatal("duplicate Add reported a change")
	}
	if got := list.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
	if got := list.Snapshot()[0].at; !got.Equal(base.Add(time.Minute)) {
		t.Fatalf("duplicate Add replaced the original entry: at = %v", got)
	}
}

func TestAddEqualTimestampsBreakTowardLargerKey(t *testing.T) {
	list := NewList[testEntry](10)

	list.Add(entry("a", 1))
	list.Add(entry("b", 1))
	list.Add(entry("c", 2))

	wantKeys(t, list, "c", "b", "a")
}

func TestBoundRetainsNewest(t *testing.T) {
	list := NewList[testEntry](200)

	// Oldest first, so every insert within the window reorders.
	for i := 0; i < 250; i++ {
		list.Add(entry(fmt.Sprintf("e%03d", i), i))
	}

	snapshot := list.Snapshot()
	if len(snapshot) != 200 {
		t.Fatalf("len = %d, want 200", len(snapshot))
	}
	if got := snapshot[0].id; got != "e249" {
		t.Fatalf("newest = %s, want e249", got)
	}
	if got := snapshot[199].id; got != "e050" {
		t.Fatalf("oldest kept = %s, want e050", got)
	}
	for i := 1; i < len(snapshot); i++ {
		if snapshot[i].at.After(snapshot[i-1].at) {
			t.Fatalf("order broken at %d: %v after %v", i, snapshot[i].at, snapshot[i-1].at)
		}
	}
}

func TestAddBelowFullBoundReportsNoChange(t *testing.T) {
	list := NewList[testEntry](3)

	list.Add(entry("a", 10))
	list.Add(entry("b", 20))
	list.Add(entry("c", 30))

	if list.Add(entry("stale", 1)) {
		t.Fatal("Add below the bound reported a change")
	}
	wantKeys(t, list, "c", "b", "a")

	// A newer entry still displaces the oldest.
	if !list.Add(entry("d", 40)) {
		t.Fatal("Add above the bound reported no change")
	}
	wantKeys(t, list, "d", "c", "b")
}

func TestChangeReplacesInPlace(t *testing.T) {
	list := NewList[testEntry](10)

	list.Add(entry("a", 1))
	list.Add(entry("b", 2))
	list.Add(entry("c", 3))

	updated := entry("b", 2)
	updated.body = "edited"
	if !list.Change(updated) {
		t.Fatal("Change reported no change")
	}

	wantKeys(t, list, "c", "b", "a")
	if got := list.Snapshot()[1].body; got != "edited" {
		t.Fatalf("body = %q, want %q", got, "edited")
	}
}

func TestChangeUnknownKeyIsNoOp(t *testing.T) {
	list := NewList[testEntry](10)

	list.Add(entry("a", 1))
	if list.Change(entry("ghost", 5)) {
		t.Fatal("Change of unknown key reported a change")
	}
	wantKeys(t, list, "a")
}

func TestRemove(t *testing.T) {
	list := NewList[testEntry](10)

	list.Add(entry("a", 1))
	list.Add(entry("b", 2))

	if !list.Remove("a") {
		t.Fatal("Remove reported no change")
	}
	wantKeys(t, list, "b")

	if list.Remove("a") {
		t.Fatal("second Remove reported a change")
	}
	if list.Remove("never-there") {
		t.Fatal("Remove of unknown key reported a change")
	}
}

func TestResetSortsAndBounds(t *testing.T) {
	list := NewList[testEntry](2)

	list.Add(entry("live", 99))
	list.Reset([]testEntry{entry("a", 1), entry("c", 3), entry("b", 2)})

	wantKeys(t, list, "c", "b")
}

func TestGet(t *testing.T) {
	list := NewList[testEntry](10)

	want := entry("a", 1)
	want.body = "hello"
	list.Add(want)

	got, ok := list.Get("a")
	if !ok || got.body != "hello" {
		t.Fatalf("Get(a) = %+v, %v", got, ok)
	}
	if _, ok := list.Get("missing"); ok {
		t.Fatal("Get(missing) reported ok")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	list := NewList[testEntry](10)

	list.Add(entry("a", 1))
	snapshot := list.Snapshot()
	snapshot[0].id = "mutated"

	wantKeys(t, list, "a")
}

func TestUnboundedList(t *testing.T) {
	list := NewList[testEntry](0)

	for i := 0; i < 500; i++ {
		list.Add(entry(fmt.Sprintf("e%03d", i), i))
	}
	if got := list.Len(); got != 500 {
		t.Fatalf("Len() = %d, want 500", got)
	}
}
