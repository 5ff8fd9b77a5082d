package ring

import (
	"fmt"
	"math"
	"slices"
	"testing"
)

func TestAddHasLookup(t *testing.T) {
	r := New(64, nil)

	if !r.Add("10.0.0.1:7000/1") || !r.Add("10.0.0.2:7000/1") || !r.Add("10.0.0.3:7000/1") {
		t.Fatal("Add of a new member returned false")
	}
	if r.Add("10.0.0.1:7000/1") {
		t.Fatal("Add of an existing member returned true")
	}
	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
	if !r.Has("10.0.0.2:7000/1") || r.Has("10.0.0.9:7000/1") {
		t.Fatal("Has disagrees with Add")
	}

	// Lookup should return a member; stable for same key
	for _, k := range []string{"foo", "bar", "baz"} {
		id1 := r.Lookup([]byte(k))
		id2 := r.Lookup([]byte(k))
		if id1 == "" {
			t.Fatalf("Lookup(%q) returned empty id", k)
		}
		if id1 != id2 {
			t.Fatalf("Lookup(%q) not stable: %q != %q", k, id1, id2)
		}
	}
}

func TestEmptyRing(t *testing.T) {
	r := New(0, nil)
	if got := r.Lookup([]byte("k")); got != "" {
		t.Fatalf("Lookup on empty ring = %q", got)
	}
	if got := r.Successors("x", 3); got != nil {
		t.Fatalf("Successors on empty ring = %v", got)
	}
}

func TestRemoveAffectsLookup(t *testing.T) {
	r := New(64, nil)
	r.Add("n1")
	r.Add("n2")
	r.Add("n3")

	key := []byte("hot-key-123")
	before := r.Lookup(key)
	if before == "" {
		t.Fatal("Lookup empty before remove")
	}

	if !r.Remove(before) {
		t.Fatalf("Remove(%q) returned false", before)
	}
	after := r.Lookup(key)
	if after == "" || after == before {
		t.Fatalf("Lookup did not change after removing %q: got %q", before, after)
	}
	if r.Remove(before) {
		t.Fatal("second Remove returned true")
	}
}

func TestSuccessorsSkipSelf(t *testing.T) {
	r := New(64, nil)
	var ids []string
	for i := range 6 {
		id := fmt.Sprintf("backbone-%d", i)
		ids = append(ids, id)
		r.Add(id)
	}

	for _, id := range ids {
		got := r.Successors(id, 2)
		if len(got) != 2 {
			t.Fatalf("Successors(%q, 2) = %v", id, got)
		}
		if slices.Contains(got, id) {
			t.Fatalf("Successors(%q) contains itself: %v", id, got)
		}
		if got[0] == got[1] {
			t.Fatalf("Successors(%q) not distinct: %v", id, got)
		}
	}

	if got := r.Successors("backbone-0", 100); len(got) != 5 {
		t.Fatalf("asking for more than exist: got %d, want 5", len(got))
	}
}

func TestSuccessorsStable(t *testing.T) {
	// two rings built in different orders agree
	a, b := New(64, nil), New(64, nil)
	for i := range 8 {
		a.Add(fmt.Sprintf("m%d", i))
		b.Add(fmt.Sprintf("m%d", 7-i))
	}
	for _, id := range a.Members() {
		if ga, gb := a.Successors(id, 3), b.Successors(id, 3); !slices.Equal(ga, gb) {
			t.Fatalf("Successors(%q) differ: %v vs %v", id, ga, gb)
		}
	}
}

func TestDistributionRoughlyBalanced(t *testing.T) {
	// Not a strict test, just sanity: with replicas, distribution shouldn't be wildly skewed
	r := New(128, nil)
	r.Add("n1")
	r.Add("n2")
	r.Add("n3")

	const N = 6000
	counts := map[string]int{}
	for i := range N {
		id := r.Lookup([]byte{byte(i >> 24), byte(i >> 16), byte(i >> 8), byte(i)})
		counts[id]++
	}
	// allow 2x deviation from perfect split
	ideal := float64(N) / 3.0
	for id, c := range counts {
		if c == 0 {
			t.Fatalf("member %s got zero keys", id)
		}
		if diff := math.Abs(float64(c)-ideal) / ideal; diff > 1.0 {
			t.Fatalf("distribution too skewed: member %s has %d (ideal %.1f)", id, c, ideal)
		}
	}
}

func TestMembersSorted(t *testing.T) {
	r := New(8, nil)
	r.Add("c")
	r.Add("a")
	r.Add("b")
	if got := r.Members(); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("Members() = %v", got)
	}
}
