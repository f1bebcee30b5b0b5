package se

import "testing"

func TestArena(t *testing.T) {
	var a arena[string]

	h1 := a.insert("first")
	h2 := a.insert("second")
	if h1 == h2 {
		t.Fatal("distinct inserts returned the same handle")
	}
	if a.len() != 2 {
		t.Fatalf("len() = %d, want 2", a.len())
	}

	if v, r := a.lookup(h1); r != resolved || v != "first" {
		t.Errorf("lookup(h1) = %q, %v", v, r)
	}

	if !a.remove(h1) {
		t.Fatal("remove(h1) = false")
	}
	if a.remove(h1) {
		t.Error("second remove(h1) should report false")
	}
	if _, r := a.lookup(h1); r != stale {
		t.Errorf("removed handle resolution = %v, want stale", r)
	}

	// The freed slot is reused with a new generation.
	h3 := a.insert("third")
	if h3.index != h1.index || h3.gen == h1.gen {
		t.Errorf("h3 = %+v, h1 = %+v", h3, h1)
	}
	if _, r := a.lookup(h1); r != stale {
		t.Errorf("old handle on reused slot = %v, want stale", r)
	}
	if v, _ := a.get(h3); v != "third" {
		t.Errorf("get(h3) = %q", v)
	}

	tests := []struct {
		name string
		h    handle
	}{
		{name: "Zero handle", h: handle{}},
		{name: "Out of range", h: handle{index: 42, gen: 1}},
		{name: "Future generation", h: handle{index: h2.index, gen: h2.gen + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, r := a.lookup(tt.h); r != unknown {
				t.Errorf("resolution = %v, want unknown", r)
			}
		})
	}
}

func TestHandleID(t *testing.T) {
	h := handle{index: 7, gen: 3}
	if got := handleFromID(h.id()); got != h {
		t.Errorf("handleFromID(%d) = %+v, want %+v", h.id(), got, h)
	}
	if h.id() != 3<<32|7 {
		t.Errorf("id() = %#x", h.id())
	}
	if !handleFromID(0).isZero() {
		t.Error("ID 0 should decode to the zero handle")
	}
}
