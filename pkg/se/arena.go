package se

// handle addresses an arena slot. A slot's generation is bumped every time it
// is freed, so handles to a freed slot never resolve again.
type handle struct {
	index uint32
	gen   uint32
}

func (h handle) id() uint64 {
	return uint64(h.gen)<<32 | uint64(h.index)
}

func (h handle) isZero() bool {
	return h.gen == 0
}

func handleFromID(id uint64) handle {
	return handle{index: uint32(id), gen: uint32(id >> 32)}
}

type resolution int

const (
	resolved resolution = iota
	// stale handles were valid once; their entity has been closed.
	stale
	// unknown handles were never issued by this arena.
	unknown
)

type arenaSlot[T any] struct {
	gen   uint32
	used  bool
	value T
}

type arena[T any] struct {
	slots []arenaSlot[T]
	free  []uint32
	count int
}

func (a *arena[T]) insert(v T) handle {
	a.count++
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		s := &a.slots[idx]
		s.used = true
		s.value = v
		return handle{index: idx, gen: s.gen}
	}
	a.slots = append(a.slots, arenaSlot[T]{gen: 1, used: true, value: v})
	return handle{index: uint32(len(a.slots) - 1), gen: 1}
}

func (a *arena[T]) lookup(h handle) (T, resolution) {
	var zero T
	if h.gen == 0 || int(h.index) >= len(a.slots) {
		return zero, unknown
	}
	s := &a.slots[h.index]
	switch {
	case s.used && s.gen == h.gen:
		return s.value, resolved
	case h.gen < s.gen:
		return zero, stale
	default:
		return zero, unknown
	}
}

func (a *arena[T]) get(h handle) (T, bool) {
	v, r := a.lookup(h)
	return v, r == resolved
}

func (a *arena[T]) remove(h handle) bool {
	if _, ok := a.get(h); !ok {
		return false
	}
	s := &a.slots[h.index]
	var zero T
	s.value = zero
	s.used = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.free = append(a.free, h.index)
	a.count--
	return true
}

func (a *arena[T]) len() int {
	return a.count
}
