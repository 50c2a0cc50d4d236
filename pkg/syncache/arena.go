package syncache

// arena is a bounded pool of entries addressed by index. Slots grow lazily up
// to the cap and are then recycled through the free list.
type arena struct {
	entries []Entry
	free    []int32
	limit   int
	live    int
	router  Router
}

func newArena(limit int, router Router) *arena {
	return &arena{limit: limit, router: router}
}

// allocate returns a zeroed live slot, or false when the arena is exhausted.
func (a *arena) allocate() (int32, bool) {
	var idx int32
	switch {
	case len(a.free) > 0:
		idx = a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
	case len(a.entries) < a.limit:
		a.entries = append(a.entries, Entry{})
		idx = int32(len(a.entries) - 1)
	default:
		return nilIndex, false
	}
	e := &a.entries[idx]
	gen := e.gen
	*e = Entry{gen: gen, live: true, prev: nilIndex, next: nilIndex, oprev: nilIndex, onext: nilIndex}
	a.live++
	return idx, true
}

// release drops the slot's IP options and route, then recycles it.
func (a *arena) release(idx int32) {
	e := &a.entries[idx]
	if !e.live {
		return
	}
	if e.route != nil && a.router != nil {
		a.router.Release(e.route)
	}
	gen := e.gen + 1
	*e = Entry{gen: gen}
	a.free = append(a.free, idx)
	a.live--
}

func (a *arena) at(idx int32) *Entry { return &a.entries[idx] }

func (a *arena) handle(idx int32) Handle {
	return Handle{index: uint32(idx), gen: a.entries[idx].gen}
}

// resolve returns the live entry for h, or nil when h is stale.
func (a *arena) resolve(h Handle) (int32, *Entry) {
	if int(h.index) >= len(a.entries) {
		return nilIndex, nil
	}
	e := &a.entries[h.index]
	if !e.live || e.gen != h.gen {
		return nilIndex, nil
	}
	return int32(h.index), e
}
