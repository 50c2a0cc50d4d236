package syncache

import "net/netip"

// bucketHead is one FIFO chain; head is the oldest entry.
type bucketHead struct {
	head, tail int32
	n          int
}

// bucketTable holds the fixed buckets. Entries are linked through the arena.
type bucketTable struct {
	buckets []bucketHead
	count   int
	arena   *arena
}

func newBucketTable(n int, a *arena) *bucketTable {
	t := &bucketTable{buckets: make([]bucketHead, n), arena: a}
	for i := range t.buckets {
		t.buckets[i] = bucketHead{head: nilIndex, tail: nilIndex}
	}
	return t
}

func (t *bucketTable) lookup(b int, hash uint32, src, dst netip.AddrPort) int32 {
	for i := t.buckets[b].head; i != nilIndex; {
		e := t.arena.at(i)
		if e.hash == hash && e.src == src && e.dst == dst {
			return i
		}
		i = e.next
	}
	return nilIndex
}

// append links idx at the tail of bucket b.
func (t *bucketTable) append(b int, idx int32) {
	bh := &t.buckets[b]
	e := t.arena.at(idx)
	e.bucket = b
	e.prev = bh.tail
	e.next = nilIndex
	if bh.tail != nilIndex {
		t.arena.at(bh.tail).next = idx
	} else {
		bh.head = idx
	}
	bh.tail = idx
	bh.n++
	t.count++
}

func (t *bucketTable) unlink(idx int32) {
	e := t.arena.at(idx)
	bh := &t.buckets[e.bucket]
	if e.prev != nilIndex {
		t.arena.at(e.prev).next = e.next
	} else {
		bh.head = e.next
	}
	if e.next != nilIndex {
		t.arena.at(e.next).prev = e.prev
	} else {
		bh.tail = e.prev
	}
	e.prev, e.next = nilIndex, nilIndex
	bh.n--
	t.count--
}

func (t *bucketTable) oldest(b int) int32 { return t.buckets[b].head }

func (t *bucketTable) length(b int) int { return t.buckets[b].n }

// firstNonEmpty scans forward from b, wrapping, for a bucket with entries.
func (t *bucketTable) firstNonEmpty(b int) int {
	n := len(t.buckets)
	for i := 0; i < n; i++ {
		j := (b + i) % n
		if t.buckets[j].n > 0 {
			return j
		}
	}
	return -1
}

// pendingList is an owner's chain of pending entries.
type pendingList struct {
	head int32
	n    int
}

func (t *bucketTable) attach(l *pendingList, idx int32) {
	e := t.arena.at(idx)
	e.oprev = nilIndex
	e.onext = l.head
	if l.head != nilIndex {
		t.arena.at(l.head).oprev = idx
	}
	l.head = idx
	l.n++
}

func (t *bucketTable) detach(l *pendingList, idx int32) {
	e := t.arena.at(idx)
	if e.oprev != nilIndex {
		t.arena.at(e.oprev).onext = e.onext
	} else {
		l.head = e.onext
	}
	if e.onext != nilIndex {
		t.arena.at(e.onext).oprev = e.oprev
	}
	e.oprev, e.onext = nilIndex, nilIndex
	l.n--
}
