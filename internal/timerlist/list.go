// Package timerlist keeps per-connection expiry records in a list sorted
// ascending by expiry. Records live in a growable arena and link to each
// other by index; callers hold generation-checked handles, so a stale handle
// to a recycled slot is detected instead of corrupting the list.
//
// A List has no internal locking. It is meant to be owned by a single
// goroutine that performs every Add, Adjust, Remove and Tick.
package timerlist

import "time"

const none = -1

// Handle identifies one live record. The zero Handle is never live.
type Handle struct {
	idx int32
	gen uint32
}

// Valid reports whether h was ever issued by a List.
func (h Handle) Valid() bool {
	return h.gen != 0
}

type record struct {
	expire time.Time
	fn     func()
	prev   int32
	next   int32
	gen    uint32
	live   bool
}

// List is a sorted doubly linked list of expiry records.
type List struct {
	recs []record
	free []int32
	head int32
	tail int32
	n    int
}

// New returns an empty list.
func New() *List {
	return &List{head: none, tail: none}
}

// Len returns the number of live records.
func (l *List) Len() int {
	return l.n
}

// Add inserts a record expiring at expire whose callback is fn. Records with
// equal expiry keep insertion order.
func (l *List) Add(expire time.Time, fn func()) Handle {
	idx := l.alloc()
	r := &l.recs[idx]
	r.expire = expire
	r.fn = fn
	r.live = true
	l.insertBefore(idx, l.tail)
	l.n++
	return Handle{idx: idx, gen: r.gen}
}

// Adjust moves the record to a new expiry. Only records whose expiry moves
// past their successor are relinked. It reports false for stale handles.
func (l *List) Adjust(h Handle, expire time.Time) bool {
	if !l.live(h) {
		return false
	}
	r := &l.recs[h.idx]
	r.expire = expire
	next := r.next
	prev := r.prev
	switch {
	case prev != none && expire.Before(l.recs[prev].expire):
		l.unlink(h.idx)
		l.insertBefore(h.idx, prev)
	case next == none || !expire.After(l.recs[next].expire):
	default:
		l.unlink(h.idx)
		l.insertAfter(h.idx, next)
	}
	return true
}

// Remove unlinks the record in O(1). It reports false for stale handles.
func (l *List) Remove(h Handle) bool {
	if !l.live(h) {
		return false
	}
	l.unlink(h.idx)
	l.release(h.idx)
	return true
}

// Expiry returns the record's current expiry.
func (l *List) Expiry(h Handle) (time.Time, bool) {
	if !l.live(h) {
		return time.Time{}, false
	}
	return l.recs[h.idx].expire, true
}

// Next returns the earliest expiry in the list.
func (l *List) Next() (time.Time, bool) {
	if l.head == none {
		return time.Time{}, false
	}
	return l.recs[l.head].expire, true
}

// Tick unlinks every record with expiry at or before now, oldest first, and
// runs its callback after unlinking. Callbacks may add new records; a record
// added with an expiry at or before now is handled in the same tick. Tick
// returns the number of expired records.
func (l *List) Tick(now time.Time) int {
	expired := 0
	for l.head != none {
		idx := l.head
		r := &l.recs[idx]
		if r.expire.After(now) {
			break
		}
		fn := r.fn
		l.unlink(idx)
		l.release(idx)
		expired++
		if fn != nil {
			fn()
		}
	}
	return expired
}

// Expiries returns the expiries from head to tail.
func (l *List) Expiries() []time.Time {
	out := make([]time.Time, 0, l.n)
	for idx := l.head; idx != none; idx = l.recs[idx].next {
		out = append(out, l.recs[idx].expire)
	}
	return out
}

func (l *List) live(h Handle) bool {
	if h.gen == 0 || h.idx < 0 || int(h.idx) >= len(l.recs) {
		return false
	}
	r := &l.recs[h.idx]
	return r.live && r.gen == h.gen
}

func (l *List) alloc() int32 {
	if n := len(l.free); n > 0 {
		idx := l.free[n-1]
		l.free = l.free[:n-1]
		l.recs[idx].gen++
		if l.recs[idx].gen == 0 {
			l.recs[idx].gen = 1
		}
		return idx
	}
	l.recs = append(l.recs, record{gen: 1, prev: none, next: none})
	return int32(len(l.recs) - 1)
}

func (l *List) release(idx int32) {
	r := &l.recs[idx]
	r.fn = nil
	r.live = false
	r.prev, r.next = none, none
	l.free = append(l.free, idx)
	l.n--
}

// insertBefore links idx into the list, scanning backwards from the record
// at from (inclusive) for the last record not later than idx.
func (l *List) insertBefore(idx, from int32) {
	expire := l.recs[idx].expire
	if l.head == none {
		l.recs[idx].prev, l.recs[idx].next = none, none
		l.head, l.tail = idx, idx
		return
	}
	if expire.Before(l.recs[l.head].expire) {
		l.linkAfter(idx, none)
		return
	}
	at := from
	for at != none && expire.Before(l.recs[at].expire) {
		at = l.recs[at].prev
	}
	l.linkAfter(idx, at)
}

// insertAfter links idx into the list, scanning forwards from the record at
// from (inclusive) for the first record later than idx.
func (l *List) insertAfter(idx, from int32) {
	expire := l.recs[idx].expire
	at := from
	for at != none && !expire.Before(l.recs[at].expire) {
		at = l.recs[at].next
	}
	if at == none {
		l.linkAfter(idx, l.tail)
		return
	}
	l.linkAfter(idx, l.recs[at].prev)
}

// linkAfter places idx right after prev; prev == none means at the head.
func (l *List) linkAfter(idx, prev int32) {
	r := &l.recs[idx]
	r.prev = prev
	if prev == none {
		r.next = l.head
		if l.head != none {
			l.recs[l.head].prev = idx
		}
		l.head = idx
	} else {
		r.next = l.recs[prev].next
		if r.next != none {
			l.recs[r.next].prev = idx
		}
		l.recs[prev].next = idx
	}
	if r.next == none {
		l.tail = idx
	}
}

func (l *List) unlink(idx int32) {
	r := &l.recs[idx]
	if r.prev != none {
		l.recs[r.prev].next = r.next
	} else {
		l.head = r.next
	}
	if r.next != none {
		l.recs[r.next].prev = r.prev
	} else {
		l.tail = r.prev
	}
	r.prev, r.next = none, none
}
