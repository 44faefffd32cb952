package tor

import (
	"math"
	"slices"
	"time"
)

// IdlePriority marks a piece wanted only for background prefetch, with
// no client waiting on it.
const IdlePriority = int8(math.MinInt8)

// RequestedPiece tracks the clients interested in one piece.  Each
// client contributes one entry to prio; idle requests contribute none.
type RequestedPiece struct {
	prio []int8
	done chan struct{}
}

// Requested is the set of pieces of a torrent that clients have asked
// for.
type Requested struct {
	pieces map[uint32]*RequestedPiece
	time   time.Time
}

// Add records a request for a piece at a given priority.  The returned
// channel is closed when the piece completes; the boolean says whether
// the piece is now wanted more than it was before.
func (rs *Requested) Add(index uint32, prio int8, want bool) (<-chan struct{}, bool) {
	r, ok := rs.pieces[index]
	if !ok {
		r = &RequestedPiece{}
		rs.pieces[index] = r
	}
	added := !ok
	if prio > IdlePriority {
		r.prio = append(r.prio, prio)
		added = true
	}
	if want && r.done == nil {
		r.done = make(chan struct{})
	}
	return r.done, added
}

func (rs *Requested) drop(index uint32) {
	r := rs.pieces[index]
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	delete(rs.pieces, index)
}

// Del removes one client's request at the given priority.  It returns
// true if that was the last request and the piece has been dropped.
func (rs *Requested) Del(index uint32, prio int8) bool {
	r := rs.pieces[index]
	if r == nil {
		return false
	}
	i := slices.Index(r.prio, prio)
	if i < 0 {
		return false
	}
	r.prio = slices.Delete(r.prio, i, i+1)
	if len(r.prio) > 0 {
		return false
	}
	rs.drop(index)
	return true
}

// Count returns the number of requested pieces satisfying a predicate.
func (rs *Requested) Count(f func(uint32) bool) int {
	n := 0
	for index := range rs.pieces {
		if f(index) {
			n++
		}
	}
	return n
}

// hasPriority reports whether a piece is requested at the given
// priority.  IdlePriority matches any request.
func hasPriority(r *RequestedPiece, prio int8) bool {
	return prio == IdlePriority || slices.Contains(r.prio, prio)
}

// Done signals that a piece finished downloading.  Anyone waiting on
// the piece is woken up, and the piece is dropped unless a client still
// holds a non-idle request.
func (rs *Requested) Done(index uint32) {
	r := rs.pieces[index]
	if r == nil {
		return
	}
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	rs.DelIdlePiece(index)
}

// DelIdlePiece drops a piece that is only requested idly.
func (rs *Requested) DelIdlePiece(index uint32) {
	r := rs.pieces[index]
	if r != nil && len(r.prio) == 0 {
		rs.drop(index)
	}
}

// DelIdle drops every piece that is only requested idly.
func (rs *Requested) DelIdle() {
	for index := range rs.pieces {
		rs.DelIdlePiece(index)
	}
}
