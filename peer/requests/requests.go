// Package requests implements the queue of outgoing chunk requests kept
// by each wire.  It is optimised for frequent membership checks.
package requests

import (
	"fmt"
	"strings"
	"time"

	"github.com/mtorrent/mtorrent/bitmap"
)

// Request is a single chunk request, identified by its global chunk
// index.
type Request struct {
	index uint32
	qtime time.Time // queue time
	rtime time.Time // send time, zero if not sent yet
	ctime time.Time // cancel time, zero if not cancelled
}

// Cancel marks a request as cancelled.
func (r *Request) Cancel() {
	r.ctime = time.Now()
}

// Cancelled returns true if the request was cancelled.
func (r Request) Cancelled() bool {
	return !r.ctime.IsZero()
}

func (r Request) String() string {
	c := ""
	if r.Cancelled() {
		c = ", cancelled"
	}
	return fmt.Sprintf("[%v at %v,%v%v]", r.index, r.qtime, r.rtime, c)
}

// Requests is a request queue.  A chunk is a member of at most one of
// the two stages, queued or sent.
type Requests struct {
	queue     []Request     // not sent out yet
	requested []Request     // sent out
	bitmap    bitmap.Bitmap // membership in either stage
}

func (rs *Requests) String() string {
	b := new(strings.Builder)

	fmt.Fprintf(b, "[[")
	for _, v := range rs.queue {
		fmt.Fprintf(b, "%v,", v.index)
	}
	fmt.Fprintf(b, "],[")
	for _, v := range rs.requested {
		fmt.Fprintf(b, "%v,", v.index)
	}
	fmt.Fprintf(b, "]]")
	return b.String()
}

// Queue returns the number of requests queued but not sent out.
func (rs *Requests) Queue() int {
	return len(rs.queue)
}

// Requested returns the number of requests sent out.
func (rs *Requests) Requested() int {
	return len(rs.requested)
}

// Cancel cancels a request that has been sent out.  It returns two
// booleans: whether the request was found, and whether a Cancel message
// should be sent out.
func (rs *Requests) Cancel(index uint32) (bool, bool) {
	if !rs.bitmap.Get(int(index)) {
		return false, false
	}
	for i, r := range rs.requested {
		if index == r.index {
			cancelled := r.Cancelled()
			if !cancelled {
				rs.requested[i].Cancel()
			}
			return true, !cancelled
		}
	}
	return false, false
}

func cut(rs []Request, i int) []Request {
	l := len(rs)
	rs[i] = rs[l-1]
	rs = rs[:l-1]
	if len(rs) == 0 {
		return nil
	}
	return rs
}

func (rs *Requests) del(index uint32, sentOnly bool) (bool, bool, time.Time) {
	if !rs.bitmap.Get(int(index)) {
		return false, false, time.Time{}
	}
	for i, r := range rs.requested {
		if index == r.index {
			rs.requested = cut(rs.requested, i)
			rs.bitmap.Reset(int(index))
			return false, true, r.rtime
		}
	}
	if sentOnly {
		return false, false, time.Time{}
	}
	for i, q := range rs.queue {
		if index == q.index {
			rs.queue = cut(rs.queue, i)
			rs.bitmap.Reset(int(index))
			return true, false, time.Time{}
		}
	}
	panic("request bitmap out of sync")
}

// Del deletes a request, whether it was sent out or not.
func (rs *Requests) Del(index uint32) (bool, bool, time.Time) {
	return rs.del(index, false)
}

// DelRequested deletes a request only if it has been sent out.
func (rs *Requests) DelRequested(index uint32) bool {
	_, r, _ := rs.del(index, true)
	return r
}

// Enqueue enqueues a new request.  It returns false if the request is
// a duplicate.
func (rs *Requests) Enqueue(index uint32) bool {
	if rs.bitmap.Get(int(index)) {
		return false
	}
	rs.queue = append(rs.queue, Request{index: index, qtime: time.Now()})
	rs.bitmap.Set(int(index))
	return true
}

// Dequeue returns the next request that should be sent out.
func (rs *Requests) Dequeue() (request Request, index uint32) {
	request = rs.queue[0]
	index = request.index
	rs.bitmap.Reset(int(index))
	rs.queue = rs.queue[1:]
	if len(rs.queue) == 0 {
		rs.queue = nil
	}
	return
}

// EnqueueRequest records a request that has just been sent out.
func (rs *Requests) EnqueueRequest(r Request) {
	if rs.bitmap.Get(int(r.index)) {
		panic("incorrect use of Requests.EnqueueRequest")
	}
	r.ctime = time.Time{}
	r.rtime = time.Now()
	rs.bitmap.Set(int(r.index))
	rs.requested = append(rs.requested, r)
}

// Clear drops all queued requests and, if both is true, the sent ones
// too.  It calls f for every dropped request.
func (rs *Requests) Clear(both bool, f func(uint32)) {
	oldr := rs.requested
	oldq := rs.queue
	rs.queue = nil
	rs.requested = nil
	rs.bitmap = nil
	if !both {
		rs.requested = oldr
		for _, r := range oldr {
			rs.bitmap.Set(int(r.index))
		}
	} else {
		for _, r := range oldr {
			f(r.index)
		}
	}
	for _, q := range oldq {
		f(q.index)
	}
}

// Expire drops requests that were cancelled before t1 and cancels
// requests that were sent out before t0.  It returns true if anything
// was dropped.
func (rs *Requests) Expire(t0, t1 time.Time,
	drop func(index uint32),
	cancel func(index uint32)) bool {

	dropped := false

	i := 0
	for i < len(rs.requested) {
		r := rs.requested[i]
		if r.Cancelled() && r.ctime.Before(t1) {
			if !rs.DelRequested(r.index) {
				panic("couldn't delete request")
			}
			drop(r.index)
			dropped = true
			// the swap in cut means i now holds a fresh entry
			continue
		} else if !r.Cancelled() && r.rtime.Before(t0) {
			rs.requested[i].Cancel()
			cancel(r.index)
		}
		i++
	}
	return dropped
}
