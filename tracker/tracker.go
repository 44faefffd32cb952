// Package tracker implements announcing to HTTP(S) and UDP BitTorrent
// trackers.  Each tracker remembers the interval it was told to honour
// and refuses to announce again before it has elapsed.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	nurl "net/url"
	"sync/atomic"
	"time"
)

var (
	ErrNotReady = errors.New("tracker not ready")
	ErrParse    = errors.New("couldn't parse tracker reply")
)

type Tracker interface {
	URL() string
	GetState() (State, error)
	Announce(ctx context.Context, hash []byte, myid []byte,
		want int, size int64, port4, port6 int, proxy string,
		f func(net.IP, int) bool) error
	Kill() error
}

// New returns a tracker appropriate for the URL's scheme.  Trackers
// with an unsupported scheme are retained in the disabled state so
// that the URL survives into any exported torrent file.
func New(url string) Tracker {
	u, err := nurl.Parse(url)
	if err != nil {
		return nil
	}
	switch u.Scheme {
	case "http", "https":
		return &HTTP{base: base{url: url}}
	case "udp":
		return &UDP{base: base{url: url}}
	default:
		return &Unknown{base: base{url: url}}
	}
}

// base carries the state common to all tracker kinds.  The busy flag
// serialises announces; all other fields are only touched while it is
// held.
type base struct {
	url      string
	time     time.Time
	interval time.Duration
	err      error
	busy     atomic.Bool
}

func (tracker *base) URL() string {
	return tracker.url
}

func (tracker *base) tryLock() bool {
	return tracker.busy.CompareAndSwap(false, true)
}

func (tracker *base) unlock() {
	if !tracker.busy.CompareAndSwap(true, false) {
		panic("unlocking idle tracker")
	}
}

// ready returns true if the announce interval has elapsed.  Intervals
// are clamped to at least five minutes, and an unknown interval counts
// as thirty.
func (tracker *base) ready() bool {
	interval := tracker.interval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	if interval < 5*time.Minute {
		interval = 5 * time.Minute
	}
	return tracker.time.Add(interval).Before(time.Now())
}

type State int

const (
	Disabled State = -3
	Error    State = -2
	Busy     State = -1
	Idle     State = 0
	Ready    State = 1
)

func (state State) String() string {
	switch state {
	case Disabled:
		return "disabled"
	case Error:
		return "error"
	case Busy:
		return "busy"
	case Idle:
		return "idle"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("unknown state %d", int(state))
	}
}

func (tracker *base) GetState() (State, error) {
	if !tracker.tryLock() {
		return Busy, nil
	}
	ready := tracker.ready()
	err := tracker.err
	tracker.unlock()
	if ready {
		return Ready, nil
	}
	if err != nil {
		return Error, err
	}
	return Idle, nil
}

// updateInterval records the outcome of an announce.  A failed or
// interval-less announce backs off to fifteen minutes at least.
func (tracker *base) updateInterval(interval time.Duration, err error) {
	tracker.err = err
	if interval > time.Minute {
		tracker.interval = interval
	} else if tracker.interval < 15*time.Minute {
		tracker.interval = 15 * time.Minute
	}
}

func (tracker *base) Announce(ctx context.Context, hash []byte, myid []byte,
	want int, size int64, port4, port6 int, proxy string,
	f func(net.IP, int) bool) error {
	return errors.New("not implemented")
}

func (tracker *base) Kill() error {
	return nil
}

// Unknown is a tracker with a scheme we don't speak.
type Unknown struct {
	base
}

func (tracker *Unknown) GetState() (State, error) {
	return Disabled, nil
}
