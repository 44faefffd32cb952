package tor

import (
	"context"
	"errors"
	"io"
	"runtime"

	"github.com/mtorrent/mtorrent/config"
)

var errClosedReader = errors.New("closed reader")

// A Reader reads a contiguous range of a torrent, possibly spanning
// piece boundaries.  Reading drives the download: the piece under the
// read position is requested at high priority and a few pieces ahead
// are prefetched at idle priority.
type Reader struct {
	torrent *Torrent
	offset  int64
	length  int64

	position int64
	holding  []pieceRequest // requests we currently hold
	current  int            // index the high-priority request is for
	ch       <-chan struct{}
	context  context.Context
}

// pieceRequest is one priority level held on one piece.
type pieceRequest struct {
	index uint32
	prio  int8
}

// NewReader creates a reader over the range [offset, offset+length).
func (t *Torrent) NewReader(ctx context.Context, offset int64, length int64) *Reader {
	r := &Reader{
		torrent: t,
		offset:  offset,
		length:  length,
		context: ctx,
		current: -1,
	}
	runtime.SetFinalizer(r, (*Reader).Close)
	return r
}

// Seek sets the read position.  It doesn't trigger prefetch.
func (r *Reader) Seek(o int64, whence int) (int64, error) {
	if r.torrent == nil {
		return r.position, errClosedReader
	}
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = o
	case io.SeekCurrent:
		pos = r.position + o
	case io.SeekEnd:
		pos = r.length + o
	default:
		return r.position, errors.New("seek: invalid whence")
	}
	if pos < 0 {
		return r.position, errors.New("seek: negative position")
	}
	r.position = pos
	return pos, nil
}

// wanted computes the requests to hold for a given position: the piece
// under the position at priority 1, the next piece at priority 0 when
// the position is close to the boundary, and enough further pieces at
// idle priority to cover five seconds at the prefetch rate.
func (r *Reader) wanted(pos int64, limit int64) []pieceRequest {
	if pos < 0 || pos > limit {
		return nil
	}

	ps := int64(r.torrent.Pieces.PieceSize())
	index := uint32(pos / ps)
	max := uint32(limit / ps)
	remain := r.torrent.Pieces.PieceSize() - uint32(pos%ps)

	ahead := uint32((config.PrefetchRate*5-float64(remain))/
		float64(ps) + 0.5)
	if ahead < 1 {
		ahead = 1
	}
	if index+1+ahead > max {
		ahead = max - index - 1
	}

	want := make([]pieceRequest, 0, 2+ahead)
	want = append(want, pieceRequest{index, 1})
	next := uint32(1)
	if float64(remain) < config.PrefetchRate*2 {
		want = append(want, pieceRequest{index + next, 0})
		next++
	}
	for next <= ahead {
		want = append(want, pieceRequest{index + next, -1})
		next++
	}
	return want
}

// update replaces the reader's held requests with the ones appropriate
// for pos.  Passing a negative pos releases everything.
func (r *Reader) update(pos int64, limit int64) (<-chan struct{}, error) {
	if r.current >= 0 &&
		r.current == int(pos/int64(r.torrent.Pieces.PieceSize())) {
		return r.ch, nil
	}

	want := r.wanted(pos, limit)
	old := r.holding
	r.holding = make([]pieceRequest, 0, len(want))

	var done <-chan struct{}
	var err error
	for i, w := range want {
		held, ch, e := r.torrent.Request(w.index, w.prio, true, i == 0)
		if held {
			r.holding = append(r.holding, w)
		}
		if i == 0 {
			done, err = ch, e
			if err != nil {
				break
			}
		}
	}

	// release the previous position's requests only after taking the
	// new ones, so overlapping pieces stay requested throughout
	for _, w := range old {
		r.torrent.Request(w.index, w.prio, false, false)
	}

	r.current = -1
	if len(want) > 0 {
		r.current = int(want[0].index)
	}
	r.ch = done
	return done, err
}

func (r *Reader) Read(a []byte) (int, error) {
	t := r.torrent
	if t == nil {
		return 0, errClosedReader
	}

	if r.position >= r.length {
		r.update(-1, -1)
		return 0, io.EOF
	}
	if err := r.context.Err(); err != nil {
		r.update(-1, -1)
		return 0, err
	}

	done, err := r.update(r.offset+r.position, r.offset+r.length)
	if err != nil {
		return 0, err
	}

	if done != nil {
		select {
		case <-t.Done:
			r.update(-1, -1)
			return 0, ErrTorrentDead
		case <-r.context.Done():
			r.update(-1, -1)
			return 0, r.context.Err()
		case <-done:
		}
	}

	if rest := r.length - r.position; int64(len(a)) > rest {
		a = a[:rest]
	}
	n, err := t.Pieces.ReadAt(a, r.offset+r.position)
	if err == nil && int64(n) == r.length-r.position {
		err = io.EOF
	}
	if err != nil {
		r.update(-1, -1)
	}

	r.position += int64(n)
	return n, err
}

// Close releases any requests the reader holds.
func (r *Reader) Close() error {
	r.update(-1, -1)
	r.torrent = nil
	runtime.SetFinalizer(r, nil)
	return nil
}
