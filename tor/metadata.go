package tor

import (
	"errors"
	"sort"
	"time"

	"github.com/mtorrent/mtorrent/config"
	"github.com/mtorrent/mtorrent/hash"
	"github.com/mtorrent/mtorrent/peer"
)

var ErrMetadataConflict = errors.New("inconsistent metadata size")

// metaFlight records an outstanding request for a metadata piece.  At
// most one request per piece is in flight at any time.
type metaFlight struct {
	peer uint32
	time time.Time
}

// metadataPeers returns up to count metadata-capable peers in random
// order, so that retries of an expired piece spread over the swarm.
func metadataPeers(t *Torrent, count int) []*peer.Peer {
	return pickPeers(t, count, (*peer.Peer).CanMetadata)
}

func pickPeers(t *Torrent, count int, f func(*peer.Peer) bool) []*peer.Peer {
	if len(t.peers) == 0 {
		return nil
	}
	pn := t.rand.Perm(len(t.peers))
	var peers []*peer.Peer
	for _, n := range pn {
		if f(t.peers[n]) {
			peers = append(peers, t.peers[n])
			if len(peers) >= count {
				break
			}
		}
	}
	return peers
}

// metadataSize validates a peer's advertised metadata size against the
// confirmed one.  The first valid size wins; a peer that later
// disagrees gets ErrMetadataConflict, and the caller is expected to
// blacklist it.
func metadataSize(t *Torrent, size uint32) error {
	if t.infoComplete != 0 {
		return nil
	}

	if size <= 0 || size > config.MaxMetadataSize {
		return errors.New("bad metadata size")
	}

	if t.infoSize == 0 {
		t.infoSize = size
		return resizeMetadata(t, size)
	}
	if size != t.infoSize {
		return ErrMetadataConflict
	}
	return nil
}

func resizeMetadata(t *Torrent, size uint32) error {
	if t.infoComplete != 0 {
		return errors.New("metadata complete")
	}

	if size <= 0 || size > config.MaxMetadataSize {
		return errors.New("bad metadata size")
	}
	if len(t.Info) != int(size) {
		chunks := (size + config.ChunkSize - 1) / config.ChunkSize
		t.Info = make([]byte, size)
		t.infoBitmap = nil
		t.infoRequested = make([]uint8, chunks)
		t.infoFlight = make([]metaFlight, chunks)
		t.infoPeers = make([]uint32, chunks)
	}
	return nil
}

// requestMetadata schedules requests for missing metadata pieces.  If p
// is nil, requests are spread over a few randomly chosen capable peers;
// pieces with a live request in flight are skipped.
func requestMetadata(t *Torrent, p *peer.Peer) error {
	if t.infoComplete != 0 {
		return nil
	}
	if t.infoSize == 0 {
		t.infoReason = "metadata size not known yet"
		return errors.New("unknown size")
	}

	var peers []*peer.Peer
	if p == nil {
		peers = metadataPeers(t, 8)
	} else if p.CanMetadata() {
		peers = []*peer.Peer{p}
	}
	if len(peers) == 0 {
		t.infoReason = "no metadata-capable peer"
		return nil
	}
	t.infoReason = ""

	now := time.Now()
	cn := t.rand.Perm(len(t.infoRequested))
	sort.Slice(cn, func(i, j int) bool {
		if !t.infoBitmap.Get(cn[i]) && t.infoBitmap.Get(cn[j]) {
			return true
		}
		if t.infoBitmap.Get(cn[i]) && !t.infoBitmap.Get(cn[j]) {
			return false
		}
		return t.infoRequested[cn[i]] < t.infoRequested[cn[j]]
	})

	j := 0
	for _, p := range peers {
		for j < len(cn) && (t.infoBitmap.Get(cn[j]) ||
			t.infoFlight[cn[j]].peer != 0) {
			j++
		}
		if j >= len(cn) {
			return nil
		}

		err := maybeWritePeer(p, peer.PeerGetMetadata{uint32(cn[j])})
		if err == nil {
			t.infoRequested[cn[j]]++
			t.infoFlight[cn[j]] = metaFlight{p.Counter, now}
			j++
		}
	}
	return nil
}

// expireMetadata drops requests that have been in flight for longer
// than the request timeout.  It returns true if anything expired.
func expireMetadata(t *Torrent) bool {
	if t.infoComplete != 0 || t.infoSize == 0 {
		return false
	}
	expired := false
	now := time.Now()
	for i := range t.infoFlight {
		if t.infoFlight[i].peer == 0 {
			continue
		}
		if now.Sub(t.infoFlight[i].time) > config.MetadataTimeout {
			t.infoFlight[i] = metaFlight{}
			expired = true
		}
	}
	return expired
}

// metadataReject handles a peer's explicit refusal to serve a piece.
func metadataReject(t *Torrent, p *peer.Peer, index uint32) {
	if t.infoComplete != 0 || t.infoSize == 0 {
		return
	}
	if int(index) >= len(t.infoFlight) {
		return
	}
	if t.infoFlight[index].peer == p.Counter {
		t.infoFlight[index] = metaFlight{}
	}
}

// metadataPeerGone releases any requests held by a departing peer.
func metadataPeerGone(t *Torrent, p *peer.Peer) {
	if t.infoComplete != 0 || t.infoSize == 0 {
		return
	}
	for i := range t.infoFlight {
		if t.infoFlight[i].peer == p.Counter {
			t.infoFlight[i] = metaFlight{}
		}
	}
}

// gotMetadata accepts a metadata piece.  When the last piece arrives,
// the buffer is verified against the info-hash; on mismatch it returns
// the counters of all contributing peers so that the caller can
// blacklist them.  The confirmed size survives a failed attempt.
func gotMetadata(t *Torrent, p *peer.Peer, index, size uint32, data []byte) (bool, []uint32, error) {
	if t.infoComplete != 0 {
		return false, nil, nil
	}
	if size != t.infoSize || size != uint32(len(t.Info)) {
		return false, nil, ErrMetadataConflict
	}
	chunks := len(t.infoRequested)
	if int(index) >= chunks {
		return false, nil, errors.New("piece beyond end of metadata")
	}
	if len(data) != int(config.ChunkSize) &&
		int(index)*int(config.ChunkSize)+len(data) != len(t.Info) {
		return false, nil, errors.New("inconsistent metadata length")
	}
	if t.infoFlight[index].peer == p.Counter {
		t.infoFlight[index] = metaFlight{}
	}
	if t.infoBitmap.Get(int(index)) {
		return false, nil, nil
	}
	copy(t.Info[index*config.ChunkSize:], data)
	t.infoBitmap.Set(int(index))
	t.infoPeers[index] = p.Counter

	for i := 0; i < chunks; i++ {
		if !t.infoBitmap.Get(i) {
			return false, nil, nil
		}
	}

	h := hash.Sum(t.Info)
	if !h.Equal(t.Hash) {
		peers := contributors(t.infoPeers)
		size := t.infoSize
		t.Info = nil
		t.infoBitmap = nil
		t.infoRequested = nil
		t.infoFlight = nil
		t.infoPeers = nil
		// the confirmed size survives, only the data is dropped
		resizeMetadata(t, size)
		return false, peers, errors.New("metadata hash mismatch")
	}
	err := t.Complete()
	if err != nil {
		t.Info = nil
		t.infoBitmap = nil
		t.infoRequested = nil
		t.infoFlight = nil
		t.infoPeers = nil
		return false, nil, err
	}
	t.infoBitmap = nil
	t.infoRequested = nil
	t.infoFlight = nil
	t.infoPeers = nil
	return true, nil, nil
}

func contributors(peers []uint32) []uint32 {
	var cs []uint32
	for _, p := range peers {
		if p == 0 {
			continue
		}
		found := false
		for _, c := range cs {
			if c == p {
				found = true
				break
			}
		}
		if !found {
			cs = append(cs, p)
		}
	}
	return cs
}
