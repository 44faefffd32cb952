package tor

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/zeebo/bencode"

	"github.com/mtorrent/mtorrent/config"
	"github.com/mtorrent/mtorrent/hash"
	"github.com/mtorrent/mtorrent/peer"
)

// testInfo builds a valid single-file info dictionary, padded with a
// long name so that it spans multiple metadata pieces.
func testInfo(tb testing.TB, pad int) []byte {
	info := BInfo{
		Name:        strings.Repeat("x", pad),
		PieceLength: config.ChunkSize,
		Length:      5,
		Pieces:      make([]byte, 20),
	}
	data, err := bencode.EncodeBytes(info)
	if err != nil {
		tb.Fatal(err)
	}
	return data
}

func newTestTorrent(tb testing.TB, info []byte) *Torrent {
	t, err := New("", hash.Sum(info), "", nil, 0, nil)
	if err != nil {
		tb.Fatal(err)
	}
	t.rand = rand.New(rand.NewSource(42))
	return t
}

func metadataPiece(info []byte, index uint32) []byte {
	begin := int(index) * int(config.ChunkSize)
	end := begin + int(config.ChunkSize)
	if end > len(info) {
		end = len(info)
	}
	return info[begin:end]
}

func TestMetadataSize(t *testing.T) {
	info := testInfo(t, 40000)
	tor := newTestTorrent(t, info)

	err := metadataSize(tor, 0)
	if err == nil {
		t.Errorf("zero size accepted")
	}
	err = metadataSize(tor, config.MaxMetadataSize+1)
	if err == nil {
		t.Errorf("huge size accepted")
	}
	if tor.infoSize != 0 {
		t.Errorf("size confirmed from bad value: %v", tor.infoSize)
	}

	size := uint32(len(info))
	err = metadataSize(tor, size)
	if err != nil {
		t.Fatalf("metadataSize: %v", err)
	}
	if tor.infoSize != size || uint32(len(tor.Info)) != size {
		t.Errorf("got size %v, buffer %v, expected %v",
			tor.infoSize, len(tor.Info), size)
	}
	chunks := int((size + config.ChunkSize - 1) / config.ChunkSize)
	if len(tor.infoRequested) != chunks ||
		len(tor.infoFlight) != chunks ||
		len(tor.infoPeers) != chunks {
		t.Errorf("bad tracking length %v %v %v, expected %v",
			len(tor.infoRequested), len(tor.infoFlight),
			len(tor.infoPeers), chunks)
	}

	err = metadataSize(tor, size)
	if err != nil {
		t.Errorf("agreeing size rejected: %v", err)
	}

	err = metadataSize(tor, size+1)
	if !errors.Is(err, ErrMetadataConflict) {
		t.Errorf("got %v, expected ErrMetadataConflict", err)
	}
	if tor.infoSize != size {
		t.Errorf("confirmed size changed to %v", tor.infoSize)
	}
}

func TestMetadataExchange(t *testing.T) {
	info := testInfo(t, 40000)
	tor := newTestTorrent(t, info)
	size := uint32(len(info))

	err := metadataSize(tor, size)
	if err != nil {
		t.Fatalf("metadataSize: %v", err)
	}

	// pieces arrive out of order, each from a different peer
	order := []uint32{2, 0, 1}
	for i, index := range order {
		p := &peer.Peer{Counter: uint32(index) + 1}
		done, bad, err := gotMetadata(tor, p, index, size,
			metadataPiece(info, index))
		if err != nil {
			t.Fatalf("gotMetadata(%v): %v", index, err)
		}
		if bad != nil {
			t.Errorf("gotMetadata(%v): bad peers %v", index, bad)
		}
		if done != (i == len(order)-1) {
			t.Errorf("gotMetadata(%v): done %v", index, done)
		}
	}

	if !tor.InfoComplete() {
		t.Errorf("metadata not complete")
	}
	if tor.Name != strings.Repeat("x", 40000) {
		t.Errorf("bad name %v", len(tor.Name))
	}
	if tor.infoBitmap != nil || tor.infoFlight != nil ||
		tor.infoPeers != nil {
		t.Errorf("tracking state not released")
	}
}

func TestMetadataMismatch(t *testing.T) {
	info := testInfo(t, 40000)
	tor := newTestTorrent(t, info)
	size := uint32(len(info))

	err := metadataSize(tor, size)
	if err != nil {
		t.Fatalf("metadataSize: %v", err)
	}

	corrupt := append([]byte(nil), info...)
	corrupt[int(config.ChunkSize)+7] ^= 0x40

	var done bool
	var bad []uint32
	for index := uint32(0); index < 3; index++ {
		p := &peer.Peer{Counter: index + 1}
		done, bad, err = gotMetadata(tor, p, index, size,
			metadataPiece(corrupt, index))
	}
	if done || err == nil {
		t.Fatalf("corrupt metadata accepted")
	}
	if len(bad) != 3 {
		t.Errorf("got %v contributors, expected 3", bad)
	}

	// the confirmed size survives, a fresh attempt succeeds
	if tor.infoSize != size || uint32(len(tor.Info)) != size {
		t.Errorf("size not retained: %v, buffer %v",
			tor.infoSize, len(tor.Info))
	}
	if tor.infoBitmap.Get(0) {
		t.Errorf("stale piece retained")
	}

	for index := uint32(0); index < 3; index++ {
		p := &peer.Peer{Counter: 10 + index}
		done, bad, err = gotMetadata(tor, p, index, size,
			metadataPiece(info, index))
		if err != nil {
			t.Fatalf("retry gotMetadata(%v): %v", index, err)
		}
	}
	if !done || !tor.InfoComplete() {
		t.Errorf("retry didn't complete")
	}
}

func TestMetadataDuplicate(t *testing.T) {
	info := testInfo(t, 40000)
	tor := newTestTorrent(t, info)
	size := uint32(len(info))

	err := metadataSize(tor, size)
	if err != nil {
		t.Fatalf("metadataSize: %v", err)
	}

	done, bad, err := gotMetadata(tor, &peer.Peer{Counter: 1}, 0, size,
		metadataPiece(info, 0))
	if done || bad != nil || err != nil {
		t.Fatalf("gotMetadata: %v %v %v", done, bad, err)
	}
	done, bad, err = gotMetadata(tor, &peer.Peer{Counter: 2}, 0, size,
		metadataPiece(info, 0))
	if done || bad != nil || err != nil {
		t.Errorf("duplicate: %v %v %v", done, bad, err)
	}
	if tor.infoPeers[0] != 1 {
		t.Errorf("contributor overwritten: %v", tor.infoPeers[0])
	}
}

func TestMetadataBadPiece(t *testing.T) {
	info := testInfo(t, 40000)
	tor := newTestTorrent(t, info)
	size := uint32(len(info))

	err := metadataSize(tor, size)
	if err != nil {
		t.Fatalf("metadataSize: %v", err)
	}

	p := &peer.Peer{Counter: 1}
	_, _, err = gotMetadata(tor, p, 0, size+1, metadataPiece(info, 0))
	if !errors.Is(err, ErrMetadataConflict) {
		t.Errorf("wrong size: got %v", err)
	}
	_, _, err = gotMetadata(tor, p, 5, size, metadataPiece(info, 2))
	if err == nil {
		t.Errorf("piece beyond end accepted")
	}
	_, _, err = gotMetadata(tor, p, 0, size, info[:100])
	if err == nil {
		t.Errorf("short piece accepted")
	}
}

func TestExpireMetadata(t *testing.T) {
	info := testInfo(t, 40000)
	tor := newTestTorrent(t, info)

	err := metadataSize(tor, uint32(len(info)))
	if err != nil {
		t.Fatalf("metadataSize: %v", err)
	}

	now := time.Now()
	tor.infoFlight[0] =
		metaFlight{7, now.Add(-config.MetadataTimeout - time.Second)}
	tor.infoFlight[1] = metaFlight{8, now}

	if !expireMetadata(tor) {
		t.Errorf("nothing expired")
	}
	if tor.infoFlight[0].peer != 0 {
		t.Errorf("stale request not expired")
	}
	if tor.infoFlight[1].peer != 8 {
		t.Errorf("live request expired")
	}
	if expireMetadata(tor) {
		t.Errorf("expired twice")
	}
}

func TestMetadataPeerGone(t *testing.T) {
	info := testInfo(t, 40000)
	tor := newTestTorrent(t, info)

	err := metadataSize(tor, uint32(len(info)))
	if err != nil {
		t.Fatalf("metadataSize: %v", err)
	}

	now := time.Now()
	tor.infoFlight[0] = metaFlight{7, now}
	tor.infoFlight[1] = metaFlight{8, now}
	tor.infoFlight[2] = metaFlight{7, now}

	metadataReject(tor, &peer.Peer{Counter: 8}, 0)
	if tor.infoFlight[0].peer != 7 {
		t.Errorf("reject cleared another peer's request")
	}
	metadataReject(tor, &peer.Peer{Counter: 8}, 1)
	if tor.infoFlight[1].peer != 0 {
		t.Errorf("reject didn't clear the request")
	}

	metadataPeerGone(tor, &peer.Peer{Counter: 7})
	if tor.infoFlight[0].peer != 0 || tor.infoFlight[2].peer != 0 {
		t.Errorf("departing peer's requests not released")
	}
}

func TestRequestMetadataReason(t *testing.T) {
	info := testInfo(t, 40000)
	tor := newTestTorrent(t, info)

	err := requestMetadata(tor, nil)
	if err == nil {
		t.Errorf("request succeeded without a size")
	}
	if tor.infoReason != "metadata size not known yet" {
		t.Errorf("bad reason %#v", tor.infoReason)
	}

	err = metadataSize(tor, uint32(len(info)))
	if err != nil {
		t.Fatalf("metadataSize: %v", err)
	}
	err = requestMetadata(tor, nil)
	if err != nil {
		t.Errorf("requestMetadata: %v", err)
	}
	if tor.infoReason != "no metadata-capable peer" {
		t.Errorf("bad reason %#v", tor.infoReason)
	}
}

func TestPickPeers(t *testing.T) {
	info := testInfo(t, 40000)
	tor := newTestTorrent(t, info)
	for i := uint32(1); i <= 8; i++ {
		tor.peers = append(tor.peers, &peer.Peer{Counter: i})
	}
	all := func(p *peer.Peer) bool { return true }

	varied := false
	for i := 0; i < 20; i++ {
		peers := pickPeers(tor, 4, all)
		if len(peers) != 4 {
			t.Fatalf("got %v peers, expected 4", len(peers))
		}
		seen := make(map[uint32]bool)
		for _, p := range peers {
			if seen[p.Counter] {
				t.Fatalf("peer %v picked twice", p.Counter)
			}
			seen[p.Counter] = true
		}
		if peers[0].Counter != tor.peers[0].Counter {
			varied = true
		}
	}
	// a permutation should not always start with the first peer
	if !varied {
		t.Errorf("selection always starts with the first peer")
	}

	even := func(p *peer.Peer) bool { return p.Counter%2 == 0 }
	for i := 0; i < 20; i++ {
		for _, p := range pickPeers(tor, 8, even) {
			if p.Counter%2 != 0 {
				t.Fatalf("peer %v doesn't satisfy "+
					"the predicate", p.Counter)
			}
		}
	}

	none := func(p *peer.Peer) bool { return false }
	if ps := pickPeers(tor, 4, none); ps != nil {
		t.Errorf("got %v from an empty selection", ps)
	}
}

func TestContributors(t *testing.T) {
	cs := contributors([]uint32{0, 3, 3, 1, 0, 3})
	if len(cs) != 2 || cs[0] != 3 || cs[1] != 1 {
		t.Errorf("got %v, expected [3 1]", cs)
	}
	if contributors(nil) != nil {
		t.Errorf("got contributors from nothing")
	}
}
