package tor

import (
	"testing"

	"github.com/mtorrent/mtorrent/config"
	"github.com/mtorrent/mtorrent/hash"
)

func TestReadMagnet(t *testing.T) {
	h := "c6b1a459d2dae27d9e91c4f495f549b1c6b6f8e3"

	tor, err := ReadMagnet("", h)
	if err != nil || tor == nil {
		t.Fatalf("bare hash: %v %v", tor, err)
	}
	if tor.Hash.String() != h {
		t.Errorf("got %v, expected %v", tor.Hash, h)
	}

	tor, err = ReadMagnet("",
		"magnet:?xt=urn:btih:"+h+"&dn=foo"+
			"&tr=http%3A%2F%2Fexample.com%2Fannounce"+
			"&tr=udp%3A%2F%2Fexample.org%3A6969")
	if err != nil || tor == nil {
		t.Fatalf("magnet: %v %v", tor, err)
	}
	if tor.Hash.String() != h {
		t.Errorf("got %v, expected %v", tor.Hash, h)
	}
	if tor.Name != "foo" {
		t.Errorf("got name %v, expected foo", tor.Name)
	}
	if len(tor.trackers) != 2 {
		t.Errorf("got %v trackers, expected 2", len(tor.trackers))
	}

	tor, err = ReadMagnet("", "magnet:?dn=foo")
	if err == nil {
		t.Errorf("magnet without btih accepted: %v", tor)
	}

	tor, err = ReadMagnet("", "http://example.com/foo.torrent")
	if tor != nil || err != nil {
		t.Errorf("URL parsed as magnet: %v %v", tor, err)
	}
}

func TestReadMagnetDefaultTrackers(t *testing.T) {
	defer func(old []string) { config.DefaultTrackers = old }(
		config.DefaultTrackers)
	config.DefaultTrackers = []string{"http://example.com/announce"}

	h := "c6b1a459d2dae27d9e91c4f495f549b1c6b6f8e3"
	tor, err := ReadMagnet("", "magnet:?xt=urn:btih:"+h)
	if err != nil || tor == nil {
		t.Fatalf("ReadMagnet: %v %v", tor, err)
	}
	if len(tor.trackers) != 1 {
		t.Errorf("got %v trackers, expected 1", len(tor.trackers))
	}

	tor, err = ReadMagnet("",
		"magnet:?xt=urn:btih:"+h+
			"&tr=udp%3A%2F%2Fexample.org%3A6969")
	if err != nil || tor == nil {
		t.Fatalf("ReadMagnet: %v %v", tor, err)
	}
	if len(tor.trackers) != 1 ||
		tor.trackers[0][0].URL() != "udp://example.org:6969" {
		t.Errorf("explicit trackers overridden: %v", tor.trackers)
	}
}

func TestComplete(t *testing.T) {
	info := testInfo(t, 100)
	tor := newTestTorrent(t, info)
	tor.Info = info

	err := tor.Complete()
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !tor.InfoComplete() {
		t.Errorf("not complete")
	}
	if tor.Pieces.Num() != 1 || tor.Pieces.Length() != 5 {
		t.Errorf("got %v pieces, length %v",
			tor.Pieces.Num(), tor.Pieces.Length())
	}
	if tor.Files != nil {
		t.Errorf("single-file torrent has files: %v", tor.Files)
	}
	if len(tor.PieceHashes) != 1 {
		t.Errorf("got %v piece hashes", len(tor.PieceHashes))
	}
}

func TestCompleteBad(t *testing.T) {
	bad := []string{
		// pieces has an odd size
		"d6:lengthi5e4:name1:a12:piece lengthi16384e6:pieces3:abce",
		// odd sized piece
		"d6:lengthi5e4:name1:a12:piece lengthi1000e6:pieces20:" +
			"aaaaaaaaaaaaaaaaaaaae",
		// no name
		"d6:lengthi5e12:piece lengthi16384e6:pieces20:" +
			"aaaaaaaaaaaaaaaaaaaae",
	}
	for _, info := range bad {
		tor, err := New("", hash.Sum([]byte(info)), "",
			[]byte(info), 0, nil)
		if err != nil {
			t.Fatal(err)
		}
		err = tor.Complete()
		if err == nil {
			t.Errorf("%v: accepted", info)
		}
	}
}
