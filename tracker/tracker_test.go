package tracker

import (
	"net"
	nurl "net/url"
	"testing"
)

func TestNew(t *testing.T) {
	if _, ok := New("http://example.com/announce").(*HTTP); !ok {
		t.Errorf("http URL didn't yield an HTTP tracker")
	}
	if _, ok := New("https://example.com/announce").(*HTTP); !ok {
		t.Errorf("https URL didn't yield an HTTP tracker")
	}
	if _, ok := New("udp://example.com:6969").(*UDP); !ok {
		t.Errorf("udp URL didn't yield a UDP tracker")
	}
	tr := New("wss://example.com/announce")
	if _, ok := tr.(*Unknown); !ok {
		t.Errorf("wss URL didn't yield an unknown tracker")
	}
	state, _ := tr.GetState()
	if state != Disabled {
		t.Errorf("unknown tracker in state %v", state)
	}
}

func TestCompactPeers(t *testing.T) {
	data := []byte{
		192, 0, 2, 1, 0x1A, 0xE1,
		192, 0, 2, 2, 0x00, 0x50,
	}
	type peer struct {
		ip   string
		port int
	}
	var got []peer
	compactPeers(data, net.IPv4len, func(ip net.IP, port int) bool {
		got = append(got, peer{ip.String(), port})
		return true
	})
	want := []peer{{"192.0.2.1", 6881}, {"192.0.2.2", 80}}
	if len(got) != len(want) {
		t.Fatalf("got %v peers, expected %v", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("peer %v: got %v, expected %v",
				i, got[i], want[i])
		}
	}
}

func TestAnnounceURL(t *testing.T) {
	tracker := &HTTP{base: base{url: "http://example.com/announce"}}
	hash := make([]byte, 20)
	myid := make([]byte, 20)
	s, err := announceURL(tracker, hash, myid, 50, 0, 6881, 6882)
	if err != nil {
		t.Fatal(err)
	}
	url, err := nurl.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	q := url.Query()
	if q.Get("port") != "6882" {
		t.Errorf("got port %v, expected the IPv6 port", q.Get("port"))
	}
	if q.Get("numwant") != "50" || q.Get("compact") != "1" {
		t.Errorf("bad query %v", url.RawQuery)
	}
	if len(q.Get("info_hash")) != 20 {
		t.Errorf("bad info_hash %v", q.Get("info_hash"))
	}
}
