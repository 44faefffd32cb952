package known

import (
	"net"
	"testing"
	"time"

	"github.com/mtorrent/mtorrent/hash"
)

func id(b byte) hash.Hash {
	h := make([]byte, 20)
	for i := range h {
		h[i] = b
	}
	return h
}

func TestFind(t *testing.T) {
	peers := make(Peers)
	ip := net.ParseIP("203.0.113.7")

	if kp := Find(peers, ip, 6881, nil, "", None); kp != nil {
		t.Errorf("created entry with kind None")
	}

	kp := Find(peers, ip, 6881, id(1), "client/1.0", Tracker)
	if kp == nil {
		t.Fatal("no entry created")
	}
	if peers.Count() != 1 {
		t.Errorf("got %v entries", peers.Count())
	}
	if !kp.Recent() {
		t.Errorf("fresh entry not recent")
	}

	again := Find(peers, ip, 6881, id(1), "", DHT)
	if again != kp {
		t.Errorf("got a different entry for the same address")
	}
	if again.Id == nil || !again.Id.Equal(id(1)) {
		t.Errorf("id lost")
	}

	// conflicting id invalidates the stored one
	Find(peers, ip, 6881, id(2), "", PEX)
	if kp.Id != nil {
		t.Errorf("conflicting id kept")
	}
}

func TestFindBadPort(t *testing.T) {
	peers := make(Peers)
	ip := net.ParseIP("203.0.113.7")
	if Find(peers, ip, 0, nil, "", Tracker) != nil {
		t.Errorf("created entry for port 0")
	}
	if Find(peers, ip, 70000, nil, "", Tracker) != nil {
		t.Errorf("created entry for out of range port")
	}
}

func TestBackoff(t *testing.T) {
	peers := make(Peers)
	ip := net.ParseIP("203.0.113.7")
	kp := Find(peers, ip, 6881, nil, "", Heard)
	for i := 0; i < 3; i++ {
		kp.Update("", ConnectAttempt)
	}
	if kp.Attempts != 3 {
		t.Errorf("got %v attempts", kp.Attempts)
	}
	kp.Update("", Active)
	if kp.Attempts != 0 {
		t.Errorf("attempts not reset, got %v", kp.Attempts)
	}
}

func TestBadness(t *testing.T) {
	peers := make(Peers)
	ip := net.ParseIP("203.0.113.7")
	kp := Find(peers, ip, 6881, nil, "", Seen)

	for i := 0; i < 4; i++ {
		if kp.Bad() {
			t.Fatalf("bad after %v updates", i)
		}
		kp.Update("", Bad)
	}
	if !kp.Bad() {
		t.Errorf("not bad after 4 updates")
	}
	if kp.ReallyBad() {
		t.Errorf("really bad after 4 updates")
	}

	kp.Update("", Blacklist)
	if !kp.ReallyBad() {
		t.Errorf("not really bad after blacklisting")
	}

	// blacklisting survives one expiry round
	kp.BadTime = time.Now().Add(-20 * time.Minute)
	kp.SeenTime = time.Now()
	peers.Expire()
	if peers.Count() != 1 {
		t.Fatalf("entry expired")
	}
	if !kp.Bad() {
		t.Errorf("blacklisting forgiven too early")
	}
}

func TestExpire(t *testing.T) {
	peers := make(Peers)
	ip := net.ParseIP("203.0.113.7")
	kp := Find(peers, ip, 6881, nil, "", Heard)
	kp.HeardTime = time.Now().Add(-2 * time.Hour)
	peers.Expire()
	if peers.Count() != 0 {
		t.Errorf("stale entry not expired")
	}
}

func TestFindId(t *testing.T) {
	peers := make(Peers)
	ip := net.ParseIP("203.0.113.7")
	Find(peers, ip, 6881, id(3), "", Seen)
	if FindId(peers, id(3), ip, 6881) == nil {
		t.Errorf("not found by id")
	}
	if FindId(peers, id(3), ip, 0) == nil {
		t.Errorf("not found by id with wildcard port")
	}
	if FindId(peers, id(4), ip, 6881) != nil {
		t.Errorf("found wrong id")
	}
}
