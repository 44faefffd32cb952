package pex

import (
	"bytes"
	"net"
	"testing"
)

func TestParseV4(t *testing.T) {
	a := []byte("123456abcdef")
	f := []byte{1, 0x12}
	peers := ParseCompact(a, f, false)
	if len(peers) != 2 {
		t.Errorf("bad length %v", len(peers))
	}
	a4, f4, a6, f6 := FormatCompact(peers)
	if !bytes.Equal(a4, a) {
		t.Errorf("bad value")
	}
	if !bytes.Equal(f4, f) {
		t.Errorf("bad flags")
	}
	if len(a6) != 0 || len(f6) != 0 {
		t.Errorf("creation ex nihilo")
	}
}

func TestParseV6(t *testing.T) {
	a := []byte("123456789012345678abcdefghijklmnopqr")
	f := []byte{1, 2}
	peers := ParseCompact(a, f, true)
	if len(peers) != 2 {
		t.Errorf("bad length %v", len(peers))
	}
	a4, f4, a6, f6 := FormatCompact(peers)
	if !bytes.Equal(a6, a) {
		t.Errorf("bad value")
	}
	if !bytes.Equal(f6, f) {
		t.Errorf("bad flags")
	}
	if len(a4) != 0 || len(f4) != 0 {
		t.Errorf("creation ex nihilo")
	}
}

func TestParseBadLength(t *testing.T) {
	if ParseCompact([]byte("1234567"), nil, false) != nil {
		t.Errorf("parsed truncated v4 list")
	}
	if ParseCompact([]byte("12345678901234567"), nil, true) != nil {
		t.Errorf("parsed truncated v6 list")
	}
}

func TestFind(t *testing.T) {
	l := []Peer{
		{IP: net.IPv4(10, 0, 0, 1), Port: 6881},
		{IP: net.IPv4(10, 0, 0, 2), Port: 6882},
	}
	if i := Find(Peer{IP: net.IPv4(10, 0, 0, 2), Port: 6882}, l); i != 1 {
		t.Errorf("got %v, expected 1", i)
	}
	if i := Find(Peer{IP: net.IPv4(10, 0, 0, 2), Port: 6881}, l); i != -1 {
		t.Errorf("got %v, expected -1", i)
	}
}
