package protocol

import (
	"bufio"
	"bytes"
	crand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"reflect"
	"sync"
	"testing"

	"github.com/mtorrent/mtorrent/hash"
	"github.com/mtorrent/mtorrent/pex"
)

type mtest struct {
	m Message
	v string
}

func randomHash() hash.Hash {
	h := make([]byte, 20)
	crand.Read(h)
	return h
}

func TestHandshake(t *testing.T) {
	h := randomHash()
	sid := randomHash()
	cid := randomHash()
	served := []Served{{h, sid}}
	c, s := net.Pipe()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		result, _, err := ServerHandshake(s, served)
		if err != nil {
			t.Errorf("ServerHandshake: %v", err)
			s.Close()
			return
		}
		if !result.Hash.Equal(h) || !result.Id.Equal(cid) {
			t.Errorf("ServerHandshake: bad result %v", result)
		}
		if !result.Extended {
			t.Errorf("ServerHandshake: extension bit not seen")
		}
		s.Close()
	}()
	result, _, err := ClientHandshake(c, h, cid)
	if err != nil {
		c.Close()
		t.Fatalf("ClientHandshake: %v", err)
	}
	if !result.Hash.Equal(h) || !result.Id.Equal(sid) {
		t.Errorf("ClientHandshake: bad result %v", result)
	}
	c.Close()
	wg.Wait()
}

func TestHandshakeUnknown(t *testing.T) {
	served := []Served{{randomHash(), randomHash()}}
	c, s := net.Pipe()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, err := ServerHandshake(s, served)
		if !errors.Is(err, ErrUnknownTorrent) {
			t.Errorf("ServerHandshake: got %v", err)
		}
		s.Close()
	}()
	_, _, err := ClientHandshake(c, randomHash(), randomHash())
	if err == nil {
		t.Errorf("ClientHandshake succeeded against unknown torrent")
	}
	c.Close()
	wg.Wait()
}

func TestHandshakeBadHeader(t *testing.T) {
	c, s := net.Pipe()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, err := ServerHandshake(s, []Served{})
		if !errors.Is(err, ErrBadHandshake) {
			t.Errorf("ServerHandshake: got %v", err)
		}
		s.Close()
	}()
	c.Write([]byte("\x13BitTorrent platypus forty-one bytes  here"))
	c.Close()
	wg.Wait()
}

var messages = []mtest{
	{KeepAlive{}, "\x00\x00\x00\x00"},
	{Choke{}, "\x00\x00\x00\x01\x00"},
	{Unchoke{}, ""},
	{Interested{}, ""},
	{NotInterested{}, ""},
	{Have{42}, ""},
	{Bitfield{[]byte{0xFF, 0xFE, 0x10}},
		"\x00\x00\x00\x04\x05\xff\xfe\x10"},
	{Request{42, 32768, 16384}, ""},
	{Piece{42, 32768, make([]byte, 16384)}, ""},
	{Cancel{42, 32768, 16384}, ""},
	{Port{1234}, "\x00\x00\x00\x03\t\x04\xd2"},
	{SuggestPiece{42}, ""},
	{RejectRequest{42, 32768, 16384}, ""},
	{AllowedFast{42}, ""},
	{HaveAll{}, ""},
	{HaveNone{}, ""},
	{Extended0{
		Version:      "toto",
		Port:         1234,
		ReqQ:         256,
		IPv4:         net.ParseIP("1.2.3.4").To4(),
		IPv6:         net.ParseIP("2001::1"),
		MetadataSize: 1024,
		Messages:     map[string]uint8{"ut_metadata": ExtMetadata},
	}, ""},
	{ExtendedMetadata{ExtMetadata, MetadataRequest, 2, 0, nil},
		"\x00\x00\x00\x1b\x14\x02" +
			"d8:msg_typei0e5:piecei2ee"},
	{ExtendedMetadata{ExtMetadata, MetadataData, 0, 3, []byte("abc")},
		"\x00\x00\x00\x2e\x14\x02" +
			"d8:msg_typei1e5:piecei0e10:total_sizei3ee" +
			"abc"},
	{ExtendedMetadata{ExtMetadata, MetadataReject, 7, 0, nil}, ""},
	{ExtendedMetadata{ExtMetadata, MetadataData, 1, 64 * 1024,
		make([]byte, 16384)}, ""},
	{ExtendedPex{ExtPex, []pex.Peer{
		{IP: net.ParseIP("1.2.3.4").To4(), Port: 1234,
			Flags: pex.Encrypt | pex.Outgoing},
		{IP: net.ParseIP("2001::1"), Port: 5678,
			Flags: pex.UploadOnly}},
		nil}, "\x00\x00\x00I\x14\x01" +
		"d5:added6:\x01\x02\x03\x04\x04\xd2" +
		"7:added.f1:\x11" +
		"6:added618:\x20\x01\x00\x00\x00\x00\x00\x00" +
		"\x00\x00\x00\x00\x00\x00\x00\x01\x16." +
		"8:added6.f1:\x02e",
	},
	{ExtendedPex{ExtPex, nil, []pex.Peer{
		{IP: net.ParseIP("1.2.3.4").To4(), Port: 1234},
		{IP: net.ParseIP("5.6.7.8").To4(), Port: 4321},
		{IP: net.ParseIP("2001::1"), Port: 5678},
		{IP: net.ParseIP("2001::2"), Port: 2345}}}, ""},
	{ExtendedDontHave{ExtDontHave, 1}, ""},
}

func TestWriter(t *testing.T) {
	for _, m := range messages {
		t.Run(fmt.Sprintf("%T", m.m), func(t *testing.T) {
			p1, p2 := net.Pipe()
			w := bufio.NewWriter(p1)
			b := make([]byte, 32*1024)
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				n := 0
				for n < len(b) {
					m, _ := p2.Read(b[n:])
					if m == 0 {
						break
					}
					n += m
				}
				b = b[:n]
				p2.Close()
			}()
			err := Write(w, m.m, log.New(io.Discard, "", 0))
			if err != nil {
				t.Error(err)
			}
			err = w.Flush()
			if err != nil {
				t.Error(err)
			}
			p1.Close()
			wg.Wait()
			if m.v != "" {
				if string(b) != m.v {
					t.Errorf("Got %#v, expected %#v",
						string(b), m.v)
				}
			}
		})
	}
}

func TestReader(t *testing.T) {
	for _, m := range messages {
		if m.v == "" {
			continue
		}
		t.Run(fmt.Sprintf("%T", m.m), func(t *testing.T) {
			r := bufio.NewReader(bytes.NewReader([]byte(m.v)))
			mm, err := Read(r, nil)
			if err != nil {
				t.Fatal(err)
				return
			}
			n, err := r.Read(make([]byte, 32))
			if n != 0 || err != io.EOF {
				t.Errorf("%v bytes remaining (%v)", n, m.v)
			}
			if !reflect.DeepEqual(mm, m.m) {
				t.Errorf("Got %#v, expected %#v", mm, m.m)
			}
		})
	}
}

func TestReadTruncatedMetadata(t *testing.T) {
	// msg_type present, piece missing
	v := "\x00\x00\x00\x11\x14\x02d8:msg_typei0ee"
	r := bufio.NewReader(bytes.NewReader([]byte(v)))
	_, err := Read(r, nil)
	if err == nil {
		t.Errorf("accepted ut_metadata message without piece")
	}
}

func getLogger() *log.Logger {
	if testing.Verbose() {
		return log.New(os.Stdout, "", log.LstdFlags)
	}
	return nil
}

func TestRoundtrip(t *testing.T) {
	r, w := net.Pipe()
	reader := make(chan Message, 1024)
	readerDone := make(chan struct{})
	logger := getLogger()
	go Reader(r, nil, logger, reader, readerDone)
	writer := make(chan Message, 1024)
	writerDone := make(chan struct{})
	go Writer(w, logger, writer, writerDone)
	for _, m := range messages {
		select {
		case writer <- m.m:
		case <-writerDone:
			t.Fatal("Writer quit prematurely")
		}
		mm := <-reader
		if !reflect.DeepEqual(m.m, mm) {
			var e string
			me, ok := mm.(Error)
			if ok {
				e = fmt.Sprintf(" (%v)", me.Error)
			}
			t.Errorf("Got %#v%v, expected %#v", mm, e, m.m)
		}
	}
	r.Close()
	close(readerDone)
	mm, ok := <-reader
	if ok {
		_, ok := mm.(Error)
		if !ok {
			t.Errorf("Got %v, expected EOF", mm)
		}
	}
	close(writer)
}

func benchmarkMessage(m Message, bytes int64, b *testing.B) {
	if bytes > 0 {
		b.SetBytes(bytes)
	}
	r, w := net.Pipe()
	reader := make(chan Message, 1024)
	readerDone := make(chan struct{})
	logger := getLogger()
	go Reader(r, nil, logger, reader, readerDone)
	writer := make(chan Message, 1024)
	writerDone := make(chan struct{})
	go Writer(w, logger, writer, writerDone)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		select {
		case writer <- m:
		case <-writerDone:
			b.Errorf("Writer quit prematurely")
		}
		_, ok := <-reader
		if !ok {
			b.Errorf("Reader quit prematurely")
		}
	}
	r.Close()
	close(readerDone)
	close(writer)
}

func BenchmarkRequest(b *testing.B) {
	benchmarkMessage(Request{42, 32768, 16384}, 0, b)
}

func BenchmarkData(b *testing.B) {
	benchmarkMessage(Piece{42, 32768, make([]byte, 16384)}, 16384, b)
}
