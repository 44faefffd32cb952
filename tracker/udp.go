package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"net"
	nurl "net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// UDP represents a tracker speaking the protocol defined in BEP-15.
type UDP struct {
	base
}

const (
	udpMagic       = 0x41727101980
	actionConnect  = 0
	actionAnnounce = 1
	actionError    = 3
)

type udpConnect struct {
	Magic  uint64
	Action uint32
	Tid    uint32
}

type udpAnnounce struct {
	Cid        uint64
	Action     uint32
	Tid        uint32
	Hash       [20]byte
	Id         [20]byte
	Downloaded uint64
	Left       int64
	Uploaded   uint64
	Event      uint32
	IP         uint32
	Key        uint32
	NumWant    int32
	Port       uint16
}

type udpAnnounceReply struct {
	Interval uint32
	Leechers uint32
	Seeders  uint32
}

// Announce performs a UDP announce over IPv4 and IPv6 in parallel.
func (tracker *UDP) Announce(ctx context.Context, hash []byte, myid []byte,
	want int, size int64, port4, port6 int, proxy string,
	f func(net.IP, int) bool) error {
	if !tracker.tryLock() {
		return ErrNotReady
	}
	defer tracker.unlock()

	if !tracker.ready() {
		return ErrNotReady
	}

	url, err := nurl.Parse(tracker.url)
	if err != nil {
		tracker.updateInterval(0, err)
		return err
	}

	tracker.time = time.Now()

	var i4, i6 time.Duration
	var e4, e6 error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		i4, e4 = announceUDP(ctx, "udp4", f,
			url, hash, myid, want, size, port4, proxy)
	}()
	go func() {
		defer wg.Done()
		i6, e6 = announceUDP(ctx, "udp6", f,
			url, hash, myid, want, size, port6, proxy)
	}()
	wg.Wait()

	if e4 != nil && e6 != nil {
		err = e4
	}
	interval := max(i4, i6)

	tracker.updateInterval(interval, err)
	return err
}

func announceUDP(ctx context.Context, prot string,
	f func(ip net.IP, port int) bool, url *nurl.URL, hash, myid []byte,
	want int, size int64, port int, prox string) (time.Duration, error) {

	conn, err := dialUDP(ctx, prot, url, prox)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	connect := udpConnect{
		Magic:  udpMagic,
		Action: actionConnect,
		Tid:    rand.Uint32(),
	}
	w := new(bytes.Buffer)
	binary.Write(w, binary.BigEndian, &connect)

	r, err := udpExchange(ctx, conn, w.Bytes(), 16,
		actionConnect, connect.Tid)
	if err != nil {
		return 0, err
	}
	var cid uint64
	err = binary.Read(r, binary.BigEndian, &cid)
	if err != nil {
		return 0, err
	}

	announce := udpAnnounce{
		Cid:        cid,
		Action:     actionAnnounce,
		Tid:        rand.Uint32(),
		Downloaded: uint64(size / 2),
		Left:       size / 2,
		Uploaded:   uint64(2 * size),
		NumWant:    int32(want),
		Port:       uint16(port),
	}
	copy(announce.Hash[:], hash)
	copy(announce.Id[:], myid)
	w = new(bytes.Buffer)
	binary.Write(w, binary.BigEndian, &announce)

	r, err = udpExchange(ctx, conn, w.Bytes(), 20,
		actionAnnounce, announce.Tid)
	if err != nil {
		return 0, err
	}

	var reply udpAnnounceReply
	err = binary.Read(r, binary.BigEndian, &reply)
	if err != nil {
		return 0, err
	}
	interval := time.Duration(reply.Interval) * time.Second

	ilen := net.IPv4len
	if prot == "udp6" {
		ilen = net.IPv6len
	}
	buf := make([]byte, ilen+2)
	for {
		_, err = io.ReadFull(r, buf)
		if err != nil {
			break
		}
		ip := net.IP(make([]byte, ilen))
		copy(ip, buf)
		f(ip, 256*int(buf[ilen])+int(buf[ilen+1]))
	}
	if err == io.EOF {
		err = nil
	}

	return interval, err
}

func dialUDP(ctx context.Context, prot string, url *nurl.URL,
	prox string) (net.Conn, error) {
	addr := net.JoinHostPort(url.Hostname(), url.Port())
	if prox == "" {
		var dialer net.Dialer
		return dialer.DialContext(ctx, prot, addr)
	}
	u, err := url.Parse(prox)
	if err != nil {
		return nil, err
	}
	dialer, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, err
	}
	return dialer.Dial(prot, addr)
}

// udpExchange sends a request and waits for a matching reply, resending
// with exponential backoff up to four times.  Replies with a foreign
// transaction id are dropped; an error reply becomes an error.
func udpExchange(ctx context.Context, conn net.Conn, request []byte,
	min int, action uint32, tid uint32) (*bytes.Reader, error) {
	err := errors.New("no reply")
	timeout := 5 * time.Second
	for i := 0; i < 4; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		err = conn.SetDeadline(time.Now().Add(timeout))
		if err != nil {
			return nil, err
		}
		timeout *= 2

		_, err = conn.Write(request)
		if err != nil {
			continue
		}

		buf := make([]byte, 4096)
		var n int
		n, err = conn.Read(buf)
		if err == nil && n < min {
			err = ErrParse
		}
		if err != nil {
			continue
		}

		r := bytes.NewReader(buf[:n])
		var a, t uint32
		err = binary.Read(r, binary.BigEndian, &a)
		if err != nil {
			continue
		}
		err = binary.Read(r, binary.BigEndian, &t)
		if err != nil {
			continue
		}
		if t != tid {
			continue
		}

		if a == actionError {
			message, err := io.ReadAll(r)
			if err != nil {
				return nil, err
			}
			return nil, errors.New(string(message))
		}
		if a != action {
			return nil, errors.New("action mismatch")
		}
		return r, nil
	}
	return nil, err
}
