package protocol

import (
	"bytes"
	"errors"
	"io"
	"net"
	"time"

	"github.com/mtorrent/mtorrent/config"
	"github.com/mtorrent/mtorrent/hash"
)

// HandshakeResult carries the facts established by the initial
// handshake.
type HandshakeResult struct {
	Hash, Id            hash.Hash
	Dht, Fast, Extended bool
}

// Served associates an info-hash we serve with the peer id we use for
// it.
type Served struct {
	Hash, Id hash.Hash
}

var header = []byte("\x13BitTorrent protocol")

// reserved bits: extension protocol, fast extension, DHT.
var reserved = []byte{0, 0, 0, 0, 0, 0x10, 0, 0x05}

var ErrBadHandshake = errors.New("bad handshake")
var ErrUnknownTorrent = errors.New("unknown torrent")
var ErrHandshakeMismatch = errors.New("info-hash mismatch")

func handshake(infoHash, myid hash.Hash) []byte {
	hs := make([]byte, 0, 20+8+20+20)
	hs = append(hs, header...)
	hs = append(hs, reserved...)
	hs = append(hs, infoHash...)
	hs = append(hs, myid...)
	return hs
}

// readMore extends buf to at least n bytes read from conn, allocating
// room for m.
func readMore(conn net.Conn, buf []byte, n, m int) ([]byte, error) {
	if m < n {
		m = n
	}
	l := len(buf)
	if l >= n {
		return buf, nil
	}

	buf = append(buf, make([]byte, m-l)...)
	k, err := io.ReadAtLeast(conn, buf[l:], n-l)
	buf = buf[:l+k]
	return buf, err
}

func parseReserved(result *HandshakeResult, buf []byte) {
	result.Dht = buf[7]&0x01 != 0
	result.Fast = buf[7]&0x04 != 0
	result.Extended = buf[5]&0x10 != 0
}

// ClientHandshake performs the handshake in the dialing role.  It
// returns any bytes read beyond the handshake, which belong to the
// message stream.
func ClientHandshake(conn net.Conn, infoHash, myid hash.Hash) (result HandshakeResult, init []byte, err error) {
	err = conn.SetDeadline(time.Now().Add(config.HandshakeTimeout))
	if err != nil {
		return
	}

	_, err = conn.Write(handshake(infoHash, myid))
	if err != nil {
		return
	}

	var buf []byte
	buf, err = readMore(conn, nil, 20+8+20+20, 0)
	if err != nil {
		return
	}

	if !bytes.Equal(buf[:20], header) {
		err = ErrBadHandshake
		return
	}
	buf = buf[20:]

	parseReserved(&result, buf)
	buf = buf[8:]

	if !bytes.Equal(buf[:20], infoHash) {
		err = ErrHandshakeMismatch
		return
	}
	result.Hash = append(hash.Hash(nil), buf[:20]...)
	buf = buf[20:]

	result.Id = append(hash.Hash(nil), buf[:20]...)
	buf = buf[20:]

	if len(buf) > 0 {
		init = append([]byte(nil), buf...)
	}

	err = conn.SetDeadline(time.Time{})
	return
}

// ServerHandshake performs the handshake in the accepting role.  The
// peer's info-hash must match one of the served torrents, or the
// handshake fails with ErrUnknownTorrent.
func ServerHandshake(conn net.Conn, served []Served) (result HandshakeResult, init []byte, err error) {
	err = conn.SetDeadline(time.Now().Add(config.ServerHandshakeTimeout))
	if err != nil {
		return
	}

	var buf []byte
	buf, err = readMore(conn, nil, 20, 20+8+20+20)
	if err != nil {
		return
	}

	if !bytes.Equal(buf[:20], header) {
		err = ErrBadHandshake
		return
	}
	buf = buf[20:]

	buf, err = readMore(conn, buf, 8+20, 8+20+20)
	if err != nil {
		return
	}

	parseReserved(&result, buf)
	buf = buf[8:]

	hsh := append(hash.Hash(nil), buf[:20]...)
	buf = buf[20:]

	var myid hash.Hash
	for _, s := range served {
		if hsh.Equal(s.Hash) {
			myid = s.Id
			break
		}
	}
	if myid == nil {
		err = ErrUnknownTorrent
		return
	}
	result.Hash = hsh

	_, err = conn.Write(handshake(result.Hash, myid))
	if err != nil {
		return
	}

	buf, err = readMore(conn, buf, 20, 0)
	if err != nil {
		return
	}
	result.Id = append(hash.Hash(nil), buf[:20]...)
	buf = buf[20:]

	if len(buf) > 0 {
		init = append([]byte(nil), buf...)
	}

	err = conn.SetDeadline(time.Time{})
	return
}
