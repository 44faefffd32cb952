// Package pex implements the compact peer-address encoding used by peer
// exchange, tracker replies and the DHT bootstrap file.
package pex

import (
	"encoding/binary"
	"net"
)

// Peer is a peer address learned over PEX or from a compact peer list.
type Peer struct {
	IP    net.IP
	Port  int
	Flags byte
}

// PEX flags
const (
	Encrypt    = 0x01
	UploadOnly = 0x02
	Outgoing   = 0x10
)

// Equal returns true if two peers have the same socket address.
func (p Peer) Equal(q Peer) bool {
	return p.IP.Equal(q.IP) && p.Port == q.Port
}

// Find returns the index of p in l, or -1.
func Find(p Peer, l []Peer) int {
	for i, q := range l {
		if p.Equal(q) {
			return i
		}
	}
	return -1
}

// ParseCompact parses a compact peer list, 6 bytes per peer for IPv4 and
// 18 for IPv6.  Flags may be nil.
func ParseCompact(data []byte, flags []byte, ipv6 bool) []Peer {
	l := 4
	if ipv6 {
		l = 16
	}

	if len(data)%(l+2) != 0 {
		return nil
	}
	n := len(data) / (l + 2)

	peers := make([]Peer, 0, n)
	for i := 0; i < n; i++ {
		j := i * (l + 2)
		ip := make(net.IP, l)
		copy(ip, data[j:j+l])
		var flag byte
		if i < len(flags) {
			flag = flags[i]
		}
		port := binary.BigEndian.Uint16(data[j+l : j+l+2])
		peers = append(peers,
			Peer{IP: ip, Port: int(port), Flags: flag})
	}
	return peers
}

// FormatCompact formats a peer list in compact format, splitting it into
// its IPv4 and IPv6 parts.
func FormatCompact(peers []Peer) (ipv4 []byte, flags4 []byte, ipv6 []byte, flags6 []byte) {
	for _, peer := range peers {
		if v4 := peer.IP.To4(); v4 != nil {
			ipv4 = append(ipv4, v4...)
			ipv4 = binary.BigEndian.AppendUint16(
				ipv4, uint16(peer.Port))
			flags4 = append(flags4, peer.Flags)
		} else if v6 := peer.IP.To16(); v6 != nil {
			ipv6 = append(ipv6, v6...)
			ipv6 = binary.BigEndian.AppendUint16(
				ipv6, uint16(peer.Port))
			flags6 = append(flags6, peer.Flags)
		}
	}
	return
}
