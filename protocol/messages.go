// Package protocol implements low-level details of the BitTorrent
// protocol: the initial handshake and the framed message codec,
// including the extension mechanism and the info-dictionary exchange.
package protocol

import (
	"net"

	"github.com/mtorrent/mtorrent/pex"
)

// The subtypes we negotiate for reception of extended messages.  We send
// the subtypes requested by the peer, as required by the extension
// mechanism.
const (
	ExtPex      uint8 = 1
	ExtMetadata uint8 = 2
	ExtDontHave uint8 = 3
)

// extensionInfo is the payload of the extended handshake.
type extensionInfo struct {
	Version      string           `bencode:"v,omitempty"`
	IPv4         []byte           `bencode:"ipv4,omitempty"`
	IPv6         []byte           `bencode:"ipv6,omitempty"`
	Port         uint16           `bencode:"p,omitempty"`
	ReqQ         uint32           `bencode:"reqq,omitempty"`
	MetadataSize uint32           `bencode:"metadata_size,omitempty"`
	Messages     map[string]uint8 `bencode:"m"`
}

type pexInfo struct {
	Added    []byte `bencode:"added,omitempty"`
	AddedF   []byte `bencode:"added.f,omitempty"`
	Added6   []byte `bencode:"added6,omitempty"`
	Added6F  []byte `bencode:"added6.f,omitempty"`
	Dropped  []byte `bencode:"dropped,omitempty"`
	Dropped6 []byte `bencode:"dropped6,omitempty"`
}

// metadataInfo is the bencoded part of a ut_metadata message.  Type and
// Piece are pointers so that their absence is a parse error rather than
// a zero.
type metadataInfo struct {
	Type      *uint8  `bencode:"msg_type"`
	Piece     *uint32 `bencode:"piece"`
	TotalSize *uint32 `bencode:"total_size"`
}

// ut_metadata message types.
const (
	MetadataRequest uint8 = 0
	MetadataData    uint8 = 1
	MetadataReject  uint8 = 2
)

type Message interface{}

// Error is delivered on the reader channel when the wire fails.
type Error struct {
	Error error
}

type KeepAlive struct{}
type Choke struct{}
type Unchoke struct{}
type Interested struct{}
type NotInterested struct{}
type Have struct {
	Index uint32
}
type Bitfield struct {
	Bitfield []byte
}
type Request struct {
	Index, Begin, Length uint32
}
type Piece struct {
	Index, Begin uint32
	Data         []byte
}
type Cancel struct {
	Index, Begin, Length uint32
}
type Port struct {
	Port uint16
}
type SuggestPiece struct {
	Index uint32
}
type RejectRequest struct {
	Index, Begin, Length uint32
}
type AllowedFast struct {
	Index uint32
}
type HaveAll struct{}
type HaveNone struct{}

// Extended0 is the extended handshake.
type Extended0 struct {
	Version      string
	Port         uint16
	ReqQ         uint32
	IPv4         net.IP
	IPv6         net.IP
	MetadataSize uint32
	Messages     map[string]uint8
}

type ExtendedPex struct {
	Subtype uint8
	Added   []pex.Peer
	Dropped []pex.Peer
}

// ExtendedMetadata is a ut_metadata message.  For MetadataData, Data
// holds the raw piece bytes that follow the bencoded dictionary.
type ExtendedMetadata struct {
	Subtype   uint8
	Type      uint8
	Piece     uint32
	TotalSize uint32
	Data      []byte
}

type ExtendedDontHave struct {
	Subtype uint8
	Index   uint32
}

type ExtendedUnknown struct {
	Subtype uint8
}

type Unknown struct{ tpe uint8 }
