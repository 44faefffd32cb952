// Package config holds the knobs that the rest of the daemon consults at
// runtime.  Values that may be read concurrently are atomics.
package config

import (
	"sync/atomic"
	"time"
)

// ProtocolPort is the port we listen on and announce.
var ProtocolPort int

var externalTCPPort int32
var externalUDPPort int32

// ExternalPort returns the port peers should contact us on, taking any
// port mapping into account.  IPv6 is assumed to be unmapped.
func ExternalPort(tcp bool, ipv6 bool) int {
	if ipv6 {
		return ProtocolPort
	}
	if tcp {
		return int(atomic.LoadInt32(&externalTCPPort))
	}
	return int(atomic.LoadInt32(&externalUDPPort))
}

func SetExternalIPv4Port(port int, tcp bool) {
	if tcp {
		atomic.StoreInt32(&externalTCPPort, int32(port))
		return
	}
	atomic.StoreInt32(&externalUDPPort, int32(port))
}

// HTTPAddr is the address of the local control interface.
var HTTPAddr string

// DHTBootstrap is a comma-separated list of bootstrap routers.  Empty
// uses the well-known defaults.
var DHTBootstrap string
var DefaultUseDht bool
var DefaultDhtPassive bool
var DefaultUseTrackers bool

// DefaultTrackers are announced for magnets that carry no tracker list.
var DefaultTrackers []string

// StorageDir is where completed data is written.  Empty keeps data in
// memory only.
var StorageDir string

const (
	MinPeersPerTorrent = 40
	MaxPeersPerTorrent = 50
)

// MaxConnections bounds the number of wire connections across all
// torrents.
var MaxConnections int64 = 500

var connCount atomic.Int64

// ConnAdd accounts for a new wire connection.  It returns false if the
// global cap is reached, in which case the connection must not proceed.
func ConnAdd() bool {
	if connCount.Add(1) > MaxConnections {
		connCount.Add(-1)
		return false
	}
	return true
}

func ConnDel() {
	connCount.Add(-1)
}

func ConnCount() int64 {
	return connCount.Load()
}

// HandshakeTimeout bounds the initial handshake on dialed connections.
var HandshakeTimeout = 10 * time.Second

// ServerHandshakeTimeout bounds the handshake on accepted connections,
// which may legitimately linger while the peer probes encryption.
var ServerHandshakeTimeout = 40 * time.Second

// MetadataTimeout is how long an outstanding info-dictionary piece
// request may remain unanswered before it is handed to another peer.
var MetadataTimeout = 15 * time.Second

// IdleTimeout is how long a wire may remain completely silent before we
// close it.
var IdleTimeout = 120 * time.Second

var MemoryMark int64

func MemoryHighMark() int64 {
	return MemoryMark
}
func MemoryLowMark() int64 {
	return MemoryMark * 7 / 8
}

// ChunkSize is the transfer unit for both content chunks and
// info-dictionary pieces.
const ChunkSize uint32 = 16 * 1024

// MaxMetadataSize bounds advertised info-dictionary sizes.
const MaxMetadataSize uint32 = 128 * 1024 * 1024

// PrefetchRate is the assumed read rate used to size prefetch when
// streaming completed data out to storage.
var PrefetchRate float64 = 768 * 1024

var uploadRate uint32 = 512 * 1024

func UploadRate() float64 {
	return float64(atomic.LoadUint32(&uploadRate))
}

func SetUploadRate(rate float64) {
	var r uint32
	if rate < 0 {
		r = 0
	} else if rate > float64(^uint32(0)) {
		r = ^uint32(0)
	} else {
		r = uint32(rate + 0.5)
	}
	atomic.StoreUint32(&uploadRate, r)
}

var idleRate uint32 = 64 * 1024

func IdleRate() float64 {
	return float64(atomic.LoadUint32(&idleRate))
}

func SetIdleRate(rate float64) {
	if rate < 0 {
		rate = 0
	}
	if rate > float64(^uint32(0)) {
		rate = float64(^uint32(0))
	}
	atomic.StoreUint32(&idleRate, uint32(rate+0.5))
}

var defaultProxy atomic.Value

func SetDefaultProxy(s string) error {
	defaultProxy.Store(s)
	return nil
}

func DefaultProxy() string {
	v := defaultProxy.Load()
	if v == nil {
		return ""
	}
	return v.(string)
}

var Debug bool
