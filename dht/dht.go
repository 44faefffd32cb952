// Package dht wraps the mainline DHT node and adapts it to the rest of
// the daemon: it announces info-hashes and streams back discovered peer
// addresses as events.
package dht

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	nictuku "github.com/nictuku/dht"

	"github.com/mtorrent/mtorrent/hash"
)

// Event is the common interface of the events produced by the DHT.
type Event interface {
}

// A ValueEvent is produced whenever the DHT discovers a peer for an
// info-hash that we announced.
type ValueEvent struct {
	Hash hash.Hash
	IP   net.IP
	Port uint16
}

var mu sync.Mutex
var node *nictuku.DHT

var ErrNotRunning = errors.New("DHT is not running")

// Available returns true if the DHT is available in this build.
func Available() bool {
	return true
}

// Start brings up the DHT node on the given port and returns the event
// channel.  The routers string is a comma-separated list of bootstrap
// routers; if empty, the default routers are used.
func Start(ctx context.Context, port uint16, routers string) (<-chan Event, error) {
	mu.Lock()
	defer mu.Unlock()

	if node != nil {
		return nil, errors.New("DHT initialised twice")
	}

	conf := nictuku.NewConfig()
	conf.Port = int(port)
	if routers != "" {
		conf.DHTRouters = routers
	}
	conf.SaveRoutingTable = true

	d, err := nictuku.New(conf)
	if err != nil {
		return nil, err
	}
	err = d.Start()
	if err != nil {
		return nil, err
	}
	node = d

	events := make(chan Event, 32)
	go pump(ctx, d, events)
	return events, nil
}

// pump translates the node's result batches into individual events.
// It shuts the node down when the context is cancelled.
func pump(ctx context.Context, d *nictuku.DHT, events chan<- Event) {
	defer func() {
		mu.Lock()
		node = nil
		mu.Unlock()
		d.Stop()
		close(events)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-d.PeersRequestResults:
			if !ok {
				return
			}
			for ih, peers := range r {
				h := hash.Hash([]byte(string(ih)))
				if len(h) != hash.Size {
					continue
				}
				for _, p := range peers {
					addr := nictuku.DecodePeerAddress(p)
					ip, port, err := parseAddr(addr)
					if err != nil {
						continue
					}
					select {
					case events <- ValueEvent{h, ip, port}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}
}

func parseAddr(addr string) (net.IP, uint16, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, errors.New("bad IP address")
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return nil, 0, err
	}
	if port == 0 {
		return nil, 0, errors.New("bad port")
	}
	return ip, uint16(port), nil
}

// Announce looks up peers for an info-hash and announces our presence
// to the swarm.  Results arrive asynchronously on the event channel.
func Announce(h hash.Hash, announce bool) error {
	mu.Lock()
	d := node
	mu.Unlock()
	if d == nil {
		return ErrNotRunning
	}
	d.PeersRequest(string(h), announce)
	return nil
}

// Ping introduces a node to the DHT's routing table.
func Ping(ip net.IP, port uint16) error {
	mu.Lock()
	d := node
	mu.Unlock()
	if d == nil {
		return ErrNotRunning
	}
	d.AddNode(net.JoinHostPort(ip.String(), strconv.Itoa(int(port))))
	return nil
}
