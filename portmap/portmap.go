// Package portmap maintains NAT-PMP port mappings for the peer
// protocol port.  Mappings are renewed at half their lifetime and torn
// down on shutdown.
package portmap

import (
	"context"
	"errors"
	"flag"
	"log"
	"sync"
	"time"

	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/mtorrent/mtorrent/config"
)

var Do bool

func init() {
	flag.BoolVar(&Do, "portmap", true, "perform port mapping")
}

const lifetime = 30 * time.Minute

// Map maps the protocol port for both TCP and UDP and keeps the
// mappings alive until the context is cancelled.
func Map(ctx context.Context) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		err := domap(ctx, client, "tcp")
		if err != nil {
			log.Printf("Couldn't map TCP: %v", err)
		}
		wg.Done()
	}()
	go func() {
		err := domap(ctx, client, "udp")
		if err != nil {
			log.Printf("Couldn't map UDP: %v", err)
		}
		wg.Done()
	}()
	wg.Wait()
	return nil
}

func newClient() (*natpmp.Client, error) {
	gw, err := gateway.DiscoverGateway()
	if err != nil {
		return nil, err
	}
	if gw == nil {
		return nil, errors.New("no gateway found")
	}
	return natpmp.NewClientWithTimeout(gw, 10*time.Second), nil
}

func domap(ctx context.Context, client *natpmp.Client, proto string) error {
	mapped := false

	unmap := func() error {
		_, err := client.AddPortMapping(proto,
			config.ProtocolPort, 0, 0)
		return err
	}

	defer func() {
		if mapped {
			err := unmap()
			if err != nil {
				log.Printf("Couldn't unmap %v: %v",
					proto, err)
			} else {
				log.Printf("Unmapped %v", proto)
			}
		}
	}()

	for {
		begin := time.Now()
		external := config.ExternalPort(proto == "tcp", false)
		res, err := client.AddPortMapping(proto,
			config.ProtocolPort, external,
			int(lifetime/time.Second))
		var lt time.Duration
		if err != nil {
			log.Printf("Couldn't map %v: %v", proto, err)
			if mapped {
				unmap()
				mapped = false
			}
			lt = 2 * time.Minute
		} else {
			mapped = true
			port := int(res.MappedExternalPort)
			lt = time.Duration(res.PortMappingLifetimeInSeconds) *
				time.Second
			log.Printf("Mapped %v: %v->%v, %v",
				proto, config.ProtocolPort, port, lt)
			config.SetExternalIPv4Port(port, proto == "tcp")
		}
		lt /= 2
		lt -= time.Since(begin)
		if lt < time.Minute {
			lt = time.Minute
		}
		timer := time.NewTimer(lt)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
