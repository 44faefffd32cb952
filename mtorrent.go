package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"strings"
	"syscall"
	"time"

	"github.com/mtorrent/mtorrent/api"
	"github.com/mtorrent/mtorrent/config"
	"github.com/mtorrent/mtorrent/dht"
	"github.com/mtorrent/mtorrent/known"
	"github.com/mtorrent/mtorrent/peer"
	"github.com/mtorrent/mtorrent/physmem"
	"github.com/mtorrent/mtorrent/portmap"
	"github.com/mtorrent/mtorrent/tor"
)

func main() {
	var proxyURL, trackers string
	var cpuprofile, memprofile, mutexprofile, tracefile string
	var progress bool

	mem, err := physmem.Total()
	if err != nil {
		log.Printf("Couldn't determine physical memory: %v", err)
		mem = 2 * 1024 * 1024 * 1024
	}

	fmt.Fprintf(os.Stderr, "MTorrent 0.1\n")

	rand.Seed(time.Now().UTC().UnixNano())

	flag.IntVar(&config.ProtocolPort, "port", 23222,
		"`port` used for BitTorrent and DHT traffic")
	flag.StringVar(&config.HTTPAddr, "http", "[::1]:8088",
		"control interface address")
	flag.Int64Var(&config.MemoryMark, "mem", mem/2,
		"target memory usage in `bytes`")
	flag.StringVar(&cpuprofile, "cpuprofile", "",
		"store CPU profile in `file`")
	flag.StringVar(&memprofile, "memprofile", "",
		"store memory profile in `file`")
	flag.StringVar(&mutexprofile, "mutexprofile", "",
		"store mutex profile in `file`")
	flag.StringVar(&tracefile, "trace", "",
		"store execution trace in `file`")
	flag.StringVar(&proxyURL, "proxy", "",
		"`URL` of proxy to use for BitTorrent traffic")
	flag.StringVar(&config.StorageDir, "storage-dir", "",
		"write completed data under `directory`")
	flag.StringVar(&config.DHTBootstrap, "dht-routers", "",
		"comma-separated list of DHT bootstrap `routers`")
	flag.BoolVar(&config.DefaultUseDht, "use-dht", true,
		"announce to the DHT by default")
	flag.BoolVar(&config.DefaultDhtPassive, "dht-passive", false,
		"don't perform DHT announces by default")
	flag.BoolVar(&config.DefaultUseTrackers, "use-trackers", true,
		"use trackers (if available) by default")
	flag.StringVar(&trackers, "trackers", "",
		"comma-separated default tracker `URLs` for bare magnets")
	flag.Int64Var(&config.MaxConnections, "max-connections", 500,
		"global `limit` on wire connections")
	flag.Float64Var(&config.PrefetchRate, "prefetch-rate", 768*1024,
		"prefetch `rate` in bytes per second")
	flag.BoolVar(&progress, "progress", false,
		"display download progress on the terminal")
	flag.BoolVar(&config.Debug, "debug", false,
		"log all BitTorrent messages")

	flag.Parse()

	err = config.SetDefaultProxy(proxyURL)
	if err != nil {
		log.Printf("SetDefaultProxy: %v", err)
		return
	}

	if trackers != "" {
		config.DefaultTrackers = strings.Split(trackers, ",")
	}

	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			log.Printf("Create(cpuprofile): %v", err)
			return
		}
		pprof.StartCPUProfile(f)
		defer func() {
			pprof.StopCPUProfile()
			f.Close()
		}()
	}

	if memprofile != "" {
		defer func() {
			f, err := os.Create(memprofile)
			if err != nil {
				log.Printf("Create(memprofile): %v", err)
				return
			}
			pprof.WriteHeapProfile(f)
			f.Close()
		}()
	}

	if mutexprofile != "" {
		runtime.SetMutexProfileFraction(1)
		defer func() {
			f, err := os.Create(mutexprofile)
			if err != nil {
				log.Printf("Create(mutexprofile): %v", err)
				return
			}
			pprof.Lookup("mutex").WriteTo(f, 0)
			f.Close()
		}()
	}

	if tracefile != "" {
		f, err := os.Create(tracefile)
		if err != nil {
			log.Printf("Create(tracefile): %v", err)
			return
		}
		defer f.Close()
		err = trace.Start(f)
		if err != nil {
			log.Printf("trace.Start: %v", err)
			return
		}
		defer trace.Stop()
	}

	config.SetExternalIPv4Port(config.ProtocolPort, true)
	config.SetExternalIPv4Port(config.ProtocolPort, false)

	peer.UploadEstimator.Init(3 * time.Second)
	peer.UploadEstimator.Start()

	peer.DownloadEstimator.Init(3 * time.Second)
	peer.DownloadEstimator.Start()

	terminate := make(chan os.Signal, 1)
	signal.Notify(terminate, syscall.SIGINT)

	ctx, cancelCtx := context.WithCancel(context.Background())
	portmapdone := make(chan struct{})
	defer func(portmapdone <-chan struct{}) {
		cancelCtx()
		log.Printf("Shutting down...")
		timer := time.NewTimer(4 * time.Second)
		select {
		case <-portmapdone:
			timer.Stop()
		case <-timer.C:
		}
	}(portmapdone)

	if portmap.Do {
		go func() {
			err := portmap.Map(ctx)
			if err != nil {
				log.Println(err)
			}
			close(portmapdone)
		}()
		time.Sleep(200 * time.Millisecond)
	} else {
		close(portmapdone)
	}

	dhtevent, err := dht.Start(ctx, uint16(config.ProtocolPort),
		config.DHTBootstrap)
	if err != nil {
		log.Printf("DHT: %v", err)
		return
	}
	go handleDht(dhtevent)

	go func(args []string) {
		for _, arg := range args {
			proxy := config.DefaultProxy()
			t, err := tor.ReadMagnet(proxy, arg)
			if err != nil {
				log.Fatal(err)
			}
			if t == nil {
				t, err = tor.GetTorrent(ctx, proxy, arg)
				if err != nil {
					var perr tor.ParseURLError
					if !errors.As(err, &perr) {
						log.Printf("GetTorrent(%v): %v",
							arg, err)
						terminate <- nil
						return
					}
				}
			}
			if t == nil {
				torfile, err := os.Open(arg)
				if err != nil {
					log.Printf("Open(%v): %v", arg, err)
					terminate <- nil
					return
				}
				t, err = tor.ReadTorrent(proxy, torfile)
				if err != nil {
					log.Printf("%v: %v\n", arg, err)
					terminate <- nil
					torfile.Close()
					return
				}
				torfile.Close()
			}
			_, err = tor.AddTorrent(ctx, t)
			if err != nil {
				log.Printf("AddTorrent(%v): %v", arg, err)
				terminate <- nil
				return
			}
			if t.InfoComplete() {
				t.Log.Printf("Added torrent %v (%v)\n",
					t.Name, t.Hash)
			} else {
				t.Log.Printf("Added torrent %v", t.Hash)
			}
		}
	}(flag.Args())

	listener, err :=
		net.Listen("tcp", fmt.Sprintf(":%v", config.ProtocolPort))
	if err != nil {
		log.Printf("Listen: %v", err)
		return
	}

	go listen(listener)

	http.Handle("/", api.NewHandler(ctx))
	go func() {
		log.Printf("Listening on http://%v", config.HTTPAddr)
		err := http.ListenAndServe(config.HTTPAddr, nil)
		log.Printf("ListenAndServe: %v", err)
	}()

	if progress {
		go displayProgress(ctx)
	}

	go func() {
		min := 250 * time.Millisecond
		max := 16 * time.Second
		interval := max
		for {
			rc := tor.Expire()
			if rc < 0 {
				interval = interval / 2
				if interval < min {
					interval = min
				}
			} else if rc > 0 {
				interval = interval * 2
				if interval > max {
					interval = max
				}
			}
			time.Sleep(roughly(interval))
		}
	}()

	<-terminate
}

// handleDht feeds peers discovered by the DHT into the corresponding
// torrents.
func handleDht(events <-chan dht.Event) {
	for e := range events {
		switch e := e.(type) {
		case dht.ValueEvent:
			t := tor.Get(e.Hash)
			if t == nil {
				continue
			}
			t.AddKnown(e.IP, int(e.Port), nil, "", known.DHT)
		}
	}
}

func listen(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("Accept: %v", err)
			time.Sleep(roughly(2 * time.Second))
			continue
		}
		go func(conn net.Conn) {
			err := tor.Server(conn)
			if err != nil && config.Debug {
				log.Printf("Server: %v", err)
			}
		}(conn)
	}
}

func roughly(d time.Duration) time.Duration {
	r := d / 4
	if r > 2*time.Second {
		r = 2 * time.Second
	}
	m := time.Duration(rand.Int63n(int64(r)))
	return d + m - r/2
}
