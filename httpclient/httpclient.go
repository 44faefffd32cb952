// Package httpclient caches one HTTP client per proxy configuration.
// Clients unused for ten minutes are discarded together with their
// idle connections.
package httpclient

import (
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

type entry struct {
	client *http.Client
	used   time.Time
}

var mu sync.Mutex
var cache = make(map[string]entry)
var expiring bool

// Get returns an HTTP client that dials through the given proxy, or
// directly if proxy is empty.
func Get(proxy string) *http.Client {
	mu.Lock()
	defer mu.Unlock()

	if !expiring {
		expiring = true
		go expire()
	}

	if e, ok := cache[proxy]; ok {
		e.used = time.Now()
		cache[proxy] = e
		return e.client
	}

	transport := &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			if proxy == "" {
				return nil, nil
			}
			return url.Parse(proxy)
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          30,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	e := entry{
		client: &http.Client{
			Transport: transport,
			Timeout:   50 * time.Second,
		},
		used: time.Now(),
	}
	cache[proxy] = e
	return e.client
}

func expire() {
	for {
		time.Sleep(time.Minute +
			time.Duration(rand.Int63n(int64(time.Minute))))
		now := time.Now()
		mu.Lock()
		for k, e := range cache {
			if now.Sub(e.used) > 10*time.Minute {
				delete(cache, k)
			}
		}
		mu.Unlock()
	}
}
