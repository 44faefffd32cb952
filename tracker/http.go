package tracker

import (
	"context"
	"errors"
	"net"
	"net/http"
	nurl "net/url"
	"strconv"
	"time"

	"github.com/zeebo/bencode"

	"github.com/mtorrent/mtorrent/httpclient"
)

// HTTP represents a tracker accessed over HTTP or HTTPS.
type HTTP struct {
	base
}

type httpReply struct {
	FailureReason string             `bencode:"failure reason"`
	RetryIn       string             `bencode:"retry in"`
	Interval      int                `bencode:"interval"`
	Peers         bencode.RawMessage `bencode:"peers,omitempty"`
	Peers6        []byte             `bencode:"peers6,omitempty"`
}

// dictPeer is a peer in the tracker's non-compact reply format.
type dictPeer struct {
	IP   string `bencode:"ip"`
	Port int    `bencode:"port"`
}

func (tracker *HTTP) Announce(ctx context.Context, hash []byte, myid []byte,
	want int, size int64, port4, port6 int, proxy string,
	f func(net.IP, int) bool) error {

	if !tracker.tryLock() {
		return ErrNotReady
	}
	defer tracker.unlock()

	if !tracker.ready() {
		return ErrNotReady
	}

	tracker.time = time.Now()

	interval, err := announceHTTP(ctx, tracker, hash, myid,
		want, size, port4, port6, proxy, f)

	tracker.updateInterval(time.Duration(interval)*time.Second, err)
	return err
}

func announceURL(tracker *HTTP, hash, myid []byte, want int, size int64,
	port4, port6 int) (string, error) {
	url, err := nurl.Parse(tracker.url)
	if err != nil {
		return "", err
	}

	v := nurl.Values{}
	v.Set("info_hash", string(hash))
	v.Set("peer_id", string(myid))
	v.Set("numwant", strconv.Itoa(want))
	if port6 > 0 {
		v.Set("port", strconv.Itoa(port6))
	} else if port4 > 0 {
		v.Set("port", strconv.Itoa(port4))
	}
	v.Set("downloaded", strconv.FormatInt(size/2, 10))
	v.Set("uploaded", strconv.FormatInt(2*size, 10))
	v.Set("left", strconv.FormatInt(size/2, 10))
	v.Set("compact", "1")
	url.RawQuery = v.Encode()
	return url.String(), nil
}

// compactPeers parses the packed address format: alen address bytes
// followed by a big-endian port, repeated.
func compactPeers(data []byte, alen int, f func(net.IP, int) bool) {
	for i := 0; i+alen+2 <= len(data); i += alen + 2 {
		ip := net.IP(make([]byte, alen))
		copy(ip, data[i:])
		f(ip, 256*int(data[i+alen])+int(data[i+alen+1]))
	}
}

func announceHTTP(ctx context.Context, tracker *HTTP, hash []byte, myid []byte,
	want int, size int64, port4, port6 int, proxy string,
	f func(net.IP, int) bool) (int, error) {
	url, err := announceURL(tracker, hash, myid, want, size, port4, port6)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, err
	}
	req.Close = true
	req.Header.Set("Cache-Control", "max-age=0")
	req.Header["User-Agent"] = nil

	client := httpclient.Get(proxy)
	if client == nil {
		return 0, errors.New("couldn't get HTTP client")
	}

	r, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer r.Body.Close()

	if r.StatusCode != 200 {
		return 0, errors.New(r.Status)
	}

	var reply httpReply
	err = bencode.NewDecoder(r.Body).Decode(&reply)
	if err != nil {
		return 0, err
	}

	if reply.FailureReason != "" {
		retry := time.Duration(0)
		if reply.RetryIn == "never" {
			retry = 2400 * time.Hour
		} else if reply.RetryIn != "" {
			min, err := strconv.Atoi(reply.RetryIn)
			if err == nil && min > 0 {
				retry = time.Duration(min) * time.Minute
			}
		}
		tracker.interval = retry
		return 0, errors.New(reply.FailureReason)
	}

	var compact []byte
	err = bencode.DecodeBytes(reply.Peers, &compact)
	if err == nil && len(compact)%6 == 0 {
		compactPeers(compact, net.IPv4len, f)
	} else {
		var peers []dictPeer
		err = bencode.DecodeBytes(reply.Peers, &peers)
		if err == nil {
			for _, p := range peers {
				ip := net.ParseIP(p.IP)
				if ip != nil {
					f(ip, p.Port)
				}
			}
		}
	}

	// peers6 is always compact
	if len(reply.Peers6)%18 == 0 {
		compactPeers(reply.Peers6, net.IPv6len, f)
	}

	return reply.Interval, nil
}
