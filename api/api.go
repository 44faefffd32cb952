// Package api implements the local control interface, a small JSON
// surface bound to localhost.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mtorrent/mtorrent/config"
	"github.com/mtorrent/mtorrent/hash"
	"github.com/mtorrent/mtorrent/tor"
)

type handler struct {
	ctx context.Context
}

func NewHandler(ctx context.Context) http.Handler {
	return &handler{ctx}
}

func (handler *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The server is only bound to localhost, but an attacker might be
	// able to cause the user's browser to connect to localhost by
	// manipulating the DNS.  Prevent this by making sure that the
	// browser thinks it's connecting to localhost.
	if host != "localhost" && net.ParseIP(host) == nil {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	err = r.ParseForm()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch r.URL.Path {
	case "/add":
		if post(w, r) {
			add(handler.ctx, w, r)
		}
	case "/status":
		if get(w, r) {
			status(w, r)
		}
	case "/diagnose":
		if get(w, r) {
			diagnose(w, r)
		}
	case "/announce":
		if post(w, r) {
			announce(w, r)
		}
	case "/delete":
		if post(w, r) {
			kill(w, r)
		}
	case "/set":
		if post(w, r) {
			set(w, r)
		}
	default:
		http.NotFound(w, r)
	}
}

func get(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != "HEAD" && r.Method != "GET" {
		w.Header().Set("allow", "HEAD, GET")
		http.Error(w, "Method not allowed",
			http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func post(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != "POST" {
		w.Header().Set("allow", "POST")
		http.Error(w, "Method not allowed",
			http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func reply(w http.ResponseWriter, value interface{}) {
	w.Header().Set("content-type", "application/json")
	e := json.NewEncoder(w)
	err := e.Encode(value)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// getTorrent parses a magnet link, a bare info-hash or a torrent file
// URL.
func getTorrent(ctx context.Context, data string) (*tor.Torrent, error) {
	t, err := tor.ReadMagnet(config.DefaultProxy(), data)
	if t != nil || err != nil {
		return t, err
	}
	return tor.GetTorrent(ctx, config.DefaultProxy(), data)
}

func findTorrent(w http.ResponseWriter, r *http.Request) *tor.Torrent {
	h := hash.Parse(r.Form.Get("hash"))
	if h == nil {
		http.Error(w, "couldn't parse hash", http.StatusBadRequest)
		return nil
	}
	t := tor.Get(h)
	if t == nil {
		http.NotFound(w, r)
		return nil
	}
	return t
}

type addReply struct {
	InfoHash string `json:"infoHash"`
	Name     string `json:"name,omitempty"`
	Ready    bool   `json:"ready"`
}

func add(serverctx context.Context, w http.ResponseWriter, r *http.Request) {
	data := strings.TrimSpace(r.FormValue("url"))
	if data == "" {
		http.Error(w, "No torrent supplied", http.StatusBadRequest)
		return
	}
	t, err := getTorrent(r.Context(), data)
	if t == nil || err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	_, err = tor.AddTorrent(serverctx, t)
	if err != nil && !errors.Is(err, os.ErrExist) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	reply(w, addReply{
		InfoHash: t.Hash.String(),
		Name:     t.Name,
		Ready:    t.InfoComplete(),
	})
}

type fileStatus struct {
	Path   string `json:"path"`
	Length int64  `json:"length"`
}

type torrentStatus struct {
	InfoHash       string       `json:"infoHash"`
	Name           string       `json:"name,omitempty"`
	State          string       `json:"state"`
	Reason         string       `json:"reason,omitempty"`
	Ready          bool         `json:"ready"`
	Peers          int          `json:"peers"`
	Known          int          `json:"known"`
	Trackers       int          `json:"trackers"`
	Length         int64        `json:"length,omitempty"`
	PieceLength    uint32       `json:"pieceLength,omitempty"`
	Progress       float64      `json:"progress"`
	CompletePieces int          `json:"completePieces"`
	TotalPieces    int          `json:"totalPieces"`
	DownloadRate   float64      `json:"downloadRate"`
	UploadRate     float64      `json:"uploadRate"`
	Files          []fileStatus `json:"files,omitempty"`
}

func torrentState(t *tor.Torrent) (*torrentStatus, error) {
	stats, err := t.GetStats()
	if err != nil {
		return nil, err
	}

	st := &torrentStatus{
		InfoHash:    t.Hash.String(),
		Name:        t.Name,
		State:       stats.State,
		Reason:      stats.Reason,
		Ready:       t.InfoComplete(),
		Peers:       stats.NumPeers,
		Known:       stats.NumKnown,
		Trackers:    stats.NumTrackers,
		Length:      stats.Length,
		PieceLength: stats.PieceLength,
	}

	if t.InfoComplete() {
		st.TotalPieces = t.Pieces.Num()
		b := t.Pieces.Bitmap()
		st.CompletePieces = b.Count()
		if st.TotalPieces > 0 {
			st.Progress = float64(st.CompletePieces) /
				float64(st.TotalPieces)
		}
		if t.Files == nil {
			st.Files = []fileStatus{{t.Name, stats.Length}}
		} else {
			for _, f := range t.Files {
				if f.Padding {
					continue
				}
				st.Files = append(st.Files,
					fileStatus{f.Path.String(), f.Length})
			}
		}
	}

	peers, err := t.GetPeers()
	if err != nil {
		return nil, err
	}
	for _, p := range peers {
		s := p.GetStats()
		if s != nil {
			st.DownloadRate += s.Download
			st.UploadRate += s.Upload
		}
	}
	return st, nil
}

func status(w http.ResponseWriter, r *http.Request) {
	if r.Form.Get("hash") != "" {
		t := findTorrent(w, r)
		if t == nil {
			return
		}
		st, err := torrentState(t)
		if err != nil {
			httpError(w, err)
			return
		}
		reply(w, st)
		return
	}

	sts := make([]*torrentStatus, 0)
	tor.Range(func(h hash.Hash, t *tor.Torrent) bool {
		st, err := torrentState(t)
		if err == nil {
			sts = append(sts, st)
		}
		return true
	})
	reply(w, sts)
}

type wireStatus struct {
	Addr         string  `json:"addr"`
	Id           string  `json:"id,omitempty"`
	Version      string  `json:"version,omitempty"`
	Incoming     bool    `json:"incoming"`
	State        string  `json:"state"`
	CanExtended  bool    `json:"canExtended"`
	CanFast      bool    `json:"canFast"`
	CanDHT       bool    `json:"canDHT"`
	MetadataExt  uint8   `json:"metadataExt"`
	PexExt       uint8   `json:"pexExt"`
	MetadataSize uint32  `json:"metadataSize,omitempty"`
	Unchoked     bool    `json:"unchoked"`
	Interested   bool    `json:"interested"`
	AmUnchoking  bool    `json:"amUnchoking"`
	AmInterested bool    `json:"amInterested"`
	Download     float64 `json:"download"`
	Upload       float64 `json:"upload"`
	RttMs        int64   `json:"rttMs,omitempty"`
	Qlen         int     `json:"qlen"`
	Rlen         int     `json:"rlen"`
	Ulen         int     `json:"ulen"`
	LastActiveMs int64   `json:"lastActiveMs"`
}

type diagnoseReply struct {
	InfoHash         string       `json:"infoHash"`
	State            string       `json:"state"`
	Reason           string       `json:"reason,omitempty"`
	MetadataSize     uint32       `json:"metadataSize"`
	MetadataHave     int          `json:"metadataHave"`
	MetadataNeeded   int          `json:"metadataNeeded"`
	MetadataInFlight int          `json:"metadataInFlight"`
	Wires            []wireStatus `json:"wires"`
}

func diagnose(w http.ResponseWriter, r *http.Request) {
	t := findTorrent(w, r)
	if t == nil {
		return
	}
	stats, wires, err := t.Diagnose()
	if err != nil {
		httpError(w, err)
		return
	}
	rep := diagnoseReply{
		InfoHash:         t.Hash.String(),
		State:            stats.State,
		Reason:           stats.Reason,
		MetadataSize:     stats.MetadataSize,
		MetadataHave:     stats.MetadataHave,
		MetadataNeeded:   stats.MetadataNeeded,
		MetadataInFlight: stats.MetadataInFlight,
		Wires:            make([]wireStatus, 0, len(wires)),
	}
	for _, d := range wires {
		var id string
		if d.Id != nil {
			id = d.Id.String()
		}
		rep.Wires = append(rep.Wires, wireStatus{
			Addr:         d.Addr,
			Id:           id,
			Version:      d.Version,
			Incoming:     d.Incoming,
			State:        d.State,
			CanExtended:  d.CanExtended,
			CanFast:      d.CanFast,
			CanDHT:       d.CanDHT,
			MetadataExt:  d.MetadataExt,
			PexExt:       d.PexExt,
			MetadataSize: d.MetadataSize,
			Unchoked:     d.Unchoked,
			Interested:   d.Interested,
			AmUnchoking:  d.AmUnchoking,
			AmInterested: d.AmInterested,
			Download:     d.Download,
			Upload:       d.Upload,
			RttMs:        d.Rtt.Milliseconds(),
			Qlen:         d.Qlen,
			Rlen:         d.Rlen,
			Ulen:         d.Ulen,
			LastActiveMs: d.LastActive.Milliseconds(),
		})
	}
	reply(w, rep)
}

func announce(w http.ResponseWriter, r *http.Request) {
	t := findTorrent(w, r)
	if t == nil {
		return
	}
	err := tor.Announce(t.Hash)
	if err != nil {
		httpError(w, err)
		return
	}
	reply(w, struct {
		Ok bool `json:"ok"`
	}{true})
}

func kill(w http.ResponseWriter, r *http.Request) {
	t := findTorrent(w, r)
	if t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	err := t.Kill(ctx)
	if err != nil {
		httpError(w, err)
		return
	}
	reply(w, struct {
		Ok bool `json:"ok"`
	}{true})
}

func set(w http.ResponseWriter, r *http.Request) {
	upload := r.Form.Get("upload")
	if upload != "" {
		v, err := strconv.ParseFloat(upload, 64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		config.SetUploadRate(v)
	}
	idle := r.Form.Get("idle")
	if idle != "" {
		v, err := strconv.ParseFloat(idle, 64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		config.SetIdleRate(v)
	}
	reply(w, struct {
		Upload float64 `json:"upload"`
		Idle   float64 `json:"idle"`
	}{config.UploadRate(), config.IdleRate()})
}

func httpError(w http.ResponseWriter, err error) {
	if errors.Is(err, tor.ErrTorrentDead) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
