package tor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"golang.org/x/net/proxy"

	"github.com/mtorrent/mtorrent/config"
	"github.com/mtorrent/mtorrent/known"
	"github.com/mtorrent/mtorrent/protocol"
)

var ErrMartianAddress = errors.New("martian address")
var ErrConnectionSelf = errors.New("connection to self")
var ErrDuplicateConnection = errors.New("duplicate connection")
var ErrTooManyConnections = errors.New("too many connections")

// Server handles an incoming connection.  The connection counts against
// the global cap until the peer goroutine gives it up.
func Server(conn net.Conn) error {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		addr = nil
	} else if !addr.IP.IsGlobalUnicast() {
		conn.Close()
		return ErrMartianAddress
	}

	if !config.ConnAdd() {
		conn.Close()
		return ErrTooManyConnections
	}

	err := server(conn, addr)
	if err != nil {
		config.ConnDel()
	}
	return err
}

func server(conn net.Conn, addr *net.TCPAddr) error {
	result, init, err := protocol.ServerHandshake(conn, served(false))
	if err != nil {
		conn.Close()
		return err
	}

	t := Get(result.Hash)
	if t == nil {
		conn.Close()
		return protocol.ErrUnknownTorrent
	}

	if result.Id.Equal(t.MyId) {
		conn.Close()
		return ErrConnectionSelf
	}

	if t.hasProxy() {
		conn.Close()
		return errors.New("torrent is proxied")
	}

	stats, err := t.GetStats()
	if err != nil {
		conn.Close()
		return err
	}

	if stats.NumPeers >= config.MaxPeersPerTorrent {
		conn.Close()
		return ErrTooManyConnections
	}

	q, _ := t.GetPeer(result.Id)
	if q != nil {
		conn.Close()
		return ErrDuplicateConnection
	}

	var ip net.IP
	if addr != nil {
		ip = addr.IP
	}
	err = t.NewPeer(t.proxy, conn, ip, 0, true, result, init)
	if err != nil {
		conn.Close()
		return err
	}
	return nil
}

// DialClient dials a peer and runs the client side of the handshake.
func DialClient(ctx context.Context, t *Torrent, ip net.IP, port int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !ip.IsGlobalUnicast() {
		return ErrMartianAddress
	}
	if port == 0 || port == 1 || port == 22 || port == 25 {
		return errors.New("bad port")
	}

	if !config.ConnAdd() {
		return ErrTooManyConnections
	}

	s := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))

	var conn net.Conn
	var err error
	if t.proxy == "" {
		var dialer net.Dialer
		conn, err = dialer.DialContext(ctx, "tcp", s)
	} else {
		var u *url.URL
		u, err = url.Parse(t.proxy)
		if err == nil {
			var dialer proxy.Dialer
			dialer, err = proxy.FromURL(u, proxy.Direct)
			if err == nil {
				d, ok := dialer.(proxy.ContextDialer)
				if !ok {
					err = errors.New(
						"dialer is not ContextDialer")
				} else {
					conn, err = d.DialContext(ctx, "tcp", s)
				}
			}
		}
	}
	if err != nil {
		config.ConnDel()
		return err
	}

	if err := ctx.Err(); err != nil {
		conn.Close()
		config.ConnDel()
		return err
	}

	err = Client(conn, t, ip, port, t.proxy)
	if err != nil {
		config.ConnDel()
	}
	return err
}

// Client runs the client side of the handshake over an established
// connection and hands the result to the torrent.
func Client(conn net.Conn, t *Torrent, ip net.IP, port int, proxy string) error {
	stats, err := t.GetStats()
	if err != nil {
		conn.Close()
		return err
	}

	if stats.NumPeers >= config.MaxPeersPerTorrent {
		conn.Close()
		return ErrTooManyConnections
	}

	result, init, err := protocol.ClientHandshake(conn, t.Hash, t.MyId)
	if err != nil {
		conn.Close()
		return err
	}

	err = t.AddKnown(ip, port, result.Id, "", known.Seen)
	if err != nil {
		conn.Close()
		return err
	}

	if result.Id.Equal(t.MyId) {
		conn.Close()
		return ErrConnectionSelf
	}

	q, _ := t.GetPeer(result.Id)
	if q != nil {
		conn.Close()
		return ErrDuplicateConnection
	}

	err = t.NewPeer(proxy, conn, ip, port, false, result, init)
	if err != nil {
		conn.Close()
		return err
	}
	return nil
}
