package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/zeebo/bencode"

	"github.com/mtorrent/mtorrent/config"
	"github.com/mtorrent/mtorrent/pex"
)

var ErrParse = errors.New("parse error")

// maxMessage bounds the length prefix of incoming frames.  The largest
// legitimate message is a chunk-sized Piece or ut_metadata data message.
const maxMessage = 256 * 1024

var pool = sync.Pool{
	New: func() interface{} {
		return make([]byte, config.ChunkSize)
	},
}

// GetBuffer returns a buffer of the given length, pooled if the length
// is exactly one chunk.
func GetBuffer(length int) []byte {
	if length == int(config.ChunkSize) {
		return pool.Get().([]byte)
	}
	return make([]byte, length)
}

func PutBuffer(buf []byte) {
	if len(buf) == int(config.ChunkSize) {
		pool.Put(buf)
	}
}

func readUint16(r *bufio.Reader) (uint16, error) {
	var buf [2]byte
	_, err := io.ReadFull(r, buf[:])
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func readUint32(r *bufio.Reader) (uint32, error) {
	var buf [4]byte
	_, err := io.ReadFull(r, buf[:])
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// Read reads a single message from r.  If l is not nil, the message is
// logged.
func Read(r *bufio.Reader, l *log.Logger) (Message, error) {
	debugf := func(format string, v ...interface{}) {
		if l != nil {
			l.Printf(format, v...)
		}
	}
	length, err := readUint32(r)
	if err != nil {
		return nil, err
	}

	if length == 0 {
		debugf("<- KeepAlive")
		return KeepAlive{}, nil
	}

	if length > maxMessage {
		return nil, errors.New("message too long")
	}

	tpe, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch tpe {
	case 0, 1, 2, 3:
		if length != 1 {
			return nil, ErrParse
		}
		switch tpe {
		case 0:
			debugf("<- Choke")
			return Choke{}, nil
		case 1:
			debugf("<- Unchoke")
			return Unchoke{}, nil
		case 2:
			debugf("<- Interested")
			return Interested{}, nil
		default:
			debugf("<- NotInterested")
			return NotInterested{}, nil
		}
	case 4:
		if length != 5 {
			return nil, ErrParse
		}
		index, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		debugf("<- Have %v", index)
		return Have{index}, nil
	case 5:
		if length < 1 {
			return nil, ErrParse
		}
		bf := make([]byte, length-1)
		_, err := io.ReadFull(r, bf)
		if err != nil {
			return nil, err
		}
		debugf("<- Bitfield %v", len(bf))
		return Bitfield{bf}, nil
	case 6, 8, 16:
		if length != 13 {
			return nil, ErrParse
		}
		index, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		begin, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		count, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		switch tpe {
		case 6:
			debugf("<- Request %v %v %v", index, begin, count)
			return Request{index, begin, count}, nil
		case 8:
			debugf("<- Cancel %v %v %v", index, begin, count)
			return Cancel{index, begin, count}, nil
		default:
			debugf("<- RejectRequest %v %v %v",
				index, begin, count)
			return RejectRequest{index, begin, count}, nil
		}
	case 7:
		if length < 9 {
			return nil, ErrParse
		}
		index, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		begin, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		debugf("<- Piece %v %v %v", index, begin, length-9)
		data := GetBuffer(int(length - 9))
		_, err = io.ReadFull(r, data)
		if err != nil {
			PutBuffer(data)
			return nil, err
		}
		return Piece{index, begin, data}, nil
	case 9:
		if length != 3 {
			return nil, ErrParse
		}
		port, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		debugf("<- Port %v", port)
		return Port{port}, nil
	case 13, 17:
		if length != 5 {
			return nil, ErrParse
		}
		index, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		if tpe == 13 {
			debugf("<- SuggestPiece %v", index)
			return SuggestPiece{index}, nil
		}
		debugf("<- AllowedFast %v", index)
		return AllowedFast{index}, nil
	case 14, 15:
		if length != 1 {
			return nil, ErrParse
		}
		if tpe == 14 {
			debugf("<- HaveAll")
			return HaveAll{}, nil
		}
		debugf("<- HaveNone")
		return HaveNone{}, nil
	case 20:
		if length < 2 {
			return nil, ErrParse
		}
		return readExtended(r, int(length-1), debugf)
	}
	_, err = r.Discard(int(length) - 1)
	if err != nil {
		return nil, err
	}
	return Unknown{tpe}, nil
}

func readExtended(r *bufio.Reader, length int, debugf func(string, ...interface{})) (Message, error) {
	subtype, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	length--

	switch subtype {
	case 0:
		var ext extensionInfo
		lr := io.LimitReader(r, int64(length))
		decoder := bencode.NewDecoder(lr)
		err = decoder.Decode(&ext)
		if err != nil {
			return nil, err
		}
		_, err = io.Copy(io.Discard, lr)
		if err != nil {
			return nil, err
		}
		m := Extended0{
			Version:      ext.Version,
			Port:         ext.Port,
			ReqQ:         ext.ReqQ,
			MetadataSize: ext.MetadataSize,
			Messages:     ext.Messages,
		}
		if len(ext.IPv4) == 4 {
			m.IPv4 = ext.IPv4
		}
		if len(ext.IPv6) == 16 {
			m.IPv6 = ext.IPv6
		}
		debugf("<- Extended0 %v", m.Version)
		return m, nil
	case ExtPex:
		var info pexInfo
		lr := io.LimitReader(r, int64(length))
		decoder := bencode.NewDecoder(lr)
		err := decoder.Decode(&info)
		if err != nil {
			return nil, err
		}
		_, err = io.Copy(io.Discard, lr)
		if err != nil {
			return nil, err
		}
		var added, dropped []pex.Peer
		if len(info.Added)%6 == 0 {
			added = append(added,
				pex.ParseCompact(info.Added,
					info.AddedF, false)...)
		}
		if len(info.Added6)%18 == 0 {
			added = append(added,
				pex.ParseCompact(info.Added6,
					info.Added6F, true)...)
		}
		if len(info.Dropped)%6 == 0 {
			dropped = append(dropped,
				pex.ParseCompact(info.Dropped, nil, false)...)
		}
		if len(info.Dropped6)%18 == 0 {
			dropped = append(dropped,
				pex.ParseCompact(info.Dropped6, nil, true)...)
		}
		debugf("<- ExtendedPex %v %v", len(added), len(dropped))
		return ExtendedPex{ExtPex, added, dropped}, nil
	case ExtMetadata:
		// The raw piece bytes follow the bencoded dictionary
		// with no separator, so we must count what the decoder
		// consumed.
		data := make([]byte, length)
		_, err := io.ReadFull(r, data)
		if err != nil {
			return nil, err
		}
		var m metadataInfo
		decoder := bencode.NewDecoder(bytes.NewReader(data))
		err = decoder.Decode(&m)
		if err != nil {
			return nil, err
		}
		if m.Type == nil || m.Piece == nil {
			return nil, ErrParse
		}
		var totalSize uint32
		if m.TotalSize != nil {
			totalSize = *m.TotalSize
		}
		var payload []byte
		count := decoder.BytesParsed()
		if count < len(data) {
			payload = append([]byte(nil), data[count:]...)
		}
		debugf("<- ExtendedMetadata %v %v", *m.Type, *m.Piece)
		return ExtendedMetadata{ExtMetadata,
			*m.Type, *m.Piece, totalSize, payload}, nil
	case ExtDontHave:
		if length != 4 {
			return nil, ErrParse
		}
		index, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		debugf("<- ExtendedDontHave %v", index)
		return ExtendedDontHave{ExtDontHave, index}, nil
	default:
		debugf("<- ExtendedUnknown %v %v", subtype, length)
		_, err := r.Discard(length)
		if err != nil {
			return nil, err
		}
		return ExtendedUnknown{subtype}, nil
	}
}

// Reader reads messages from c and delivers them on ch until either the
// wire fails or done is closed.  Wire errors are delivered as an Error
// message.
func Reader(c net.Conn, init []byte, l *log.Logger, ch chan<- Message, done <-chan struct{}) {
	defer close(ch)

	var r *bufio.Reader
	if len(init) == 0 {
		r = bufio.NewReader(c)
	} else {
		r = bufio.NewReader(io.MultiReader(bytes.NewReader(init), c))
	}
	for {
		var m Message
		err := c.SetReadDeadline(time.Now().Add(4 * time.Minute))
		if err == nil {
			m, err = Read(r, l)
		}
		if err != nil {
			m = Error{err}
		}
		select {
		case ch <- m:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}
