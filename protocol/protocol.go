// Package protocol implements the binary frame protocol for atom-rpc.
//
// A fixed-size 14-byte header is followed by a variable-length body. The
// receiver reads the header first to learn the body length, then reads exactly
// that many bytes, which keeps frame boundaries intact on a TCP stream.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ mrp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// The codec byte (ct) is carried opaquely; whether a tag is known is decided
// by the codec registry of the receiving side.
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/valyala/bytebufferpool"
)

const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds the allocation made for a single frame body.
	MaxBodyLen uint32 = 16 << 20
)

var (
	ErrInvalidMagic       = errors.New("invalid magic number")
	ErrUnsupportedVersion = errors.New("unsupported version")
	ErrUnsupportedMsgType = errors.New("unsupported message type")
	ErrBodyTooLarge       = errors.New("body too large")
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Server RPC request
	MsgTypeResponse  MsgType = 1 // Server → Client RPC response
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body)
)

func (t MsgType) valid() bool {
	return t <= MsgTypeHeartbeat
}

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // Type tag of the codec that produced the body
	MsgType   MsgType // Request, Response, or Heartbeat
	Seq       uint32  // Matches a response to its request
	BodyLen   uint32  // Set by Encode from len(body)
}

var framePool bytebufferpool.Pool

// Encode writes a complete frame (header + body) to w in a single Write call.
// Concurrent writers sharing w must still serialize their calls.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return errors.Wrapf(ErrBodyTooLarge, "%d bytes", len(body))
	}
	h.BodyLen = uint32(len(body))

	var hdr [HeaderSize]byte
	hdr[0], hdr[1], hdr[2] = MagicNumber, MagicByte2, MagicByte3
	hdr[3] = Version
	hdr[4] = h.CodecType
	hdr[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(hdr[6:10], h.Seq)
	binary.BigEndian.PutUint32(hdr[10:14], h.BodyLen)

	buf := framePool.Get()
	defer framePool.Put(buf)
	_, _ = buf.Write(hdr[:])
	_, _ = buf.Write(body)

	if _, err := w.Write(buf.B); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version and message type.
func Decode(r io.Reader) (*Header, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, nil, err
	}

	if hdr[0] != MagicNumber || hdr[1] != MagicByte2 || hdr[2] != MagicByte3 {
		return nil, nil, errors.Wrapf(ErrInvalidMagic, "%x", hdr[0:3])
	}
	if hdr[3] != Version {
		return nil, nil, errors.Wrapf(ErrUnsupportedVersion, "%d", hdr[3])
	}
	msgType := MsgType(hdr[5])
	if !msgType.valid() {
		return nil, nil, errors.Wrapf(ErrUnsupportedMsgType, "%d", hdr[5])
	}

	h := &Header{
		CodecType: hdr[4],
		MsgType:   msgType,
		Seq:       binary.BigEndian.Uint32(hdr[6:10]),
		BodyLen:   binary.BigEndian.Uint32(hdr[10:14]),
	}
	if h.BodyLen > MaxBodyLen {
		return nil, nil, errors.Wrapf(ErrBodyTooLarge, "%d bytes", h.BodyLen)
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
