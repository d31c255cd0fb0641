package yamux

import (
	"encoding/binary"
	"fmt"
)

// Wire format: every frame starts with a 12-byte header. Data frames are
// followed by `length` bytes of payload; for every other frame type the
// length field carries the value itself (window delta, ping opaque, GoAway
// code) and no payload follows.
const headerSize = 12

const protocolVersion = 0

const (
	typeData = iota
	typeWindowUpdate
	typePing
	typeGoAway
)

const (
	flagSYN = 1 << iota // first frame of a new substream
	flagACK             // acknowledges a SYN
	flagFIN             // sender half-closes the substream
	flagRST             // substream is torn down abruptly
)

// initialWindow is the per-substream flow-control credit both sides start
// with, in bytes.
const initialWindow = 256 * 1024

// GoAwayCode is the error code carried by a GoAway frame.
type GoAwayCode uint32

// GoAway codes defined by the protocol.
const (
	GoAwayNormalTermination GoAwayCode = 0
	GoAwayProtocolError     GoAwayCode = 1
	GoAwayInternalError     GoAwayCode = 2
)

type frameHeader struct {
	ty       uint8
	flags    uint16
	streamID uint32
	length   uint32
}

func encodeFrameHeader(buf []byte, h frameHeader) {
	buf[0] = protocolVersion
	buf[1] = h.ty
	binary.BigEndian.PutUint16(buf[2:], h.flags)
	binary.BigEndian.PutUint32(buf[4:], h.streamID)
	binary.BigEndian.PutUint32(buf[8:], h.length)
}

func decodeFrameHeader(buf []byte) (frameHeader, error) {
	if buf[0] != protocolVersion {
		return frameHeader{}, fmt.Errorf("unsupported version %d", buf[0])
	}
	h := frameHeader{
		ty:       buf[1],
		flags:    binary.BigEndian.Uint16(buf[2:]),
		streamID: binary.BigEndian.Uint32(buf[4:]),
		length:   binary.BigEndian.Uint32(buf[8:]),
	}
	if h.ty > typeGoAway {
		return frameHeader{}, fmt.Errorf("unknown frame type %d", h.ty)
	}
	return h, nil
}

func appendFrame(buf []byte, h frameHeader, payload []byte) []byte {
	var hdr [headerSize]byte
	encodeFrameHeader(hdr[:], h)
	buf = append(buf, hdr[:]...)
	return append(buf, payload...)
}
