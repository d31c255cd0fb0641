package connection

import (
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"

	"github.com/branham01/smoldot/readwrite"
)

// Protocol negotiation (multistream-select 1.0). Every message on the wire is
// an unsigned varint length prefix followed by the payload, which ends with a
// newline. The dialer pipelines its handshake and protocol proposal; the
// listener echoes the handshake and then answers each proposal with either
// the protocol name or "na".
const (
	msHandshake = "/multistream/1.0.0"
	msNotAvail  = "na"
)

var errNegotiation = errors.New("protocol negotiation failed")

func msEncode(msg string) []byte {
	out := varint.ToUvarint(uint64(len(msg) + 1))
	out = append(out, msg...)
	return append(out, '\n')
}

// msDecode reads one negotiation message out of rw. It returns ok == false
// when more bytes are needed, in which case ExpectedIncomingBytes is updated.
func msDecode(rw *readwrite.ReadWrite, maxLen int) (string, bool, error) {
	payload, ok, err := readFramedMessage(rw, maxLen+1)
	if err != nil || !ok {
		return "", ok, err
	}
	if len(payload) == 0 || payload[len(payload)-1] != '\n' {
		return "", false, errNegotiation
	}
	return string(payload[:len(payload)-1]), true, nil
}

// frameMessage length-prefixes a request, response, handshake or
// notification.
func frameMessage(payload []byte) []byte {
	out := varint.ToUvarint(uint64(len(payload)))
	return append(out, payload...)
}

// readFramedMessage reads one varint-length-prefixed message out of rw,
// consuming its bytes. It returns ok == false when the message is still
// incomplete, in which case ExpectedIncomingBytes is raised accordingly.
// Messages longer than maxLen are an error.
func readFramedMessage(rw *readwrite.ReadWrite, maxLen int) ([]byte, bool, error) {
	length, prefixLen, err := varint.FromUvarint(rw.IncomingBuffer)
	if err != nil {
		if errors.Is(err, varint.ErrUnderflow) {
			expectMore(rw, 1)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("bad length prefix: %w", err)
	}
	if length > uint64(maxLen) {
		return nil, false, fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, length, maxLen)
	}
	total := prefixLen + int(length)
	if len(rw.IncomingBuffer) < total {
		expectMore(rw, total-len(rw.IncomingBuffer))
		return nil, false, nil
	}
	return rw.IncomingBytesTake(total)[prefixLen:], true, nil
}

func expectMore(rw *readwrite.ReadWrite, n int) {
	if !rw.ReadClosed && n > rw.ExpectedIncomingBytes {
		rw.ExpectedIncomingBytes = n
	}
}

// msDialer drives the dialer side of a negotiation. The offer is pipelined
// behind the handshake; the two answers are then read back.
type msDialer struct {
	protocol  string
	sent      bool
	gotEcho   bool
	gotAnswer bool
	refused   bool
}

// step advances the negotiation as far as the available bytes allow. done
// reports whether the negotiation reached a conclusion; refused whether the
// remote turned the protocol down.
func (d *msDialer) step(rw *readwrite.ReadWrite) (done, refused bool, err error) {
	if !d.sent {
		if rw.WriteClosed {
			return false, false, errNegotiation
		}
		msg := msEncode(msHandshake)
		msg = append(msg, msEncode(d.protocol)...)
		if len(msg) > rw.WriteBytesQueueable {
			return false, false, nil
		}
		rw.Write(msg)
		d.sent = true
	}
	if !d.gotEcho {
		echo, ok, err := msDecode(rw, len(msHandshake))
		if err != nil {
			return false, false, err
		}
		if !ok {
			return false, false, nil
		}
		if echo != msHandshake {
			return false, false, errNegotiation
		}
		d.gotEcho = true
	}
	if !d.gotAnswer {
		maxLen := len(d.protocol)
		if len(msNotAvail) > maxLen {
			maxLen = len(msNotAvail)
		}
		answer, ok, err := msDecode(rw, maxLen)
		if err != nil {
			return false, false, err
		}
		if !ok {
			return false, false, nil
		}
		d.gotAnswer = true
		switch answer {
		case d.protocol:
		case msNotAvail:
			d.refused = true
		default:
			return false, false, errNegotiation
		}
	}
	return true, d.refused, nil
}

// msListener drives the listener side of a negotiation up to the point where
// a protocol has been proposed; accepting or refusing the proposal is the
// caller's business.
type msListener struct {
	maxProtocolLen int
	sentHandshake  bool
	gotHandshake   bool
}

// step advances the listener. It returns the proposed protocol name once one
// arrives; the empty string with ok == false means more bytes are needed.
func (l *msListener) step(rw *readwrite.ReadWrite) (proposal string, ok bool, err error) {
	if !l.sentHandshake {
		if rw.WriteClosed {
			return "", false, errNegotiation
		}
		msg := msEncode(msHandshake)
		if len(msg) > rw.WriteBytesQueueable {
			return "", false, nil
		}
		rw.Write(msg)
		l.sentHandshake = true
	}
	if !l.gotHandshake {
		hs, ok, err := msDecode(rw, len(msHandshake))
		if err != nil {
			return "", false, err
		}
		if !ok {
			return "", false, nil
		}
		if hs != msHandshake {
			return "", false, errNegotiation
		}
		l.gotHandshake = true
	}
	proposal, ok, err = msDecode(rw, l.maxProtocolLen)
	if err != nil || !ok {
		return "", false, err
	}
	return proposal, true, nil
}
