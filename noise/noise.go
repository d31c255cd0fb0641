// Package noise implements the post-handshake transport encryption applied to
// a libp2p connection.
//
// The handshake itself happens elsewhere; this package accepts two
// already-derived symmetric keys and from then on frames every record as a
// big-endian uint16 length prefix followed by a ChaCha20-Poly1305 ciphertext.
// The nonce is a 12-byte value whose last 8 bytes hold a little-endian record
// counter, incremented independently for each direction.
//
// The package is sans-IO: ReadWrite decrypts whatever complete records are
// sitting in the outer scratchpad and exposes the plaintext through an inner
// scratchpad; Flush re-encrypts whatever the inner scratchpad accumulated and
// queues the ciphertext on the outer one.
package noise

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/branham01/smoldot/readwrite"
)

const (
	lengthPrefixSize = 2
	tagSize          = 16
	// maxFrameLen is the maximum noise record length, tag included.
	maxFrameLen     = 65535
	maxPlaintextLen = maxFrameLen - tagSize
)

// Errors surfaced by this package. Both are fatal for the connection.
var (
	// ErrCipher indicates that a record failed MAC verification. Either the
	// data was corrupted in transit or the two sides have desynchronized.
	ErrCipher = errors.New("noise: record authentication failed")
	// ErrEncrypt indicates that outgoing data could not be encrypted.
	ErrEncrypt = errors.New("noise: encryption failed")
)

// Config carries the material needed to resume an established noise session.
type Config struct {
	// IsInitiator records which side of the handshake we were. It does not
	// influence the cipher but is carried so upper layers can assign stream
	// id parity.
	IsInitiator bool
	// TxKey encrypts records we send.
	TxKey [32]byte
	// RxKey decrypts records we receive.
	RxKey [32]byte
}

// Noise is the transport encryption state of one connection.
type Noise struct {
	isInitiator bool
	send        cipher.AEAD
	recv        cipher.AEAD
	sendNonce   uint64
	recvNonce   uint64

	// rxPlain holds decrypted bytes not yet consumed by the upper layer.
	rxPlain []byte
}

// New builds a Noise from an already-completed handshake.
func New(cfg Config) (*Noise, error) {
	send, err := chacha20poly1305.New(cfg.TxKey[:])
	if err != nil {
		return nil, fmt.Errorf("noise: bad tx key: %w", err)
	}
	recv, err := chacha20poly1305.New(cfg.RxKey[:])
	if err != nil {
		return nil, fmt.Errorf("noise: bad rx key: %w", err)
	}
	return &Noise{
		isInitiator: cfg.IsInitiator,
		send:        send,
		recv:        recv,
	}, nil
}

// IsInitiator reports which side of the handshake we were.
func (n *Noise) IsInitiator() bool { return n.isInitiator }

func nonceBytes(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// ReadWrite decrypts every complete record in outer.IncomingBuffer, consuming
// the ciphertext, and returns an inner scratchpad whose IncomingBuffer holds
// the accumulated plaintext. Writes queued on the inner scratchpad must be
// handed back through Flush before the next call.
//
// A record that fails authentication returns ErrCipher; the connection must
// then be torn down.
func (n *Noise) ReadWrite(outer *readwrite.ReadWrite) (*readwrite.ReadWrite, error) {
	for {
		buf := outer.IncomingBuffer
		if len(buf) < lengthPrefixSize {
			break
		}
		recordLen := int(binary.BigEndian.Uint16(buf))
		if len(buf) < lengthPrefixSize+recordLen {
			break
		}
		record := outer.IncomingBytesTake(lengthPrefixSize + recordLen)[lengthPrefixSize:]
		if recordLen < tagSize {
			return nil, ErrCipher
		}
		nonce := nonceBytes(n.recvNonce)
		plaintext, err := n.recv.Open(record[:0], nonce[:], record, nil)
		if err != nil {
			return nil, ErrCipher
		}
		n.recvNonce++
		n.rxPlain = append(n.rxPlain, plaintext...)
	}

	inner := &readwrite.ReadWrite{
		Now:            outer.Now,
		IncomingBuffer: n.rxPlain,
		ReadClosed:     outer.ReadClosed,
	}
	if outer.WriteClosed {
		inner.WriteClosed = true
	} else {
		inner.WriteBytesQueueable = plaintextCapacity(outer.WriteBytesQueueable)
	}
	return inner, nil
}

// Flush persists the inner scratchpad back into the Noise state and the outer
// scratchpad: leftover plaintext is retained for the next call, queued writes
// are encrypted into records on the outer outbound queue, and scheduling
// hints are merged.
//
// The queued writes are coalesced into maximal records rather than encrypted
// chunk by chunk: the per-record overhead must never exceed what
// plaintextCapacity reserved, and that reservation assumes full records.
func (n *Noise) Flush(inner, outer *readwrite.ReadWrite) error {
	n.rxPlain = inner.IncomingBuffer

	if !inner.WakeUpAfter.IsZero() {
		outer.WakeUpAfterAt(inner.WakeUpAfter)
	}
	if !inner.ReadClosed && inner.ExpectedIncomingBytes > outer.ExpectedIncomingBytes {
		// The upper layer's expectation, plus one record's worth of framing.
		outer.ExpectedIncomingBytes = inner.ExpectedIncomingBytes + lengthPrefixSize + tagSize
	}

	var pending []byte
	for _, buf := range inner.WriteBuffers {
		pending = append(pending, buf...)
	}
	for len(pending) > 0 {
		chunk := pending
		if len(chunk) > maxPlaintextLen {
			chunk = chunk[:maxPlaintextLen]
		}
		pending = pending[len(chunk):]
		if err := n.encryptRecord(outer, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (n *Noise) encryptRecord(outer *readwrite.ReadWrite, plaintext []byte) error {
	if outer.WriteClosed {
		return ErrEncrypt
	}
	recordLen := len(plaintext) + tagSize
	record := make([]byte, lengthPrefixSize, lengthPrefixSize+recordLen)
	binary.BigEndian.PutUint16(record, uint16(recordLen))
	nonce := nonceBytes(n.sendNonce)
	record = n.send.Seal(record, nonce[:], plaintext, nil)
	if len(record) != lengthPrefixSize+recordLen {
		return ErrEncrypt
	}
	n.sendNonce++
	outer.Write(record)
	return nil
}

// plaintextCapacity returns how many plaintext bytes may be queued on the
// inner scratchpad such that the resulting records are guaranteed to fit in q
// ciphertext bytes.
func plaintextCapacity(q int) int {
	if q == readwrite.Unbounded {
		return readwrite.Unbounded
	}
	const perRecord = lengthPrefixSize + tagSize
	records := q/(maxFrameLen+lengthPrefixSize) + 1
	c := q - records*perRecord
	if c < 0 {
		return 0
	}
	return c
}
