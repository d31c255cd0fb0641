// Package readwrite defines the caller-owned I/O scratchpad that connection
// state machines are driven through.
//
// A ReadWrite is passed by pointer into a state machine's single entry point.
// The caller fills IncomingBuffer with bytes received from the transport and
// drains WriteBuffers to the transport afterwards. State machines never touch
// the transport themselves; everything they want to say goes through this
// value, including when they would like to be invoked again (WakeUpAfter) and
// how many more bytes they expect (ExpectedIncomingBytes).
package readwrite

import (
	"math"
	"time"
)

// ReadWrite carries the inbound bytes, the outbound queue, and the scheduling
// hints exchanged between a state machine and its caller during one
// invocation.
type ReadWrite struct {
	// Now is the value of the monotonic clock at the time of the call.
	Now time.Time

	// IncomingBuffer holds bytes delivered by the transport that the state
	// machine hasn't consumed yet.
	IncomingBuffer []byte

	// ReadClosed indicates that no more incoming bytes will ever arrive.
	// When set, IncomingBuffer holds the final leftovers.
	ReadClosed bool

	// ExpectedIncomingBytes is the minimum number of additional bytes the
	// state machine would like delivered before the next call, if available.
	// Only meaningful while !ReadClosed.
	ExpectedIncomingBytes int

	// ReadBytes counts the bytes consumed from IncomingBuffer during this
	// invocation.
	ReadBytes int

	// WriteBuffers is the queue of outbound chunks produced so far, oldest
	// first. The caller owns the chunks once the invocation returns.
	WriteBuffers [][]byte

	// WriteBytesQueued counts the bytes across WriteBuffers queued during
	// this invocation.
	WriteBytesQueued int

	// WriteClosed indicates the writing side has been closed; no further
	// bytes may be queued.
	WriteClosed bool

	// WriteBytesQueueable is the remaining number of bytes that may be
	// queued. Only meaningful while !WriteClosed.
	WriteBytesQueueable int

	// WakeUpAfter is the earliest deadline at which the state machine wants
	// to be invoked again even if no I/O happened. The zero value means no
	// deadline has been requested.
	WakeUpAfter time.Time
}

// Unbounded is a WriteBytesQueueable value meaning the writing side applies
// no back-pressure.
const Unbounded = math.MaxInt

// Write appends a chunk to the outbound queue, debiting WriteBytesQueueable.
//
// An empty chunk is ignored. Otherwise Write panics if the writing side is
// closed or if the chunk exceeds the queueable capacity; callers are expected
// to have checked beforehand.
func (rw *ReadWrite) Write(b []byte) {
	if len(b) == 0 {
		return
	}
	if rw.WriteClosed {
		panic("readwrite: Write on closed writing side")
	}
	if len(b) > rw.WriteBytesQueueable {
		panic("readwrite: Write exceeds queueable capacity")
	}
	rw.WriteBuffers = append(rw.WriteBuffers, b)
	rw.WriteBytesQueued += len(b)
	if rw.WriteBytesQueueable != Unbounded {
		rw.WriteBytesQueueable -= len(b)
	}
}

// IncomingBytesTake consumes and returns the first n bytes of IncomingBuffer.
// It panics if fewer than n bytes are available.
func (rw *ReadWrite) IncomingBytesTake(n int) []byte {
	if n > len(rw.IncomingBuffer) {
		panic("readwrite: IncomingBytesTake beyond buffer")
	}
	taken := rw.IncomingBuffer[:n:n]
	rw.IncomingBuffer = rw.IncomingBuffer[n:]
	rw.ReadBytes += n
	return taken
}

// IncomingBytesTakeAll consumes and returns the whole of IncomingBuffer.
func (rw *ReadWrite) IncomingBytesTakeAll() []byte {
	return rw.IncomingBytesTake(len(rw.IncomingBuffer))
}

// WakeUpAfterAt lowers WakeUpAfter to t. If a deadline is already set, the
// earlier of the two wins.
func (rw *ReadWrite) WakeUpAfterAt(t time.Time) {
	if rw.WakeUpAfter.IsZero() || t.Before(rw.WakeUpAfter) {
		rw.WakeUpAfter = t
	}
}

// WakeUpASAP requests an immediate re-invocation.
func (rw *ReadWrite) WakeUpASAP() {
	rw.WakeUpAfterAt(rw.Now)
}

// CloseWrite closes the writing side. Subsequent Write calls with a non-empty
// chunk panic.
func (rw *ReadWrite) CloseWrite() {
	rw.WriteClosed = true
	rw.WriteBytesQueueable = 0
}
