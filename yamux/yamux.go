// Package yamux implements the yamux stream multiplexer as a sans-IO state
// machine.
//
// Unlike typical multiplexer implementations, this package never touches a
// socket and never spawns a goroutine. Bytes received from the transport are
// pushed in through IncomingData, which decodes at most one semantic unit per
// call and reports what it found; bytes to send are pulled out through
// ExtractNext. All progress is driven by the caller. This shape is what lets
// a single connection driver interleave decryption, demultiplexing and
// per-substream protocol logic without ever blocking.
package yamux

import (
	"errors"
	"fmt"
	"math"
)

// Errors returned by IncomingData and the substream operations. All of them
// are fatal for the connection.
var (
	ErrProtocol        = errors.New("yamux: protocol violation")
	ErrCreditExceeded  = errors.New("yamux: peer sent data in excess of its flow-control credit")
	ErrTooManyPings    = errors.New("yamux: too many unanswered pings")
	ErrTooManyResets   = errors.New("yamux: too many queued substream resets")
	ErrGoAwayReceived  = errors.New("yamux: peer sent GoAway, no new substream may be opened")
	ErrNoMoreSubstream = errors.New("yamux: substream identifiers exhausted")
)

// NewSubstreamFrameSize is the number of bytes of overhead on the wire when a
// substream is opened.
const NewSubstreamFrameSize = headerSize

// SubstreamID identifies a substream within one connection. Identifiers are
// never reused for the lifetime of the connection.
type SubstreamID uint32

// DeathTy describes how a dead substream terminated.
type DeathTy uint8

const (
	// DeathReset indicates the substream was torn down abruptly, by either
	// side.
	DeathReset DeathTy = iota
	// DeathClosedGracefully indicates both halves were closed cleanly.
	DeathClosedGracefully
)

// DeadSubstream is one entry of the DeadSubstreams listing.
type DeadSubstream struct {
	ID SubstreamID
	Ty DeathTy
}

// Detail describes what IncomingData decoded.
type Detail interface{ isDetail() }

// DetailIncomingSubstream reports that the remote requested a new substream.
// The caller must invoke AcceptPendingSubstream or RejectPendingSubstream
// before feeding more data.
type DetailIncomingSubstream struct{}

// DetailDataFrame reports payload bytes for a substream. The payload is the
// slice of the input between StartOffset and the number of bytes read.
type DetailDataFrame struct {
	ID          SubstreamID
	StartOffset int
}

// DetailStreamReset reports that the remote abruptly terminated a substream.
type DetailStreamReset struct{ ID SubstreamID }

// DetailStreamClosed reports that the remote half-closed a substream.
type DetailStreamClosed struct{ ID SubstreamID }

// DetailGoAway reports that the remote announced it will accept no new
// substreams.
type DetailGoAway struct{ Code GoAwayCode }

// DetailPingResponse reports a pong from the remote.
type DetailPingResponse struct{}

func (DetailIncomingSubstream) isDetail() {}
func (DetailDataFrame) isDetail()         {}
func (DetailStreamReset) isDetail()       {}
func (DetailStreamClosed) isDetail()      {}
func (DetailGoAway) isDetail()            {}
func (DetailPingResponse) isDetail()      {}

// Config configures a Yamux instance.
type Config struct {
	// IsInitiator determines the parity of locally-allocated substream ids.
	IsInitiator bool
	// Capacity is a hint for the number of simultaneous substreams.
	Capacity int
	// MaxOutDataFrameSize caps the payload of outgoing data frames.
	MaxOutDataFrameSize uint32
	// MaxQueuedPongs caps the number of pongs waiting to be sent before the
	// remote is considered abusive.
	MaxQueuedPongs int
	// MaxQueuedResets caps the number of RST frames waiting to be sent in
	// response to remote activity.
	MaxQueuedResets int
}

type substream struct {
	userData any
	inbound  bool

	synQueued bool
	ackQueued bool

	// sendWindow is the credit the peer granted us.
	sendWindow uint64
	// remoteWindowAllowed is the credit we granted the peer that it hasn't
	// consumed yet.
	remoteWindowAllowed uint64
	// remoteWindowPending is credit to grant the peer that hasn't been put
	// on the wire yet.
	remoteWindowPending uint64

	writeQueue  [][]byte
	queuedBytes int

	localWriteClosed  bool
	finQueued         bool
	remoteWriteClosed bool
	reset             bool
}

func (s *substream) deadTy() (DeathTy, bool) {
	switch {
	case s.reset:
		return DeathReset, true
	case s.finQueued && s.remoteWriteClosed && len(s.writeQueue) == 0:
		return DeathClosedGracefully, true
	}
	return 0, false
}

type pendingSubstream struct {
	id      uint32
	dataLen uint32 // payload accompanying a SYN data frame
	delta   uint32 // window delta accompanying a SYN window update
	fin     bool
}

// Yamux is the multiplexer state of one connection.
type Yamux struct {
	cfg        Config
	substreams map[uint32]*substream
	nextID     uint32

	// Incoming parse state.
	hdr            [headerSize]byte
	hdrLen         int
	curDataID      uint32
	curDataLeft    uint32
	curDataDeliver bool
	finPending     uint32
	finPendingSet  bool
	pending        *pendingSubstream

	// Outgoing control state.
	pongs        []uint32
	rstQueue     []uint32
	goAwayQueued bool
	goAwayCode   GoAwayCode
	goAwaySent   bool
	remoteGoAway *GoAwayCode
}

// New builds an empty multiplexer state machine.
func New(cfg Config) *Yamux {
	if cfg.MaxOutDataFrameSize == 0 {
		cfg.MaxOutDataFrameSize = 8192
	}
	if cfg.MaxQueuedPongs == 0 {
		cfg.MaxQueuedPongs = 4
	}
	if cfg.MaxQueuedResets == 0 {
		cfg.MaxQueuedResets = 1024
	}
	nextID := uint32(2)
	if cfg.IsInitiator {
		nextID = 1
	}
	return &Yamux{
		cfg:        cfg,
		substreams: make(map[uint32]*substream, cfg.Capacity),
		nextID:     nextID,
	}
}

func (y *Yamux) get(id SubstreamID) *substream {
	s, ok := y.substreams[uint32(id)]
	if !ok {
		panic(fmt.Sprintf("yamux: unknown substream %d", id))
	}
	return s
}

// IncomingData decodes a prefix of data. It returns how many bytes were
// consumed and, possibly, a Detail describing what was decoded. A return of
// (0, nil, nil) means nothing can be done with the bytes currently available.
func (y *Yamux) IncomingData(data []byte) (int, Detail, error) {
	if y.pending != nil {
		panic("yamux: IncomingData called with a pending substream awaiting accept/reject")
	}

	// Payload of a data frame currently being received.
	if y.curDataLeft > 0 {
		n := len(data)
		if uint32(n) > y.curDataLeft {
			n = int(y.curDataLeft)
		}
		if n == 0 {
			return 0, nil, nil
		}
		// If a FIN rides on this frame, it is reported by a later call, once
		// the payload has been fully handed out.
		y.curDataLeft -= uint32(n)
		deliver := y.curDataDeliver
		if deliver {
			if s, ok := y.substreams[y.curDataID]; !ok || s.reset {
				deliver = false
			}
		}
		if deliver {
			return n, DetailDataFrame{ID: SubstreamID(y.curDataID), StartOffset: 0}, nil
		}
		return n, nil, nil
	}

	// A FIN whose payload has now been fully delivered.
	if y.finPendingSet {
		y.finPendingSet = false
		id := y.finPending
		if s, ok := y.substreams[id]; ok && !s.remoteWriteClosed {
			s.remoteWriteClosed = true
			if !s.reset {
				return 0, DetailStreamClosed{ID: SubstreamID(id)}, nil
			}
		}
	}

	// Accumulate a header.
	consumed := headerSize - y.hdrLen
	if consumed > len(data) {
		consumed = len(data)
	}
	copy(y.hdr[y.hdrLen:], data[:consumed])
	y.hdrLen += consumed
	if y.hdrLen < headerSize {
		return consumed, nil, nil
	}
	y.hdrLen = 0
	h, err := decodeFrameHeader(y.hdr[:])
	if err != nil {
		return consumed, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	switch h.ty {
	case typeData, typeWindowUpdate:
		return y.incomingStreamFrame(h, data, consumed)
	case typePing:
		switch {
		case h.flags&flagSYN != 0:
			if len(y.pongs) >= y.cfg.MaxQueuedPongs {
				return consumed, nil, ErrTooManyPings
			}
			y.pongs = append(y.pongs, h.length)
			return consumed, nil, nil
		case h.flags&flagACK != 0:
			return consumed, DetailPingResponse{}, nil
		default:
			return consumed, nil, fmt.Errorf("%w: ping without SYN or ACK", ErrProtocol)
		}
	case typeGoAway:
		if y.remoteGoAway != nil {
			return consumed, nil, fmt.Errorf("%w: multiple GoAway frames", ErrProtocol)
		}
		code := GoAwayCode(h.length)
		if code > GoAwayInternalError {
			return consumed, nil, fmt.Errorf("%w: unknown GoAway code %d", ErrProtocol, h.length)
		}
		y.remoteGoAway = &code
		return consumed, DetailGoAway{Code: code}, nil
	}
	panic("unreachable")
}

func (y *Yamux) incomingStreamFrame(h frameHeader, data []byte, consumed int) (int, Detail, error) {
	id := h.streamID
	s, known := y.substreams[id]

	if h.flags&flagRST != 0 {
		if h.ty == typeData && h.length > 0 {
			y.curDataID = id
			y.curDataLeft = h.length
			y.curDataDeliver = false
		}
		if !known || s.reset {
			return consumed, nil, nil
		}
		s.reset = true
		s.writeQueue = nil
		s.queuedBytes = 0
		return consumed, DetailStreamReset{ID: SubstreamID(id)}, nil
	}

	if h.flags&flagSYN != 0 {
		if known {
			return consumed, nil, fmt.Errorf("%w: SYN for known substream %d", ErrProtocol, id)
		}
		if id == 0 || (id%2 == 1) == y.cfg.IsInitiator {
			return consumed, nil, fmt.Errorf("%w: bad parity for remote substream %d", ErrProtocol, id)
		}
		var dataLen, delta uint32
		if h.ty == typeData {
			dataLen = h.length
			if uint64(dataLen) > initialWindow {
				return consumed, nil, ErrCreditExceeded
			}
		} else {
			delta = h.length
		}
		if y.GoAwayQueuedOrSent() {
			// The remote hasn't seen our GoAway yet. Its substream request
			// is implicitly refused; answer with a reset and discard any
			// payload.
			if err := y.queueReset(id); err != nil {
				return consumed, nil, err
			}
			if dataLen > 0 {
				y.curDataID = id
				y.curDataLeft = dataLen
				y.curDataDeliver = false
			}
			return consumed, nil, nil
		}
		y.pending = &pendingSubstream{
			id:      id,
			dataLen: dataLen,
			delta:   delta,
			fin:     h.flags&flagFIN != 0,
		}
		return consumed, DetailIncomingSubstream{}, nil
	}

	if !known {
		// Substream already removed on our side; discard.
		if h.ty == typeData && h.length > 0 {
			y.curDataID = id
			y.curDataLeft = h.length
			y.curDataDeliver = false
		}
		return consumed, nil, nil
	}

	switch h.ty {
	case typeWindowUpdate:
		s.sendWindow += uint64(h.length)
		if h.flags&flagFIN != 0 && !s.remoteWriteClosed {
			s.remoteWriteClosed = true
			if !s.reset {
				return consumed, DetailStreamClosed{ID: SubstreamID(id)}, nil
			}
		}
		return consumed, nil, nil

	case typeData:
		if s.remoteWriteClosed {
			return consumed, nil, fmt.Errorf("%w: data after FIN on substream %d", ErrProtocol, id)
		}
		if uint64(h.length) > s.remoteWindowAllowed {
			return consumed, nil, ErrCreditExceeded
		}
		s.remoteWindowAllowed -= uint64(h.length)
		fin := h.flags&flagFIN != 0
		if h.length == 0 {
			if fin {
				s.remoteWriteClosed = true
				if !s.reset {
					return consumed, DetailStreamClosed{ID: SubstreamID(id)}, nil
				}
			}
			return consumed, nil, nil
		}
		y.curDataID = id
		y.curDataLeft = h.length
		y.curDataDeliver = !s.reset
		if fin {
			y.finPending = id
			y.finPendingSet = true
		}
		// Hand out whatever payload arrived in the same buffer.
		avail := len(data) - consumed
		if uint32(avail) > y.curDataLeft {
			avail = int(y.curDataLeft)
		}
		if avail > 0 && y.curDataDeliver {
			y.curDataLeft -= uint32(avail)
			return consumed + avail, DetailDataFrame{ID: SubstreamID(id), StartOffset: consumed}, nil
		}
		if avail > 0 {
			y.curDataLeft -= uint32(avail)
			return consumed + avail, nil, nil
		}
		return consumed, nil, nil
	}
	panic("unreachable")
}

func (y *Yamux) queueReset(id uint32) error {
	if len(y.rstQueue) >= y.cfg.MaxQueuedResets {
		return ErrTooManyResets
	}
	y.rstQueue = append(y.rstQueue, id)
	return nil
}

// AcceptPendingSubstream accepts the substream reported by
// DetailIncomingSubstream, attaching the given user data.
func (y *Yamux) AcceptPendingSubstream(userData any) SubstreamID {
	p := y.pending
	if p == nil {
		panic("yamux: no pending substream")
	}
	y.pending = nil
	s := &substream{
		userData:            userData,
		inbound:             true,
		ackQueued:           true,
		sendWindow:          initialWindow + uint64(p.delta),
		remoteWindowAllowed: initialWindow - uint64(p.dataLen),
	}
	y.substreams[p.id] = s
	if p.dataLen > 0 {
		y.curDataID = p.id
		y.curDataLeft = p.dataLen
		y.curDataDeliver = true
		if p.fin {
			y.finPending = p.id
			y.finPendingSet = true
		}
	} else if p.fin {
		s.remoteWriteClosed = true
	}
	return SubstreamID(p.id)
}

// RejectPendingSubstream refuses the substream reported by
// DetailIncomingSubstream. A reset is sent back and any payload is discarded.
func (y *Yamux) RejectPendingSubstream() error {
	p := y.pending
	if p == nil {
		panic("yamux: no pending substream")
	}
	y.pending = nil
	if err := y.queueReset(p.id); err != nil {
		return err
	}
	if p.dataLen > 0 {
		y.curDataID = p.id
		y.curDataLeft = p.dataLen
		y.curDataDeliver = false
	}
	return nil
}

// OpenSubstream allocates a new locally-initiated substream.
func (y *Yamux) OpenSubstream(userData any) (SubstreamID, error) {
	if y.remoteGoAway != nil {
		return 0, ErrGoAwayReceived
	}
	if y.nextID > math.MaxUint32-2 {
		return 0, ErrNoMoreSubstream
	}
	id := y.nextID
	y.nextID += 2
	y.substreams[id] = &substream{
		userData:            userData,
		synQueued:           true,
		sendWindow:          initialWindow,
		remoteWindowAllowed: initialWindow,
	}
	return SubstreamID(id), nil
}

// Write queues data to be sent on a substream. Panics if the writing side of
// the substream is closed.
func (y *Yamux) Write(id SubstreamID, data []byte) {
	s := y.get(id)
	if s.localWriteClosed || s.reset {
		panic("yamux: Write on closed substream")
	}
	if len(data) == 0 {
		return
	}
	s.writeQueue = append(s.writeQueue, data)
	s.queuedBytes += len(data)
}

// Close closes the writing side of a substream. Any queued data is still
// delivered; a FIN follows it.
func (y *Yamux) Close(id SubstreamID) {
	s := y.get(id)
	if s.localWriteClosed || s.reset {
		panic("yamux: Close on closed substream")
	}
	s.localWriteClosed = true
}

// Reset abruptly terminates a substream. Queued data is dropped and a RST is
// sent to the remote.
func (y *Yamux) Reset(id SubstreamID) {
	s := y.get(id)
	if s.reset {
		return
	}
	s.reset = true
	s.writeQueue = nil
	s.queuedBytes = 0
	// Local resets bypass the remote-activity reset budget: the number of
	// live substreams already bounds them.
	y.rstQueue = append(y.rstQueue, uint32(id))
}

// SendGoAway queues a GoAway frame announcing that no new incoming substream
// will be accepted.
func (y *Yamux) SendGoAway(code GoAwayCode) error {
	if y.goAwayQueued || y.goAwaySent {
		return errors.New("yamux: GoAway already sent")
	}
	y.goAwayQueued = true
	y.goAwayCode = code
	return nil
}

// GoAwaySent reports whether a GoAway frame has been put on the wire.
func (y *Yamux) GoAwaySent() bool { return y.goAwaySent }

// GoAwayQueuedOrSent reports whether SendGoAway has been called.
func (y *Yamux) GoAwayQueuedOrSent() bool { return y.goAwayQueued || y.goAwaySent }

// ReceivedGoAway returns the code of the GoAway frame received from the
// remote, if any.
func (y *Yamux) ReceivedGoAway() *GoAwayCode { return y.remoteGoAway }

// UserData returns the user data attached to a substream.
func (y *Yamux) UserData(id SubstreamID) any { return y.get(id).userData }

// SetUserData replaces the user data attached to a substream.
func (y *Yamux) SetUserData(id SubstreamID, userData any) { y.get(id).userData = userData }

// HasSubstream reports whether the given substream is known, dead or not.
func (y *Yamux) HasSubstream(id SubstreamID) bool {
	_, ok := y.substreams[uint32(id)]
	return ok
}

// CanReceive reports whether the reading side of the substream is still open.
func (y *Yamux) CanReceive(id SubstreamID) bool {
	s := y.get(id)
	return !s.remoteWriteClosed && !s.reset
}

// CanSend reports whether the writing side of the substream is still open.
func (y *Yamux) CanSend(id SubstreamID) bool {
	s := y.get(id)
	return !s.localWriteClosed && !s.reset
}

// NumInbound returns the number of inbound substreams, dead-but-not-removed
// ones included.
func (y *Yamux) NumInbound() int {
	n := 0
	for _, s := range y.substreams {
		if s.inbound {
			n++
		}
	}
	return n
}

// IsEmpty reports whether no substream at all is known.
func (y *Yamux) IsEmpty() bool { return len(y.substreams) == 0 && y.pending == nil }

// QueuedBytes returns the number of bytes queued for sending on a substream.
func (y *Yamux) QueuedBytes(id SubstreamID) int { return y.get(id).queuedBytes }

// AddRemoteWindowSaturating extends the peer's flow-control credit on a
// substream. The grant is put on the wire by ExtractNext.
func (y *Yamux) AddRemoteWindowSaturating(id SubstreamID, bytes uint64) {
	s := y.get(id)
	if s.remoteWindowPending > math.MaxUint64-bytes {
		s.remoteWindowPending = math.MaxUint64
	} else {
		s.remoteWindowPending += bytes
	}
}

// SubstreamIDs returns the identifiers of every known substream.
func (y *Yamux) SubstreamIDs() []SubstreamID {
	out := make([]SubstreamID, 0, len(y.substreams))
	for id := range y.substreams {
		out = append(out, SubstreamID(id))
	}
	return out
}

// DeadSubstreams lists the substreams that terminated but haven't been
// removed yet.
func (y *Yamux) DeadSubstreams() []DeadSubstream {
	var out []DeadSubstream
	for id, s := range y.substreams {
		if ty, dead := s.deadTy(); dead {
			out = append(out, DeadSubstream{ID: SubstreamID(id), Ty: ty})
		}
	}
	return out
}

// RemoveDeadSubstream removes a dead substream and returns its user data.
// Returns nil if the substream has already been removed.
func (y *Yamux) RemoveDeadSubstream(id SubstreamID) any {
	s, ok := y.substreams[uint32(id)]
	if !ok {
		return nil
	}
	if _, dead := s.deadTy(); !dead {
		panic("yamux: RemoveDeadSubstream on live substream")
	}
	delete(y.substreams, uint32(id))
	return s.userData
}

// ExtractNext builds the next outbound frame, or returns nil if nothing is
// pending or nothing fits within maxBytes.
func (y *Yamux) ExtractNext(maxBytes int) []byte {
	if maxBytes < headerSize {
		return nil
	}

	if len(y.pongs) > 0 {
		opaque := y.pongs[0]
		y.pongs = y.pongs[1:]
		return appendFrame(nil, frameHeader{ty: typePing, flags: flagACK, length: opaque}, nil)
	}

	if len(y.rstQueue) > 0 {
		id := y.rstQueue[0]
		y.rstQueue = y.rstQueue[1:]
		return appendFrame(nil, frameHeader{ty: typeData, flags: flagRST, streamID: id}, nil)
	}

	if y.goAwayQueued && !y.goAwaySent {
		y.goAwayQueued = false
		y.goAwaySent = true
		return appendFrame(nil, frameHeader{ty: typeGoAway, length: uint32(y.goAwayCode)}, nil)
	}

	for id, s := range y.substreams {
		if s.reset {
			continue
		}

		firstFlags := uint16(0)
		if s.synQueued {
			firstFlags |= flagSYN
		}
		if s.ackQueued {
			firstFlags |= flagACK
		}

		// Window grants go out first so the peer is never starved.
		if s.remoteWindowPending > 0 {
			delta := s.remoteWindowPending
			if delta > math.MaxUint32 {
				delta = math.MaxUint32
			}
			s.remoteWindowPending -= delta
			s.remoteWindowAllowed += delta
			s.synQueued, s.ackQueued = false, false
			return appendFrame(nil, frameHeader{
				ty: typeWindowUpdate, flags: firstFlags, streamID: id, length: uint32(delta),
			}, nil)
		}

		if len(s.writeQueue) > 0 && s.sendWindow > 0 {
			max := uint64(maxBytes - headerSize)
			if max > uint64(y.cfg.MaxOutDataFrameSize) {
				max = uint64(y.cfg.MaxOutDataFrameSize)
			}
			if max > s.sendWindow {
				max = s.sendWindow
			}
			if max == 0 {
				continue
			}
			payload := make([]byte, 0, max)
			for len(s.writeQueue) > 0 && uint64(len(payload)) < max {
				chunk := s.writeQueue[0]
				take := int(max) - len(payload)
				if take > len(chunk) {
					take = len(chunk)
				}
				payload = append(payload, chunk[:take]...)
				if take == len(chunk) {
					s.writeQueue = s.writeQueue[1:]
				} else {
					s.writeQueue[0] = chunk[take:]
				}
			}
			s.queuedBytes -= len(payload)
			s.sendWindow -= uint64(len(payload))
			flags := firstFlags
			if s.localWriteClosed && len(s.writeQueue) == 0 {
				flags |= flagFIN
				s.finQueued = true
			}
			s.synQueued, s.ackQueued = false, false
			return appendFrame(nil, frameHeader{
				ty: typeData, flags: flags, streamID: id, length: uint32(len(payload)),
			}, payload)
		}

		if s.localWriteClosed && !s.finQueued && len(s.writeQueue) == 0 {
			s.finQueued = true
			s.synQueued, s.ackQueued = false, false
			return appendFrame(nil, frameHeader{
				ty: typeData, flags: firstFlags | flagFIN, streamID: id,
			}, nil)
		}

		if s.synQueued || s.ackQueued {
			s.synQueued, s.ackQueued = false, false
			return appendFrame(nil, frameHeader{
				ty: typeWindowUpdate, flags: firstFlags, streamID: id,
			}, nil)
		}
	}

	return nil
}
