// Package connection implements the state machine of a single established
// libp2p connection: transport encryption, substream multiplexing, and the
// request/response, notifications and ping sub-protocols running on top.
//
// The whole package is sans-IO and single-threaded. An Established is a
// plain value that makes progress only while the caller is inside ReadWrite,
// driven through a readwrite.ReadWrite scratchpad. At most one Event is
// returned per invocation; the caller re-invokes until no bytes are read, no
// bytes are written and no event is returned.
package connection

import (
	"time"

	"go.uber.org/zap"
	"lukechampine.com/frand"

	"github.com/branham01/smoldot/noise"
	"github.com/branham01/smoldot/readwrite"
	"github.com/branham01/smoldot/yamux"
)

// slot is what the driver attaches to every yamux substream: the
// sub-protocol state machine, the API user's data, and the plaintext
// delivered by yamux but not yet consumed by the machine.
//
// machine is nil while it is taken out for processing, and permanently nil
// once the substream was reset and the machine's final event extracted.
type slot struct {
	machine  substreamMachine
	userData any
	readBuf  []byte
}

func (sl *slot) takeUserData() any {
	ud := sl.userData
	sl.userData = nil
	return ud
}

// Established is the state machine of a fully-established connection.
type Established struct {
	encryption *noise.Noise
	yamux      *yamux.Yamux

	// substreamToProcess, when valid, points at a substream whose read
	// buffer holds unconsumed data. It is drained before any further bytes
	// are pulled from the network, which is what keeps per-substream
	// ordering intact.
	substreamToProcess    yamux.SubstreamID
	substreamToProcessSet bool

	// outgoingPings is the substream carrying our keep-alive pings. It is
	// opened at construction and never replaced; if the remote resets it,
	// every subsequent ping fails immediately.
	outgoingPings yamux.SubstreamID
	nextPing      time.Time
	pingRand      *frand.RNG

	maxInboundSubstreams int
	maxProtocolNameLen   int
	pingInterval         time.Duration
	pingTimeout          time.Duration

	logger *zap.Logger
	dead   bool
}

// New builds the state machine of a connection whose noise handshake has
// already completed.
func New(encryption *noise.Noise, cfg Config) *Established {
	cfg.fillDefaults()

	mux := yamux.New(yamux.Config{
		IsInitiator:         encryption.IsInitiator(),
		Capacity:            cfg.SubstreamsCapacity,
		MaxOutDataFrameSize: maxOutDataFrameSize,
		MaxQueuedPongs:      maxQueuedPongs,
		MaxQueuedResets:     maxQueuedResets,
	})

	// Neither a GoAway nor an id exhaustion is possible on a fresh machine.
	outgoingPings, err := mux.OpenSubstream(&slot{machine: newPingOutbound(cfg.PingProtocol)})
	if err != nil {
		panic(err)
	}

	return &Established{
		encryption:           encryption,
		yamux:                mux,
		outgoingPings:        outgoingPings,
		nextPing:             cfg.FirstOutPing,
		pingRand:             frand.NewCustom(cfg.RandomnessSeed[:], 256, 12),
		maxInboundSubstreams: cfg.MaxInboundSubstreams,
		maxProtocolNameLen:   cfg.MaxProtocolNameLen,
		pingInterval:         cfg.PingInterval,
		pingTimeout:          cfg.PingTimeout,
		logger:               cfg.Logger,
	}
}

func (c *Established) slot(id yamux.SubstreamID) *slot {
	return c.yamux.UserData(id).(*slot)
}

// ReadWrite reads data coming from the transport, advances the internal
// state machines, and queues data destined to the transport, all through rw.
//
// At most one Event is returned per call; the caller should invoke ReadWrite
// in a loop until no bytes are read, no bytes are written, and no event is
// returned. A non-nil error is fatal: the connection object must be
// discarded and the transport shut down.
func (c *Established) ReadWrite(rw *readwrite.ReadWrite) (Event, error) {
	if c.dead {
		panic("connection: ReadWrite after fatal error")
	}

	// First, advance every substream without reading new network bytes.
	// This can flush out writes that were queued between invocations.
	for _, id := range c.yamux.SubstreamIDs() {
		callAgain, event := c.processSubstream(id, rw)
		if event != nil {
			return event, nil
		}
		if callAgain {
			rw.WakeUpASAP()
		}
	}

	// Fire an outgoing ping if it is due.
	if !rw.Now.Before(c.nextPing) {
		c.nextPing = rw.Now.Add(c.pingInterval)
		sl := (*slot)(nil)
		if c.yamux.HasSubstream(c.outgoingPings) {
			sl = c.slot(c.outgoingPings)
		}
		if sl != nil && sl.machine != nil {
			var payload [pingPayloadSize]byte
			c.pingRand.Read(payload[:])
			sl.machine.(interface {
				queuePing([pingPayloadSize]byte, time.Time)
			}).queuePing(payload, rw.Now.Add(c.pingTimeout))
		} else {
			// The remote has reset the ping substream; pings can no longer
			// be delivered at all.
			rw.WakeUpAfterAt(c.nextPing)
			return EventPingOutFailed{}, nil
		}
	}
	rw.WakeUpAfterAt(c.nextPing)

	// Processing incoming data might be blocked on emitting data or on
	// removing dead substreams, and processing incoming data might lead to
	// more data to emit. A single loop does everything; any meaningful
	// activity sets progress, and an idle iteration returns.
	for {
		// Once both sides announced a GoAway and every substream is gone,
		// the connection has nothing left to say.
		if c.yamux.IsEmpty() && c.yamux.GoAwaySent() && c.yamux.ReceivedGoAway() != nil {
			if !rw.WriteClosed {
				rw.CloseWrite()
			}
		}

		progress := false

		if c.substreamToProcessSet {
			if !c.yamux.HasSubstream(c.substreamToProcess) {
				c.substreamToProcessSet = false
				continue
			}
			callAgain, event := c.processSubstream(c.substreamToProcess, rw)
			if !callAgain {
				c.substreamToProcessSet = false
			}
			if event != nil {
				return event, nil
			}
			if callAgain {
				// Do not read more network bytes until this substream's
				// buffered data has been fully handled.
				continue
			}
		}

		inner, err := c.encryption.ReadWrite(rw)
		if err != nil {
			c.dead = true
			return nil, &NoiseError{Err: err}
		}

		event, stepProgress, yamuxErr := c.step(inner)
		if flushErr := c.encryption.Flush(inner, rw); flushErr != nil && yamuxErr == nil {
			c.dead = true
			return nil, &NoiseEncryptError{Err: flushErr}
		}
		if yamuxErr != nil {
			c.dead = true
			return nil, &YamuxError{Err: yamuxErr}
		}
		if event != nil {
			return event, nil
		}
		if stepProgress {
			progress = true
		}

		// Substreams that terminated aren't removed from yamux on the spot;
		// sweep them here, giving their state machine a final say.
		event, sweepProgress := c.sweepDeadSubstreams(rw)
		if event != nil {
			return event, nil
		}
		if sweepProgress {
			progress = true
		}

		if !progress {
			return nil, nil
		}
	}
}

// step feeds decrypted bytes into yamux, dispatches whatever was decoded,
// and drains outbound frames. inner is the decrypted scratchpad; the caller
// flushes it afterwards.
func (c *Established) step(inner *readwrite.ReadWrite) (Event, bool, error) {
	bytesRead, detail, err := c.yamux.IncomingData(inner.IncomingBuffer)
	if err != nil {
		return nil, false, err
	}
	progress := bytesRead > 0 || detail != nil

	var event Event
	switch d := detail.(type) {
	case nil:
		inner.IncomingBytesTake(bytesRead)

	case yamux.DetailIncomingSubstream:
		inner.IncomingBytesTake(bytesRead)
		if c.yamux.NumInbound() >= c.maxInboundSubstreams {
			c.logger.Debug("inbound substream rejected, limit reached",
				zap.Int("max", c.maxInboundSubstreams))
			if err := c.yamux.RejectPendingSubstream(); err != nil {
				return nil, false, err
			}
		} else {
			c.yamux.AcceptPendingSubstream(&slot{
				machine: newInboundSubstream(c.maxProtocolNameLen),
			})
		}

	case yamux.DetailStreamReset:
		inner.IncomingBytesTake(bytesRead)

	case yamux.DetailStreamClosed:
		inner.IncomingBytesTake(bytesRead)

	case yamux.DetailDataFrame:
		data := inner.IncomingBytesTake(bytesRead)
		sl := c.slot(d.ID)
		sl.readBuf = append(sl.readBuf, data[d.StartOffset:]...)
		c.substreamToProcess = d.ID
		c.substreamToProcessSet = true

	case yamux.DetailGoAway:
		inner.IncomingBytesTake(bytesRead)
		c.logger.Debug("GoAway received", zap.Uint32("code", uint32(d.Code)))
		event = EventNewOutboundSubstreamsForbidden{Code: d.Code}

	case yamux.DetailPingResponse:
		// We never send yamux-level pings; keep-alives go through the ping
		// sub-protocol instead.
		panic("connection: unexpected yamux ping response")
	}

	for !inner.WriteClosed {
		frame := c.yamux.ExtractNext(inner.WriteBytesQueueable)
		if frame == nil {
			break
		}
		inner.Write(frame)
	}

	return event, progress, nil
}

// sweepDeadSubstreams removes terminated substreams, running each machine
// one last time so its final event isn't lost.
func (c *Established) sweepDeadSubstreams(rw *readwrite.ReadWrite) (Event, bool) {
	progress := false
	for _, deadSub := range c.yamux.DeadSubstreams() {
		switch deadSub.Ty {
		case yamux.DeathReset:
			sl, _ := c.yamux.RemoveDeadSubstream(deadSub.ID).(*slot)
			progress = true
			if sl != nil && sl.machine != nil {
				if ev := sl.machine.reset(); ev != nil {
					return c.translateEvent(deadSub.ID, sl, ev), progress
				}
			}

		case yamux.DeathClosedGracefully:
			sl := c.slot(deadSub.ID)
			if sl.machine == nil {
				// The machine has already terminated; nothing more can come
				// out of this substream.
				c.yamux.RemoveDeadSubstream(deadSub.ID)
				progress = true
				continue
			}

			// One more tick of the machine: both halves are closed, but it
			// may still have an event to give us.
			machine := sl.machine
			sl.machine = nil
			subRW := &readwrite.ReadWrite{
				Now:                 rw.Now,
				IncomingBuffer:      sl.readBuf,
				ReadClosed:          true,
				WriteBytesQueueable: readwrite.Unbounded,
			}
			next, ev := machine.readWrite(subRW)
			if !subRW.WakeUpAfter.IsZero() {
				rw.WakeUpAfterAt(subRW.WakeUpAfter)
			}

			var event Event
			if ev != nil {
				event = c.translateEvent(deadSub.ID, sl, ev)
			}

			if next != nil {
				sl.machine = next
				sl.readBuf = subRW.IncomingBuffer
			} else {
				c.yamux.RemoveDeadSubstream(deadSub.ID)
				progress = true
			}

			if event != nil {
				return event, progress
			}
		}
	}
	return nil, progress
}

// processSubstream advances one substream's machine by one step, moving data
// between its read buffer, the machine, and yamux.
//
// The returned boolean indicates that the substream should be processed
// again as soon as possible.
func (c *Established) processSubstream(id yamux.SubstreamID, outer *readwrite.ReadWrite) (bool, Event) {
	sl := c.slot(id)
	if sl.machine == nil {
		return false, nil
	}
	machine := sl.machine
	sl.machine = nil

	readClosed := !c.yamux.CanReceive(id)
	writeClosed := !c.yamux.CanSend(id)

	subRW := &readwrite.ReadWrite{
		Now:            outer.Now,
		IncomingBuffer: sl.readBuf,
		ReadClosed:     readClosed,
	}
	if writeClosed {
		subRW.WriteClosed = true
	} else {
		subRW.WriteBytesQueueable = readwrite.Unbounded
	}

	next, ev := machine.readWrite(subRW)

	if !subRW.WakeUpAfter.IsZero() {
		outer.WakeUpAfterAt(subRW.WakeUpAfter)
	}

	// Whatever the machine consumed, the remote may send again.
	c.yamux.AddRemoteWindowSaturating(id, uint64(subRW.ReadBytes))

	closedAfter := subRW.WriteClosed
	for _, buf := range subRW.WriteBuffers {
		if len(buf) == 0 {
			continue
		}
		c.yamux.Write(id, buf)
	}
	if !writeClosed && closedAfter {
		c.yamux.Close(id)
	}

	var event Event
	if ev != nil {
		event = c.translateEvent(id, sl, ev)
	}

	if next != nil {
		sl.machine = next
		sl.readBuf = subRW.IncomingBuffer
	} else {
		sl.readBuf = nil
		if !closedAfter || !readClosed {
			// The machine gave up without a clean shutdown of both halves.
			c.yamux.Reset(id)
		}
	}

	callAgain := subRW.ReadBytes != 0 || subRW.WriteBytesQueued != 0 || event != nil
	return callAgain, event
}

// translateEvent turns a substream machine event into a public Event,
// moving the user data out of the slot for the variants that relinquish it.
func (c *Established) translateEvent(id yamux.SubstreamID, sl *slot, ev subEvent) Event {
	pid := newSingleStreamID(id)
	switch e := ev.(type) {
	case subEvInboundError:
		if e.wasAccepted {
			return EventInboundAcceptedCancel{ID: pid, UserData: sl.takeUserData()}
		}
		return EventInboundError{Err: e.err}
	case subEvInboundNegotiated:
		return EventInboundNegotiated{ID: pid, ProtocolName: e.protocol}
	case subEvInboundNegotiatedCancel:
		return EventInboundNegotiatedCancel{ID: pid}
	case subEvRequestIn:
		return EventRequestIn{ID: pid, Request: e.request}
	case subEvResponse:
		return EventResponse{ID: pid, Response: e.response, Err: e.err, UserData: sl.takeUserData()}
	case subEvNotificationsInOpen:
		return EventNotificationsInOpen{ID: pid, Handshake: e.handshake}
	case subEvNotificationsInOpenCancel:
		return EventNotificationsInOpenCancel{ID: pid}
	case subEvNotificationIn:
		return EventNotificationIn{ID: pid, Notification: e.notification}
	case subEvNotificationsInClose:
		return EventNotificationsInClose{ID: pid, Err: e.err, UserData: sl.takeUserData()}
	case subEvNotificationsOutResult:
		out := EventNotificationsOutResult{ID: pid, Handshake: e.handshake, Err: e.err}
		if e.err != nil {
			out.UserData = sl.takeUserData()
		}
		return out
	case subEvNotificationsOutCloseDemanded:
		return EventNotificationsOutCloseDemanded{ID: pid}
	case subEvNotificationsOutReset:
		return EventNotificationsOutReset{ID: pid, UserData: sl.takeUserData()}
	case subEvPingOutSuccess:
		return EventPingOutSuccess{}
	case subEvPingOutError:
		// Pings are fired automatically; collapsing multiple failures into
		// one variant loses nothing.
		c.logger.Debug("outgoing ping failed")
		return EventPingOutFailed{}
	}
	panic("connection: unknown substream event")
}

// DenyNewIncomingSubstreams sends a GoAway to the remote, automatically
// refusing any new substream request from now on. Existing substreams are
// unaffected. Must be called at most once.
func (c *Established) DenyNewIncomingSubstreams() {
	if err := c.yamux.SendGoAway(yamux.GoAwayNormalTermination); err != nil {
		panic("connection: DenyNewIncomingSubstreams called twice")
	}
}

// AddRequest starts a request/response exchange with the remote. The request
// is put on the wire by subsequent ReadWrite calls; the outcome arrives as
// an EventResponse carrying userData back.
//
// A nil request means no request payload at all is sent; an empty non-nil
// request sends a zero-length payload. The timeout spans from now to the
// reception of the response.
//
// Panics if an EventNewOutboundSubstreamsForbidden was emitted in the past.
func (c *Established) AddRequest(protocolName string, request []byte, timeout time.Time, maxResponseSize int, userData any) SubstreamID {
	id, err := c.yamux.OpenSubstream(&slot{
		machine:  newRequestOutbound(protocolName, request, request != nil, timeout, maxResponseSize),
		userData: userData,
	})
	if err != nil {
		panic(err)
	}

	// Grant the remote enough credit to answer without waiting for window
	// updates; the margin covers the length prefix.
	grant := uint64(maxResponseSize) + 64
	if grant >= yamux.NewSubstreamFrameSize {
		grant -= yamux.NewSubstreamFrameSize
	}
	c.yamux.AddRemoteWindowSaturating(id, grant)

	return newSingleStreamID(id)
}

// OpenNotificationsSubstream opens an outbound notifications substream. The
// remote accepts or refuses it; the outcome arrives as an
// EventNotificationsOutResult. The timeout covers the whole opening
// procedure.
//
// Panics if an EventNewOutboundSubstreamsForbidden was emitted in the past.
func (c *Established) OpenNotificationsSubstream(protocolName string, handshake []byte, maxHandshakeSize int, timeout time.Time, userData any) SubstreamID {
	id, err := c.yamux.OpenSubstream(&slot{
		machine:  newNotificationsOutbound(protocolName, handshake, maxHandshakeSize, timeout),
		userData: userData,
	})
	if err != nil {
		panic(err)
	}
	return newSingleStreamID(id)
}

// AcceptInbound accepts the protocol reported by an EventInboundNegotiated
// and chooses which sub-protocol the substream runs.
//
// Panics if the substream is not awaiting that answer.
func (c *Established) AcceptInbound(id SubstreamID, ty InboundTy, userData any) {
	sl := c.slot(id.single())
	sl.machine.(*inboundAwaitingDecision).acceptInbound(ty)
	sl.userData = userData
}

// RejectInbound turns down the protocol reported by an
// EventInboundNegotiated.
//
// Panics if the substream is not awaiting that answer.
func (c *Established) RejectInbound(id SubstreamID) {
	sl := c.slot(id.single())
	sl.machine.(*inboundAwaitingDecision).rejectInbound()
}

// AcceptInNotificationsSubstream accepts an inbound notifications substream
// reported by an EventNotificationsInOpen, sending back the given handshake.
// Individual notifications larger than maxNotificationSize terminate the
// substream.
//
// Panics if the substream is not awaiting that answer.
func (c *Established) AcceptInNotificationsSubstream(id SubstreamID, handshake []byte, maxNotificationSize int) {
	sl := c.slot(id.single())
	sl.machine.(*notificationsInboundDecision).accept(handshake, maxNotificationSize)
}

// RejectInNotificationsSubstream refuses an inbound notifications substream
// reported by an EventNotificationsInOpen.
//
// Panics if the substream is not awaiting that answer.
func (c *Established) RejectInNotificationsSubstream(id SubstreamID) {
	sl := c.slot(id.single())
	sl.machine.(*notificationsInboundDecision).reject()
}

// WriteNotificationUnbounded queues a notification on an outbound
// notifications substream.
//
// The queue is unbounded: the remote can delay reading indefinitely, so the
// caller is expected to consult NotificationSubstreamQueuedBytes first and
// silently discard notifications beyond its own threshold.
//
// Panics if the id doesn't correspond to an established outbound
// notifications substream.
func (c *Established) WriteNotificationUnbounded(id SubstreamID, notification []byte) {
	sl := c.slot(id.single())
	sl.machine.(*notificationsOutboundOpen).writeNotification(notification)
}

// NotificationSubstreamQueuedBytes returns the number of bytes waiting to be
// sent out on a notifications substream, both inside the sub-protocol queue
// and inside the multiplexer.
func (c *Established) NotificationSubstreamQueuedBytes(id SubstreamID) int {
	raw := id.single()
	queued := c.yamux.QueuedBytes(raw)
	sl := c.slot(raw)
	if m, ok := sl.machine.(*notificationsOutboundOpen); ok {
		queued += m.notificationQueuedBytes()
	}
	return queued
}

// CloseNotificationsSubstream gracefully closes a notifications substream:
// an outbound one opened with OpenNotificationsSubstream after a successful
// EventNotificationsOutResult, or an inbound one accepted with
// AcceptInNotificationsSubstream.
//
// Panics if the id doesn't correspond to such a substream.
func (c *Established) CloseNotificationsSubstream(id SubstreamID) {
	raw := id.single()
	if !c.yamux.HasSubstream(raw) {
		panic("connection: unknown substream")
	}
	switch m := c.slot(raw).machine.(type) {
	case *notificationsOutboundOpen:
		m.close()
	case *notificationsInboundOpen:
		m.close()
	default:
		panic("connection: not an open notifications substream")
	}
}

// RespondInRequest answers a request reported by an EventRequestIn. With
// refuse set, no response is sent and the remote observes the substream
// closing instead.
//
// Returns ErrSubstreamClosed if the substream has died in the meantime.
func (c *Established) RespondInRequest(id SubstreamID, response []byte, refuse bool) error {
	raw := id.single()
	if !c.yamux.HasSubstream(raw) {
		return ErrSubstreamClosed
	}
	m, ok := c.slot(raw).machine.(*requestInboundRespond)
	if !ok {
		return ErrSubstreamClosed
	}
	m.respondInRequest(response, refuse)
	return nil
}

// UserData returns a pointer to the user data attached to a substream.
//
// Panics if the id is unknown.
func (c *Established) UserData(id SubstreamID) *any {
	return &c.slot(id.single()).userData
}
