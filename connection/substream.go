package connection

import (
	"bytes"
	"errors"
	"time"

	"github.com/branham01/smoldot/readwrite"
)

// Substream-level errors. These never terminate the connection; they are
// carried inside events.
var (
	// ErrProtocolUnavailable indicates the remote refused the proposed
	// protocol during negotiation.
	ErrProtocolUnavailable = errors.New("protocol not available")
	// ErrTimeout indicates the operation's deadline elapsed before the
	// remote answered.
	ErrTimeout = errors.New("timeout")
	// ErrSubstreamReset indicates the substream was abruptly terminated.
	ErrSubstreamReset = errors.New("substream reset")
	// ErrSubstreamClosed indicates the remote closed the substream before
	// completing the exchange.
	ErrSubstreamClosed = errors.New("substream closed")
	// ErrMessageTooLarge indicates an incoming message exceeded the
	// negotiated size limit.
	ErrMessageTooLarge = errors.New("message size exceeds limit")
)

// pingPayloadSize is the size of the opaque payload echoed by the ping
// protocol.
const pingPayloadSize = 32

// InboundTy tells an inbound substream, after its protocol has been
// negotiated, which kind of sub-protocol to run.
type InboundTy interface{ isInboundTy() }

// InboundTyPing runs the keep-alive echo protocol.
type InboundTyPing struct{}

// InboundTyRequest runs the receiving side of a request/response exchange.
type InboundTyRequest struct {
	// MaxRequestSize caps the size of the incoming request.
	MaxRequestSize int
}

// InboundTyNotifications runs the receiving side of a notifications
// substream.
type InboundTyNotifications struct {
	// MaxHandshakeSize caps the size of the incoming handshake.
	MaxHandshakeSize int
}

func (InboundTyPing) isInboundTy()          {}
func (InboundTyRequest) isInboundTy()       {}
func (InboundTyNotifications) isInboundTy() {}

// subEvent is an event produced by a substream state machine, before the
// driver tags it with the substream id and moves user data around.
type subEvent interface{ isSubEvent() }

type subEvInboundError struct {
	err         error
	wasAccepted bool
}
type subEvInboundNegotiated struct{ protocol string }
type subEvInboundNegotiatedCancel struct{}
type subEvRequestIn struct{ request []byte }
type subEvResponse struct {
	response []byte
	err      error
}
type subEvNotificationsInOpen struct{ handshake []byte }
type subEvNotificationsInOpenCancel struct{}
type subEvNotificationIn struct{ notification []byte }
type subEvNotificationsInClose struct{ err error }
type subEvNotificationsOutResult struct {
	handshake []byte
	err       error
}
type subEvNotificationsOutCloseDemanded struct{}
type subEvNotificationsOutReset struct{}
type subEvPingOutSuccess struct{}
type subEvPingOutError struct{}

func (subEvInboundError) isSubEvent()                  {}
func (subEvInboundNegotiated) isSubEvent()             {}
func (subEvInboundNegotiatedCancel) isSubEvent()       {}
func (subEvRequestIn) isSubEvent()                     {}
func (subEvResponse) isSubEvent()                      {}
func (subEvNotificationsInOpen) isSubEvent()           {}
func (subEvNotificationsInOpenCancel) isSubEvent()     {}
func (subEvNotificationIn) isSubEvent()                {}
func (subEvNotificationsInClose) isSubEvent()          {}
func (subEvNotificationsOutResult) isSubEvent()        {}
func (subEvNotificationsOutCloseDemanded) isSubEvent() {}
func (subEvNotificationsOutReset) isSubEvent()         {}
func (subEvPingOutSuccess) isSubEvent()                {}
func (subEvPingOutError) isSubEvent()                  {}

// substreamMachine is one per-substream sub-protocol state machine. Each
// readWrite call advances the machine by at most one step: it may consume
// bytes, produce bytes, and emit at most one event. A nil next state means
// the machine is done with the substream.
type substreamMachine interface {
	readWrite(rw *readwrite.ReadWrite) (substreamMachine, subEvent)
	// reset is invoked when the substream is torn down abruptly. It may
	// yield one final event.
	reset() subEvent
}

// ---------------------------------------------------------------------------
// Inbound: negotiation.

// inboundNegotiating is the state of a freshly-accepted inbound substream:
// the multistream-select listener runs until the remote proposes a protocol.
type inboundNegotiating struct {
	listener msListener
}

func newInboundSubstream(maxProtocolNameLen int) substreamMachine {
	return &inboundNegotiating{listener: msListener{maxProtocolLen: maxProtocolNameLen}}
}

func (s *inboundNegotiating) readWrite(rw *readwrite.ReadWrite) (substreamMachine, subEvent) {
	proposal, ok, err := s.listener.step(rw)
	if err != nil {
		return nil, subEvInboundError{err: err}
	}
	if !ok {
		if rw.ReadClosed {
			return nil, subEvInboundError{err: ErrSubstreamClosed}
		}
		return s, nil
	}
	return &inboundAwaitingDecision{proposal: proposal, listener: s.listener}, subEvInboundNegotiated{protocol: proposal}
}

func (s *inboundNegotiating) reset() subEvent {
	return subEvInboundError{err: ErrSubstreamReset}
}

// inboundAwaitingDecision waits for the API user to accept or reject the
// proposed protocol.
type inboundAwaitingDecision struct {
	proposal string
	listener msListener
	decided  substreamMachine // next state chosen by acceptInbound
	rejected bool
	answered bool
}

func (s *inboundAwaitingDecision) readWrite(rw *readwrite.ReadWrite) (substreamMachine, subEvent) {
	if rw.ReadClosed && s.decided == nil && !s.rejected {
		return nil, subEvInboundNegotiatedCancel{}
	}
	switch {
	case s.rejected:
		if !s.answered {
			msg := msEncode(msNotAvail)
			if rw.WriteClosed || len(msg) > rw.WriteBytesQueueable {
				return s, nil
			}
			rw.Write(msg)
			s.answered = true
		}
		// Back to listening for another proposal.
		return &inboundNegotiating{listener: s.listener}, nil
	case s.decided != nil:
		if !s.answered {
			msg := msEncode(s.proposal)
			if rw.WriteClosed || len(msg) > rw.WriteBytesQueueable {
				return s, nil
			}
			rw.Write(msg)
			s.answered = true
		}
		return s.decided, nil
	default:
		// Still waiting for the API user.
		return s, nil
	}
}

func (s *inboundAwaitingDecision) reset() subEvent {
	if s.decided != nil || s.rejected {
		return subEvInboundError{err: ErrSubstreamReset, wasAccepted: s.decided != nil}
	}
	return subEvInboundNegotiatedCancel{}
}

func (s *inboundAwaitingDecision) acceptInbound(ty InboundTy) {
	if s.decided != nil || s.rejected {
		panic("connection: inbound substream already accepted or rejected")
	}
	switch ty := ty.(type) {
	case InboundTyPing:
		s.decided = &pingInbound{}
	case InboundTyRequest:
		s.decided = &requestInbound{maxRequestSize: ty.MaxRequestSize}
	case InboundTyNotifications:
		s.decided = &notificationsInbound{maxHandshakeSize: ty.MaxHandshakeSize}
	default:
		panic("connection: unknown inbound substream type")
	}
}

func (s *inboundAwaitingDecision) rejectInbound() {
	if s.decided != nil || s.rejected {
		panic("connection: inbound substream already accepted or rejected")
	}
	s.rejected = true
}

// ---------------------------------------------------------------------------
// Inbound: ping echo.

// pingInbound echoes every byte the remote sends, as the keep-alive protocol
// demands.
type pingInbound struct{}

func (s *pingInbound) readWrite(rw *readwrite.ReadWrite) (substreamMachine, subEvent) {
	if len(rw.IncomingBuffer) > 0 && !rw.WriteClosed {
		n := len(rw.IncomingBuffer)
		if n > rw.WriteBytesQueueable {
			n = rw.WriteBytesQueueable
		}
		if n > 0 {
			rw.Write(rw.IncomingBytesTake(n))
		}
	}
	if rw.ReadClosed && len(rw.IncomingBuffer) == 0 {
		if !rw.WriteClosed {
			rw.CloseWrite()
		}
		return nil, nil
	}
	expectMore(rw, 1)
	return s, nil
}

func (s *pingInbound) reset() subEvent {
	return subEvInboundError{err: ErrSubstreamReset, wasAccepted: true}
}

// ---------------------------------------------------------------------------
// Inbound: request/response.

// requestInbound reads one length-prefixed request and hands it to the API
// user.
type requestInbound struct {
	maxRequestSize int
}

func (s *requestInbound) readWrite(rw *readwrite.ReadWrite) (substreamMachine, subEvent) {
	request, ok, err := readFramedMessage(rw, s.maxRequestSize)
	if err != nil {
		return nil, subEvInboundError{err: err, wasAccepted: true}
	}
	if !ok {
		if rw.ReadClosed {
			return nil, subEvInboundError{err: ErrSubstreamClosed, wasAccepted: true}
		}
		return s, nil
	}
	return &requestInboundRespond{}, subEvRequestIn{request: request}
}

func (s *requestInbound) reset() subEvent {
	return subEvInboundError{err: ErrSubstreamReset, wasAccepted: true}
}

// requestInboundRespond waits for the API user to provide the response, then
// flushes it.
type requestInboundRespond struct {
	response []byte
	answered bool
	refused  bool
	closed   bool // response (if any) written and writing side closed
}

func (s *requestInboundRespond) readWrite(rw *readwrite.ReadWrite) (substreamMachine, subEvent) {
	if !s.answered && !s.refused {
		return s, nil
	}
	if !s.closed {
		if s.answered {
			msg := frameMessage(s.response)
			if rw.WriteClosed || len(msg) > rw.WriteBytesQueueable {
				return s, nil
			}
			rw.Write(msg)
		}
		if !rw.WriteClosed {
			rw.CloseWrite()
		}
		s.closed = true
	}
	// Stay around until the remote closes its own half, so that the
	// shutdown is graceful rather than a reset.
	if rw.ReadClosed {
		return nil, nil
	}
	return s, nil
}

func (s *requestInboundRespond) reset() subEvent {
	return subEvInboundError{err: ErrSubstreamReset, wasAccepted: true}
}

func (s *requestInboundRespond) respondInRequest(response []byte, refused bool) {
	if s.answered || s.refused {
		panic("connection: request already responded")
	}
	if refused {
		s.refused = true
		return
	}
	s.response = response
	s.answered = true
}

// ---------------------------------------------------------------------------
// Inbound: notifications.

// notificationsInbound reads the remote's handshake and reports it to the
// API user.
type notificationsInbound struct {
	maxHandshakeSize int
}

func (s *notificationsInbound) readWrite(rw *readwrite.ReadWrite) (substreamMachine, subEvent) {
	handshake, ok, err := readFramedMessage(rw, s.maxHandshakeSize)
	if err != nil {
		return nil, subEvInboundError{err: err, wasAccepted: true}
	}
	if !ok {
		if rw.ReadClosed {
			return nil, subEvInboundError{err: ErrSubstreamClosed, wasAccepted: true}
		}
		return s, nil
	}
	return &notificationsInboundDecision{}, subEvNotificationsInOpen{handshake: handshake}
}

func (s *notificationsInbound) reset() subEvent {
	return subEvInboundError{err: ErrSubstreamReset, wasAccepted: true}
}

// notificationsInboundDecision waits for the API user to accept or refuse
// the inbound notifications substream.
type notificationsInboundDecision struct {
	handshake    []byte
	maxNotifSize int
	accepted     bool
	rejected     bool
}

func (s *notificationsInboundDecision) readWrite(rw *readwrite.ReadWrite) (substreamMachine, subEvent) {
	if rw.ReadClosed && !s.accepted && !s.rejected {
		return nil, subEvNotificationsInOpenCancel{}
	}
	switch {
	case s.rejected:
		if !rw.WriteClosed {
			rw.CloseWrite()
		}
		return nil, nil
	case s.accepted:
		msg := frameMessage(s.handshake)
		if rw.WriteClosed || len(msg) > rw.WriteBytesQueueable {
			return s, nil
		}
		rw.Write(msg)
		return &notificationsInboundOpen{maxNotifSize: s.maxNotifSize}, nil
	default:
		return s, nil
	}
}

func (s *notificationsInboundDecision) reset() subEvent {
	if s.accepted {
		return subEvNotificationsInClose{err: ErrSubstreamReset}
	}
	return subEvNotificationsInOpenCancel{}
}

func (s *notificationsInboundDecision) accept(handshake []byte, maxNotifSize int) {
	if s.accepted || s.rejected {
		panic("connection: notifications substream already accepted or rejected")
	}
	s.accepted = true
	s.handshake = handshake
	s.maxNotifSize = maxNotifSize
}

func (s *notificationsInboundDecision) reject() {
	if s.accepted || s.rejected {
		panic("connection: notifications substream already accepted or rejected")
	}
	s.rejected = true
}

// notificationsInboundOpen delivers the remote's notifications one event at
// a time.
type notificationsInboundOpen struct {
	maxNotifSize   int
	closeRequested bool
	closedWrite    bool
}

func (s *notificationsInboundOpen) readWrite(rw *readwrite.ReadWrite) (substreamMachine, subEvent) {
	if s.closeRequested && !s.closedWrite {
		if !rw.WriteClosed {
			rw.CloseWrite()
		}
		s.closedWrite = true
	}
	notification, ok, err := readFramedMessage(rw, s.maxNotifSize)
	if err != nil {
		return nil, subEvNotificationsInClose{err: err}
	}
	if !ok {
		if rw.ReadClosed {
			if !rw.WriteClosed {
				rw.CloseWrite()
			}
			return nil, subEvNotificationsInClose{}
		}
		return s, nil
	}
	return s, subEvNotificationIn{notification: notification}
}

func (s *notificationsInboundOpen) reset() subEvent {
	return subEvNotificationsInClose{err: ErrSubstreamReset}
}

// close asks for the substream to wind down. Notifications keep being
// delivered until the remote closes its own half.
func (s *notificationsInboundOpen) close() {
	if s.closeRequested {
		panic("connection: notifications substream already closed")
	}
	s.closeRequested = true
}

// ---------------------------------------------------------------------------
// Outbound: request/response.

// requestOutbound negotiates the protocol, sends the request, half-closes,
// and waits for the response.
type requestOutbound struct {
	dialer          msDialer
	timeout         time.Time
	request         []byte
	hasRequest      bool
	maxResponseSize int
	sentRequest     bool
}

func newRequestOutbound(protocol string, request []byte, hasRequest bool, timeout time.Time, maxResponseSize int) substreamMachine {
	return &requestOutbound{
		dialer:          msDialer{protocol: protocol},
		timeout:         timeout,
		request:         request,
		hasRequest:      hasRequest,
		maxResponseSize: maxResponseSize,
	}
}

func (s *requestOutbound) readWrite(rw *readwrite.ReadWrite) (substreamMachine, subEvent) {
	if !rw.Now.Before(s.timeout) {
		return nil, subEvResponse{err: ErrTimeout}
	}
	rw.WakeUpAfterAt(s.timeout)

	done, refused, err := s.dialer.step(rw)
	if err != nil {
		return nil, subEvResponse{err: err}
	}
	if !done {
		if rw.ReadClosed {
			return nil, subEvResponse{err: ErrSubstreamClosed}
		}
		return s, nil
	}
	if refused {
		return nil, subEvResponse{err: ErrProtocolUnavailable}
	}

	if !s.sentRequest {
		if rw.WriteClosed {
			return nil, subEvResponse{err: ErrSubstreamClosed}
		}
		if s.hasRequest {
			msg := frameMessage(s.request)
			if len(msg) > rw.WriteBytesQueueable {
				return s, nil
			}
			rw.Write(msg)
		}
		rw.CloseWrite()
		s.sentRequest = true
	}

	response, ok, err := readFramedMessage(rw, s.maxResponseSize)
	if err != nil {
		return nil, subEvResponse{err: err}
	}
	if !ok {
		if rw.ReadClosed {
			return nil, subEvResponse{err: ErrSubstreamClosed}
		}
		return s, nil
	}
	return nil, subEvResponse{response: response}
}

func (s *requestOutbound) reset() subEvent {
	return subEvResponse{err: ErrSubstreamReset}
}

// ---------------------------------------------------------------------------
// Outbound: notifications.

// notificationsOutbound negotiates the protocol and exchanges handshakes.
type notificationsOutbound struct {
	dialer           msDialer
	timeout          time.Time
	handshake        []byte
	maxHandshakeSize int
	sentHandshake    bool
}

func newNotificationsOutbound(protocol string, handshake []byte, maxHandshakeSize int, timeout time.Time) substreamMachine {
	return &notificationsOutbound{
		dialer:           msDialer{protocol: protocol},
		timeout:          timeout,
		handshake:        handshake,
		maxHandshakeSize: maxHandshakeSize,
	}
}

func (s *notificationsOutbound) readWrite(rw *readwrite.ReadWrite) (substreamMachine, subEvent) {
	if !rw.Now.Before(s.timeout) {
		return nil, subEvNotificationsOutResult{err: ErrTimeout}
	}
	rw.WakeUpAfterAt(s.timeout)

	done, refused, err := s.dialer.step(rw)
	if err != nil {
		return nil, subEvNotificationsOutResult{err: err}
	}
	if !done {
		if rw.ReadClosed {
			return nil, subEvNotificationsOutResult{err: ErrSubstreamClosed}
		}
		return s, nil
	}
	if refused {
		return nil, subEvNotificationsOutResult{err: ErrProtocolUnavailable}
	}

	if !s.sentHandshake {
		if rw.WriteClosed {
			return nil, subEvNotificationsOutResult{err: ErrSubstreamClosed}
		}
		msg := frameMessage(s.handshake)
		if len(msg) > rw.WriteBytesQueueable {
			return s, nil
		}
		rw.Write(msg)
		s.sentHandshake = true
	}

	remoteHandshake, ok, err := readFramedMessage(rw, s.maxHandshakeSize)
	if err != nil {
		return nil, subEvNotificationsOutResult{err: err}
	}
	if !ok {
		if rw.ReadClosed {
			return nil, subEvNotificationsOutResult{err: ErrSubstreamClosed}
		}
		return s, nil
	}
	return &notificationsOutboundOpen{}, subEvNotificationsOutResult{handshake: remoteHandshake}
}

func (s *notificationsOutbound) reset() subEvent {
	return subEvNotificationsOutResult{err: ErrSubstreamReset}
}

// notificationsOutboundOpen pushes queued notifications to the remote until
// the substream is closed.
type notificationsOutboundOpen struct {
	queue          [][]byte
	queuedBytes    int
	closeRequested bool
	closeDemanded  bool // remote half-close already reported
}

func (s *notificationsOutboundOpen) readWrite(rw *readwrite.ReadWrite) (substreamMachine, subEvent) {
	// Anything the remote sends on an outbound notifications substream is
	// without meaning; discard it.
	rw.IncomingBytesTakeAll()

	for len(s.queue) > 0 && !rw.WriteClosed {
		msg := s.queue[0]
		if len(msg) > rw.WriteBytesQueueable {
			break
		}
		rw.Write(msg)
		s.queuedBytes -= len(msg)
		s.queue = s.queue[1:]
	}

	if s.closeRequested && len(s.queue) == 0 {
		if !rw.WriteClosed {
			rw.CloseWrite()
		}
		// Stay around until the remote closes its own half, so that the
		// shutdown is graceful rather than a reset.
		if rw.ReadClosed {
			return nil, nil
		}
		return s, nil
	}

	if rw.ReadClosed && !s.closeDemanded {
		s.closeDemanded = true
		return s, subEvNotificationsOutCloseDemanded{}
	}
	return s, nil
}

func (s *notificationsOutboundOpen) reset() subEvent {
	return subEvNotificationsOutReset{}
}

func (s *notificationsOutboundOpen) writeNotification(notification []byte) {
	msg := frameMessage(notification)
	s.queue = append(s.queue, msg)
	s.queuedBytes += len(msg)
}

func (s *notificationsOutboundOpen) notificationQueuedBytes() int { return s.queuedBytes }

func (s *notificationsOutboundOpen) close() {
	if s.closeRequested {
		panic("connection: notifications substream already closed")
	}
	s.closeRequested = true
}

// ---------------------------------------------------------------------------
// Outbound: ping.

type queuedPing struct {
	payload  [pingPayloadSize]byte
	deadline time.Time
	sent     bool
}

// pingOutbound negotiates the keep-alive protocol once, then sends one
// payload per queued ping and matches the echoes coming back.
type pingOutbound struct {
	dialer     msDialer
	negotiated bool
	queue      []queuedPing
}

func newPingOutbound(protocol string) substreamMachine {
	return &pingOutbound{dialer: msDialer{protocol: protocol}}
}

func (s *pingOutbound) readWrite(rw *readwrite.ReadWrite) (substreamMachine, subEvent) {
	// Expired pings fail regardless of the state of the substream.
	if len(s.queue) > 0 {
		if !rw.Now.Before(s.queue[0].deadline) {
			s.queue = s.queue[1:]
			return s, subEvPingOutError{}
		}
		rw.WakeUpAfterAt(s.queue[0].deadline)
	}

	if !s.negotiated {
		done, refused, err := s.dialer.step(rw)
		if err != nil || (done && refused) {
			return &pingOutboundFailed{pending: len(s.queue)}, nil
		}
		if !done {
			if rw.ReadClosed {
				return &pingOutboundFailed{pending: len(s.queue)}, nil
			}
			return s, nil
		}
		s.negotiated = true
	}

	for i := range s.queue {
		if s.queue[i].sent {
			continue
		}
		if rw.WriteClosed || pingPayloadSize > rw.WriteBytesQueueable {
			break
		}
		rw.Write(append([]byte(nil), s.queue[i].payload[:]...))
		s.queue[i].sent = true
	}

	if len(s.queue) > 0 && s.queue[0].sent {
		if len(rw.IncomingBuffer) >= pingPayloadSize {
			echo := rw.IncomingBytesTake(pingPayloadSize)
			ping := s.queue[0]
			s.queue = s.queue[1:]
			if bytes.Equal(echo, ping.payload[:]) {
				return s, subEvPingOutSuccess{}
			}
			return s, subEvPingOutError{}
		}
		if rw.ReadClosed {
			return &pingOutboundFailed{pending: len(s.queue)}, nil
		}
		expectMore(rw, pingPayloadSize-len(rw.IncomingBuffer))
	}
	return s, nil
}

func (s *pingOutbound) reset() subEvent {
	if len(s.queue) > 0 {
		return subEvPingOutError{}
	}
	return nil
}

func (s *pingOutbound) queuePing(payload [pingPayloadSize]byte, deadline time.Time) {
	s.queue = append(s.queue, queuedPing{payload: payload, deadline: deadline})
}

// pingOutboundFailed is the terminal state of the ping substream once
// negotiation failed or the remote stopped answering: every ping, queued or
// future, fails.
type pingOutboundFailed struct {
	pending int
}

func (s *pingOutboundFailed) readWrite(rw *readwrite.ReadWrite) (substreamMachine, subEvent) {
	rw.IncomingBytesTakeAll()
	if s.pending > 0 {
		s.pending--
		return s, subEvPingOutError{}
	}
	return s, nil
}

func (s *pingOutboundFailed) reset() subEvent {
	if s.pending > 0 {
		return subEvPingOutError{}
	}
	return nil
}

func (s *pingOutboundFailed) queuePing(_ [pingPayloadSize]byte, _ time.Time) {
	s.pending++
}
