package connection

import (
	"fmt"

	"github.com/branham01/smoldot/yamux"
)

// SubstreamID identifies a substream for the lifetime of a connection. The
// zero value is invalid. Identifiers are tagged with the kind of connection
// they belong to so that values from single-stream and multi-stream
// connections can never collide.
type SubstreamID struct {
	kind substreamKind
	id   yamux.SubstreamID
}

type substreamKind uint8

const (
	kindInvalid substreamKind = iota
	kindSingleStream
)

func newSingleStreamID(id yamux.SubstreamID) SubstreamID {
	return SubstreamID{kind: kindSingleStream, id: id}
}

func (s SubstreamID) single() yamux.SubstreamID {
	if s.kind != kindSingleStream {
		panic("connection: invalid substream id")
	}
	return s.id
}

// String implements fmt.Stringer.
func (s SubstreamID) String() string {
	if s.kind != kindSingleStream {
		return "SubstreamID(invalid)"
	}
	return fmt.Sprintf("SubstreamID(%d)", s.id)
}

// Event is something that happened on the connection. ReadWrite returns at
// most one Event per invocation.
type Event interface{ isEvent() }

// EventNewOutboundSubstreamsForbidden reports that the remote sent a GoAway:
// no new outbound substream may be opened from now on. Emitted at most once.
type EventNewOutboundSubstreamsForbidden struct {
	// Code is the error code carried by the remote's GoAway frame.
	Code yamux.GoAwayCode
}

// EventInboundError reports a protocol error on an inbound substream that
// had not been accepted yet. The substream is dead.
type EventInboundError struct {
	Err error
}

// EventInboundAcceptedCancel reports that an inbound substream previously
// handed to the API user through AcceptInbound has terminated abnormally.
// The user data is given back.
type EventInboundAcceptedCancel struct {
	ID       SubstreamID
	UserData any
}

// EventInboundNegotiated reports that an inbound substream finished
// negotiating a protocol name. The API user must answer with AcceptInbound
// or RejectInbound.
type EventInboundNegotiated struct {
	ID           SubstreamID
	ProtocolName string
}

// EventInboundNegotiatedCancel reports that an inbound substream terminated
// while the API user's answer to EventInboundNegotiated was pending. The id
// is no longer valid.
type EventInboundNegotiatedCancel struct {
	ID SubstreamID
}

// EventRequestIn carries a request received on an accepted inbound
// substream. Answer with RespondInRequest.
type EventRequestIn struct {
	ID      SubstreamID
	Request []byte
}

// EventResponse terminates a request started with AddRequest. Either
// Response or Err is set. The user data is given back.
type EventResponse struct {
	ID       SubstreamID
	Response []byte
	Err      error
	UserData any
}

// EventNotificationsInOpen reports the remote's handshake on an accepted
// inbound notifications substream. Answer with
// AcceptInNotificationsSubstream or RejectInNotificationsSubstream.
type EventNotificationsInOpen struct {
	ID        SubstreamID
	Handshake []byte
}

// EventNotificationsInOpenCancel reports that the remote gave up on the
// notifications substream while the API user's answer was pending.
type EventNotificationsInOpenCancel struct {
	ID SubstreamID
}

// EventNotificationIn carries one notification received on an inbound
// notifications substream.
type EventNotificationIn struct {
	ID           SubstreamID
	Notification []byte
}

// EventNotificationsInClose reports that an inbound notifications substream
// has terminated. Err is nil for a clean close. The user data is given back.
type EventNotificationsInClose struct {
	ID       SubstreamID
	Err      error
	UserData any
}

// EventNotificationsOutResult concludes the opening of an outbound
// notifications substream: the remote's handshake on success, or the reason
// it failed, in which case the user data is given back and the id is dead.
type EventNotificationsOutResult struct {
	ID        SubstreamID
	Handshake []byte
	Err       error
	UserData  any
}

// EventNotificationsOutCloseDemanded reports that the remote wants the
// outbound notifications substream closed. The API user should call
// CloseNotificationsSubstream.
type EventNotificationsOutCloseDemanded struct {
	ID SubstreamID
}

// EventNotificationsOutReset reports that an established outbound
// notifications substream was abruptly terminated. The user data is given
// back.
type EventNotificationsOutReset struct {
	ID       SubstreamID
	UserData any
}

// EventPingOutSuccess reports that the remote answered an outgoing ping in
// time.
type EventPingOutSuccess struct{}

// EventPingOutFailed reports that an outgoing ping could not be delivered or
// timed out.
type EventPingOutFailed struct{}

func (EventNewOutboundSubstreamsForbidden) isEvent() {}
func (EventInboundError) isEvent()                   {}
func (EventInboundAcceptedCancel) isEvent()          {}
func (EventInboundNegotiated) isEvent()              {}
func (EventInboundNegotiatedCancel) isEvent()        {}
func (EventRequestIn) isEvent()                      {}
func (EventResponse) isEvent()                       {}
func (EventNotificationsInOpen) isEvent()            {}
func (EventNotificationsInOpenCancel) isEvent()      {}
func (EventNotificationIn) isEvent()                 {}
func (EventNotificationsInClose) isEvent()           {}
func (EventNotificationsOutResult) isEvent()         {}
func (EventNotificationsOutCloseDemanded) isEvent()  {}
func (EventNotificationsOutReset) isEvent()          {}
func (EventPingOutSuccess) isEvent()                 {}
func (EventPingOutFailed) isEvent()                  {}

// Fatal connection errors. When ReadWrite returns one of these the
// connection object must be discarded and the transport shut down.

// NoiseError wraps a failure of the decryption layer.
type NoiseError struct{ Err error }

func (e *NoiseError) Error() string { return fmt.Sprintf("noise: %v", e.Err) }
func (e *NoiseError) Unwrap() error { return e.Err }

// NoiseEncryptError wraps a failure of the encryption layer.
type NoiseEncryptError struct{ Err error }

func (e *NoiseEncryptError) Error() string { return fmt.Sprintf("noise encrypt: %v", e.Err) }
func (e *NoiseEncryptError) Unwrap() error { return e.Err }

// YamuxError wraps a violation of the multiplexing protocol by the remote.
type YamuxError struct{ Err error }

func (e *YamuxError) Error() string { return fmt.Sprintf("yamux: %v", e.Err) }
func (e *YamuxError) Unwrap() error { return e.Err }
