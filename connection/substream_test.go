package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/branham01/smoldot/readwrite"
)

func newSubRW(now time.Time, incoming []byte) *readwrite.ReadWrite {
	return &readwrite.ReadWrite{
		Now:                 now,
		IncomingBuffer:      incoming,
		WriteBytesQueueable: readwrite.Unbounded,
	}
}

func drain(rw *readwrite.ReadWrite) []byte {
	var out []byte
	for _, buf := range rw.WriteBuffers {
		out = append(out, buf...)
	}
	return out
}

func TestFramedMessageRoundTrip(t *testing.T) {
	msg := frameMessage([]byte("payload"))
	rw := newSubRW(time.Time{}, msg)
	got, ok, err := readFramedMessage(rw, 64)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), got)
	require.Empty(t, rw.IncomingBuffer)
}

func TestFramedMessagePartial(t *testing.T) {
	msg := frameMessage([]byte("payload"))
	for cut := 0; cut < len(msg); cut++ {
		rw := newSubRW(time.Time{}, msg[:cut])
		_, ok, err := readFramedMessage(rw, 64)
		require.NoError(t, err)
		require.False(t, ok, "cut=%d", cut)
		require.Zero(t, rw.ReadBytes, "incomplete messages must not be consumed")
		require.Positive(t, rw.ExpectedIncomingBytes)
	}
}

func TestFramedMessageTooLarge(t *testing.T) {
	msg := frameMessage(make([]byte, 100))
	rw := newSubRW(time.Time{}, msg)
	_, _, err := readFramedMessage(rw, 99)
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestNegotiationDialerListener(t *testing.T) {
	dialer := &msDialer{protocol: "/test/proto/1"}
	listener := &msListener{maxProtocolLen: 64}

	dialerRW := newSubRW(time.Time{}, nil)
	done, _, err := dialer.step(dialerRW)
	require.NoError(t, err)
	require.False(t, done)

	// Listener consumes the dialer's handshake + proposal and answers.
	listenerRW := newSubRW(time.Time{}, drain(dialerRW))
	proposal, ok, err := listener.step(listenerRW)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/test/proto/1", proposal)
	listenerRW.Write(msEncode(proposal))

	dialerRW2 := newSubRW(time.Time{}, drain(listenerRW))
	done, refused, err := dialer.step(dialerRW2)
	require.NoError(t, err)
	require.True(t, done)
	require.False(t, refused)
}

func TestNegotiationRefused(t *testing.T) {
	dialer := &msDialer{protocol: "/test/proto/1"}
	dialerRW := newSubRW(time.Time{}, nil)
	_, _, err := dialer.step(dialerRW)
	require.NoError(t, err)

	answer := msEncode(msHandshake)
	answer = append(answer, msEncode(msNotAvail)...)
	done, refused, err := dialer.step(newSubRW(time.Time{}, answer))
	require.NoError(t, err)
	require.True(t, done)
	require.True(t, refused)
}

func TestRequestOutboundTimeout(t *testing.T) {
	base := time.Unix(1000, 0)
	machine := newRequestOutbound("/p", []byte{1}, true, base.Add(time.Second), 1024)

	next, ev := machine.readWrite(newSubRW(base, nil))
	require.NotNil(t, next)
	require.Nil(t, ev)

	next, ev = next.readWrite(newSubRW(base.Add(2*time.Second), nil))
	require.Nil(t, next)
	resp, ok := ev.(subEvResponse)
	require.True(t, ok)
	require.ErrorIs(t, resp.err, ErrTimeout)
}

func TestRequestOutboundWakeUpAtTimeout(t *testing.T) {
	base := time.Unix(1000, 0)
	deadline := base.Add(time.Second)
	machine := newRequestOutbound("/p", nil, false, deadline, 1024)

	rw := newSubRW(base, nil)
	_, _ = machine.readWrite(rw)
	require.Equal(t, deadline, rw.WakeUpAfter)
}

func TestRequestOutboundReset(t *testing.T) {
	machine := newRequestOutbound("/p", []byte{1}, true, time.Unix(2000, 0), 1024)
	ev := machine.reset()
	resp, ok := ev.(subEvResponse)
	require.True(t, ok)
	require.ErrorIs(t, resp.err, ErrSubstreamReset)
}

func TestPingOutboundEcho(t *testing.T) {
	base := time.Unix(1000, 0)
	machine := newPingOutbound("/ping").(*pingOutbound)

	var payload [pingPayloadSize]byte
	for i := range payload {
		payload[i] = byte(i)
	}
	machine.queuePing(payload, base.Add(10*time.Second))

	// Negotiate.
	rw := newSubRW(base, nil)
	next, ev := machine.readWrite(rw)
	require.Same(t, machine, next)
	require.Nil(t, ev)
	answer := msEncode(msHandshake)
	answer = append(answer, msEncode("/ping")...)
	rw = newSubRW(base, answer)
	next, ev = next.readWrite(rw)
	require.Same(t, machine, next)
	require.Nil(t, ev)
	require.Equal(t, payload[:], drain(rw), "payload must follow the negotiation")

	// Matching echo.
	next, ev = next.readWrite(newSubRW(base, payload[:]))
	require.Same(t, machine, next)
	require.IsType(t, subEvPingOutSuccess{}, ev)

	// Mismatching echo on a later ping.
	machine.queuePing(payload, base.Add(10*time.Second))
	_, _ = next.readWrite(newSubRW(base, nil)) // sends the payload
	var wrong [pingPayloadSize]byte
	_, ev = next.readWrite(newSubRW(base, wrong[:]))
	require.IsType(t, subEvPingOutError{}, ev)
}

func TestPingOutboundTimeout(t *testing.T) {
	base := time.Unix(1000, 0)
	machine := newPingOutbound("/ping").(*pingOutbound)
	var payload [pingPayloadSize]byte
	machine.queuePing(payload, base.Add(10*time.Second))

	rw := newSubRW(base, nil)
	_, ev := machine.readWrite(rw)
	require.Nil(t, ev)
	require.Equal(t, base.Add(10*time.Second), rw.WakeUpAfter)

	_, ev = machine.readWrite(newSubRW(base.Add(11*time.Second), nil))
	require.IsType(t, subEvPingOutError{}, ev)
}

func TestNotificationsOutboundQueue(t *testing.T) {
	machine := &notificationsOutboundOpen{}
	machine.writeNotification([]byte("abc"))
	machine.writeNotification([]byte("defg"))
	// Queued sizes include the length prefixes.
	require.Equal(t, 4+5, machine.notificationQueuedBytes())

	rw := newSubRW(time.Unix(1000, 0), nil)
	next, ev := machine.readWrite(rw)
	require.Same(t, machine, next)
	require.Nil(t, ev)
	require.Zero(t, machine.notificationQueuedBytes())

	want := frameMessage([]byte("abc"))
	want = append(want, frameMessage([]byte("defg"))...)
	require.Equal(t, want, drain(rw))
}

func TestNotificationsOutboundCloseDemanded(t *testing.T) {
	machine := &notificationsOutboundOpen{}
	rw := newSubRW(time.Unix(1000, 0), nil)
	rw.ReadClosed = true
	next, ev := machine.readWrite(rw)
	require.NotNil(t, next)
	require.IsType(t, subEvNotificationsOutCloseDemanded{}, ev)

	// Reported once only.
	_, ev = next.readWrite(newSubRWClosed(time.Unix(1000, 0)))
	require.Nil(t, ev)
}

func newSubRWClosed(now time.Time) *readwrite.ReadWrite {
	rw := newSubRW(now, nil)
	rw.ReadClosed = true
	return rw
}

func TestInboundNegotiationAcceptPing(t *testing.T) {
	base := time.Unix(1000, 0)
	machine := newInboundSubstream(128)

	// The listener sends its handshake spontaneously.
	rw := newSubRW(base, nil)
	next, ev := machine.readWrite(rw)
	require.NotNil(t, next)
	require.Nil(t, ev)
	require.Equal(t, msEncode(msHandshake), drain(rw))

	// Dialer handshake and proposal arrive together.
	in := msEncode(msHandshake)
	in = append(in, msEncode("/ping")...)
	next, ev = next.readWrite(newSubRW(base, in))
	neg, ok := ev.(subEvInboundNegotiated)
	require.True(t, ok)
	require.Equal(t, "/ping", neg.protocol)

	decision := next.(*inboundAwaitingDecision)
	decision.acceptInbound(InboundTyPing{})
	rw = newSubRW(base, nil)
	next, ev = next.readWrite(rw)
	require.Nil(t, ev)
	require.IsType(t, &pingInbound{}, next)
	require.Equal(t, msEncode("/ping"), drain(rw), "proposal must be confirmed")

	// The echo machine echoes.
	rw = newSubRW(base, []byte{1, 2, 3})
	next, ev = next.readWrite(rw)
	require.NotNil(t, next)
	require.Nil(t, ev)
	require.Equal(t, []byte{1, 2, 3}, drain(rw))
}

func TestInboundNegotiationProtocolTooLong(t *testing.T) {
	base := time.Unix(1000, 0)
	machine := newInboundSubstream(4)
	_, _ = machine.readWrite(newSubRW(base, nil))

	in := msEncode(msHandshake)
	in = append(in, msEncode("/way/too/long")...)
	next, ev := machine.readWrite(newSubRW(base, in))
	require.Nil(t, next)
	ie, ok := ev.(subEvInboundError)
	require.True(t, ok)
	require.False(t, ie.wasAccepted)
	require.Error(t, ie.err)
}
