package multiaddr

import (
	"net/netip"
	"testing"

	mb "github.com/multiformats/go-multibase"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
	"lukechampine.com/frand"
)

func certhash(t *testing.T, code uint64, digest []byte) string {
	t.Helper()
	hash, err := mh.Encode(digest, code)
	require.NoError(t, err)
	encoded, err := mb.Encode(mb.Base64url, hash)
	require.NoError(t, err)
	return encoded
}

func TestParseTcp(t *testing.T) {
	addr, err := Parse("/ip4/1.2.3.4/tcp/30333")
	require.NoError(t, err)
	require.Equal(t, TcpIP{IP: netip.MustParseAddr("1.2.3.4"), Port: 30333}, addr)

	addr, err = Parse("/ip6/::1/tcp/30333")
	require.NoError(t, err)
	require.Equal(t, TcpIP{IP: netip.MustParseAddr("::1"), Port: 30333}, addr)

	addr, err = Parse("/dns/example.com/tcp/30333")
	require.NoError(t, err)
	require.Equal(t, TcpDns{Hostname: "example.com", Port: 30333}, addr)

	for _, prefix := range []string{"dns", "dns4", "dns6"} {
		addr, err = Parse("/" + prefix + "/example.com/tcp/443")
		require.NoError(t, err)
		require.Equal(t, TcpDns{Hostname: "example.com", Port: 443}, addr)
	}
}

func TestParseWebSocket(t *testing.T) {
	addr, err := Parse("/ip4/1.2.3.4/tcp/30333/ws")
	require.NoError(t, err)
	require.Equal(t, WebSocketIP{IP: netip.MustParseAddr("1.2.3.4"), Port: 30333}, addr)

	addr, err = Parse("/dns/example.com/tcp/80/ws")
	require.NoError(t, err)
	require.Equal(t, WebSocketDns{Hostname: "example.com", Port: 80, Secure: false}, addr)

	// /wss and /tls/ws are the same thing spelled two ways.
	wss, err := Parse("/dns/example.com/tcp/443/wss")
	require.NoError(t, err)
	tlsWs, err := Parse("/dns/example.com/tcp/443/tls/ws")
	require.NoError(t, err)
	require.Equal(t, wss, tlsWs)
	require.Equal(t, WebSocketDns{Hostname: "example.com", Port: 443, Secure: true}, wss)
}

func TestParseWebRtc(t *testing.T) {
	digest := frand.Bytes(32)
	addr, err := Parse("/ip4/1.2.3.4/udp/30333/webrtc-direct/certhash/" + certhash(t, mh.SHA2_256, digest))
	require.NoError(t, err)
	webrtc, ok := addr.(WebRtc)
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("1.2.3.4"), webrtc.IP)
	require.Equal(t, uint16(30333), webrtc.Port)
	require.Equal(t, digest, webrtc.RemoteCertificateSHA256[:])
}

func TestParseWebRtcBadCerthash(t *testing.T) {
	_, err := Parse("/ip4/1.2.3.4/udp/30333/webrtc-direct/certhash/" + certhash(t, mh.SHA1, frand.Bytes(20)))
	require.ErrorIs(t, err, ErrNonSha256Certhash)

	_, err = Parse("/ip4/1.2.3.4/udp/30333/webrtc-direct/certhash/" + certhash(t, mh.SHA2_256, frand.Bytes(16)))
	require.ErrorIs(t, err, ErrInvalidMultihashLength)
}

func TestParseUnknownCombinations(t *testing.T) {
	for _, s := range []string{
		"/ip4/1.2.3.4",
		"/ip4/1.2.3.4/udp/30333",
		"/ip4/1.2.3.4/tcp/30333/wss",
		"/ip4/1.2.3.4/tcp/30333/tls/ws",
		"/ip4/1.2.3.4/tcp/30333/p2p/12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN",
		"/unix/tmp/socket",
		"/dns/example.com/udp/443",
	} {
		_, err := Parse(s)
		require.ErrorIs(t, err, ErrUnknownCombination, "address %q", s)
	}
}

func TestRoundTrip(t *testing.T) {
	canonical := []string{
		"/ip4/1.2.3.4/tcp/30333",
		"/ip6/::1/tcp/30333",
		"/dns/example.com/tcp/30333",
		"/ip4/1.2.3.4/tcp/30333/ws",
		"/dns/example.com/tcp/80/ws",
		"/dns/example.com/tcp/443/wss",
	}
	for _, s := range canonical {
		addr, err := Parse(s)
		require.NoError(t, err)
		require.Equal(t, s, addr.String())

		// And String() itself parses back to the same address.
		again, err := Parse(addr.String())
		require.NoError(t, err)
		require.Equal(t, addr, again)
	}

	webrtc := WebRtc{IP: netip.MustParseAddr("1.2.3.4"), Port: 30333}
	frand.Read(webrtc.RemoteCertificateSHA256[:])
	again, err := Parse(webrtc.String())
	require.NoError(t, err)
	require.Equal(t, Address(webrtc), again)
}
