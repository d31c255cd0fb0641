// Package multiaddr interprets libp2p multiaddresses into the transport
// addresses this stack knows how to dial.
//
// Only a small set of protocol combinations is meaningful for a TCP or
// WebSocket based stack; everything else is rejected with
// ErrUnknownCombination rather than silently mis-dialed.
package multiaddr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"unicode/utf8"

	ma "github.com/multiformats/go-multiaddr"
	mb "github.com/multiformats/go-multibase"
	mh "github.com/multiformats/go-multihash"
)

// Errors returned by FromMultiaddr.
var (
	// ErrUnknownCombination indicates the multiaddress is well-formed but
	// its sequence of protocols doesn't translate to a dialable address.
	ErrUnknownCombination = errors.New("multiaddr: unknown combination of protocols")
	// ErrNonUTF8DomainName indicates a domain name component that isn't
	// valid UTF-8. RFC 2181 technically allows it; we don't.
	ErrNonUTF8DomainName = errors.New("multiaddr: domain name is not UTF-8")
	// ErrNonSha256Certhash indicates a certificate hash using a multihash
	// algorithm other than SHA-256.
	ErrNonSha256Certhash = errors.New("multiaddr: certhash is not SHA-256")
	// ErrInvalidMultihashLength indicates a multihash whose digest length
	// doesn't match its algorithm.
	ErrInvalidMultihashLength = errors.New("multiaddr: invalid multihash length")
)

// Address is a dialable address extracted from a multiaddress. String
// returns the canonical multiaddr spelling.
type Address interface {
	isAddress()
	String() string
}

// TcpIP is a plain TCP connection to an IP address.
type TcpIP struct {
	IP   netip.Addr
	Port uint16
}

// TcpDns is a plain TCP connection to a resolved hostname.
type TcpDns struct {
	Hostname string
	Port     uint16
}

// WebSocketIP is a non-secure WebSocket connection to an IP address.
type WebSocketIP struct {
	IP   netip.Addr
	Port uint16
}

// WebSocketDns is a WebSocket connection to a hostname, optionally over TLS.
type WebSocketDns struct {
	Hostname string
	Port     uint16
	Secure   bool
}

// WebRtc is a WebRTC-direct connection authenticated by the SHA-256 hash of
// the remote's certificate. Unlike the others it carries multiple streams
// natively.
type WebRtc struct {
	IP                      netip.Addr
	Port                    uint16
	RemoteCertificateSHA256 [32]byte
}

func (TcpIP) isAddress()        {}
func (TcpDns) isAddress()       {}
func (WebSocketIP) isAddress()  {}
func (WebSocketDns) isAddress() {}
func (WebRtc) isAddress()       {}

func ipComponent(ip netip.Addr) string {
	if ip.Is4() {
		return "/ip4/" + ip.String()
	}
	return "/ip6/" + ip.String()
}

// String implements Address.
func (a TcpIP) String() string {
	return fmt.Sprintf("%s/tcp/%d", ipComponent(a.IP), a.Port)
}

// String implements Address.
func (a TcpDns) String() string {
	return fmt.Sprintf("/dns/%s/tcp/%d", a.Hostname, a.Port)
}

// String implements Address.
func (a WebSocketIP) String() string {
	return fmt.Sprintf("%s/tcp/%d/ws", ipComponent(a.IP), a.Port)
}

// String implements Address.
func (a WebSocketDns) String() string {
	suffix := "ws"
	if a.Secure {
		suffix = "wss"
	}
	return fmt.Sprintf("/dns/%s/tcp/%d/%s", a.Hostname, a.Port, suffix)
}

// String implements Address.
func (a WebRtc) String() string {
	hash, err := mh.Encode(a.RemoteCertificateSHA256[:], mh.SHA2_256)
	if err != nil {
		panic(err)
	}
	encoded, err := mb.Encode(mb.Base64url, hash)
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("%s/udp/%d/webrtc-direct/certhash/%s", ipComponent(a.IP), a.Port, encoded)
}

// Parse interprets the textual representation of a multiaddress.
func Parse(s string) (Address, error) {
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		return nil, fmt.Errorf("multiaddr: %w", err)
	}
	return FromMultiaddr(addr)
}

// FromMultiaddr translates an already-decoded multiaddress.
func FromMultiaddr(addr ma.Multiaddr) (Address, error) {
	var comps []ma.Component
	ma.ForEach(addr, func(c ma.Component) bool {
		comps = append(comps, c)
		return true
	})
	if len(comps) < 2 || len(comps) > 4 {
		return nil, ErrUnknownCombination
	}

	codes := make([]int, len(comps))
	for i, c := range comps {
		codes[i] = c.Protocol().Code
	}

	isDNS := func(code int) bool {
		return code == ma.P_DNS || code == ma.P_DNS4 || code == ma.P_DNS6
	}

	switch {
	case len(comps) == 2 && (codes[0] == ma.P_IP4 || codes[0] == ma.P_IP6) && codes[1] == ma.P_TCP:
		return TcpIP{IP: compIP(comps[0]), Port: compPort(comps[1])}, nil

	case len(comps) == 2 && isDNS(codes[0]) && codes[1] == ma.P_TCP:
		hostname, err := compHostname(comps[0])
		if err != nil {
			return nil, err
		}
		return TcpDns{Hostname: hostname, Port: compPort(comps[1])}, nil

	case len(comps) == 3 && (codes[0] == ma.P_IP4 || codes[0] == ma.P_IP6) && codes[1] == ma.P_TCP && codes[2] == ma.P_WS:
		return WebSocketIP{IP: compIP(comps[0]), Port: compPort(comps[1])}, nil

	case len(comps) == 3 && isDNS(codes[0]) && codes[1] == ma.P_TCP && (codes[2] == ma.P_WS || codes[2] == ma.P_WSS):
		hostname, err := compHostname(comps[0])
		if err != nil {
			return nil, err
		}
		return WebSocketDns{
			Hostname: hostname,
			Port:     compPort(comps[1]),
			Secure:   codes[2] == ma.P_WSS,
		}, nil

	case len(comps) == 4 && isDNS(codes[0]) && codes[1] == ma.P_TCP && codes[2] == ma.P_TLS && codes[3] == ma.P_WS:
		hostname, err := compHostname(comps[0])
		if err != nil {
			return nil, err
		}
		return WebSocketDns{Hostname: hostname, Port: compPort(comps[1]), Secure: true}, nil

	case len(comps) == 4 && (codes[0] == ma.P_IP4 || codes[0] == ma.P_IP6) && codes[1] == ma.P_UDP &&
		codes[2] == ma.P_WEBRTC_DIRECT && codes[3] == ma.P_CERTHASH:
		certhash, err := compCerthash(comps[3])
		if err != nil {
			return nil, err
		}
		return WebRtc{IP: compIP(comps[0]), Port: compPort(comps[1]), RemoteCertificateSHA256: certhash}, nil
	}

	return nil, ErrUnknownCombination
}

func compIP(c ma.Component) netip.Addr {
	addr, ok := netip.AddrFromSlice(c.RawValue())
	if !ok {
		panic("multiaddr: ip component with invalid length")
	}
	return addr
}

func compPort(c ma.Component) uint16 {
	return binary.BigEndian.Uint16(c.RawValue())
}

func compHostname(c ma.Component) (string, error) {
	raw := c.RawValue()
	if !utf8.Valid(raw) {
		return "", ErrNonUTF8DomainName
	}
	return string(raw), nil
}

func compCerthash(c ma.Component) ([32]byte, error) {
	var out [32]byte
	decoded, err := mh.Decode(c.RawValue())
	if err != nil {
		return out, ErrInvalidMultihashLength
	}
	if decoded.Code != mh.SHA2_256 {
		return out, ErrNonSha256Certhash
	}
	if len(decoded.Digest) != 32 {
		return out, ErrInvalidMultihashLength
	}
	copy(out[:], decoded.Digest)
	return out, nil
}
