package transport

import (
	"encoding/binary"
	"errors"
)

const (
	strideV4 = 6
	strideV6 = 18
)

// EncodeCompactV4 serializes IPv4 peers into BEP-23 compact form (4-byte
// address + 2-byte port, network order, per peer).
func EncodeCompactV4(peers []Peer) []byte {
	out := make([]byte, 0, len(peers)*strideV4)
	for _, p := range peers {
		out = append(out, p.Addr[12], p.Addr[13], p.Addr[14], p.Addr[15])
		var port [2]byte
		binary.BigEndian.PutUint16(port[:], p.Port)
		out = append(out, port[:]...)
	}
	return out
}

// DecodeCompactV4 parses BEP-23 compact IPv4 peers.
func DecodeCompactV4(b []byte) ([]Peer, error) {
	if len(b)%strideV4 != 0 {
		return nil, errors.New("transport: compact peer list not a multiple of 6 bytes")
	}

	n := len(b) / strideV4
	peers := make([]Peer, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+strideV4 {
		var addr [16]byte
		copy(addr[12:], b[off:off+4])
		peers[i] = Peer{
			Addr: addr,
			IsV4: true,
			Port: binary.BigEndian.Uint16(b[off+4 : off+6]),
		}
	}
	return peers, nil
}

// EncodeCompactV6 serializes IPv6 peers into compact form (16-byte address
// + 2-byte port, per peer).
func EncodeCompactV6(peers []Peer) []byte {
	out := make([]byte, 0, len(peers)*strideV6)
	for _, p := range peers {
		out = append(out, p.Addr[:]...)
		var port [2]byte
		binary.BigEndian.PutUint16(port[:], p.Port)
		out = append(out, port[:]...)
	}
	return out
}

// DecodeCompactV6 parses compact IPv6 peers.
func DecodeCompactV6(b []byte) ([]Peer, error) {
	if len(b)%strideV6 != 0 {
		return nil, errors.New("transport: compact peer list not a multiple of 18 bytes")
	}

	n := len(b) / strideV6
	peers := make([]Peer, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+strideV6 {
		var addr [16]byte
		copy(addr[:], b[off:off+16])
		peers[i] = Peer{
			Addr: addr,
			IsV4: false,
			Port: binary.BigEndian.Uint16(b[off+16 : off+18]),
		}
	}
	return peers, nil
}
