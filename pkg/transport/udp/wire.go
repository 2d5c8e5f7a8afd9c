package udp

import (
	"encoding/binary"
	"fmt"

	"github.com/prxssh/beacon/pkg/tier"
	"github.com/prxssh/beacon/pkg/transport"
)

// protocolID is the BEP-15 magic constant opening every CONNECT request.
const protocolID uint64 = 0x41727101980

type action uint32

const (
	actionConnect  action = 0
	actionAnnounce action = 1
	actionScrape   action = 2
	actionError    action = 3
)

func encodeConnectRequest(transactionID uint32) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], protocolID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(actionConnect))
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	return buf
}

type connectResponse struct {
	transactionID uint32
	connectionID  uint64
}

func decodeConnectResponse(b []byte) (connectResponse, error) {
	if len(b) < 16 {
		return connectResponse{}, fmt.Errorf("udp: connect response too short (%d bytes)", len(b))
	}
	return connectResponse{
		transactionID: binary.BigEndian.Uint32(b[4:8]),
		connectionID:  binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

func encodeAnnounceRequest(connID uint64, transactionID uint32, req *transport.AnnounceRequest) []byte {
	buf := make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], connID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(actionAnnounce))
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], req.Downloaded)
	binary.BigEndian.PutUint64(buf[64:72], req.Left)
	binary.BigEndian.PutUint64(buf[72:80], req.Uploaded)
	binary.BigEndian.PutUint32(buf[80:84], udpEventValue(req))
	binary.BigEndian.PutUint32(buf[84:88], 0) // ip; 0 lets the tracker use the packet's source address
	binary.BigEndian.PutUint32(buf[88:92], req.Key)
	binary.BigEndian.PutUint32(buf[92:96], announceNumWant(req))
	binary.BigEndian.PutUint16(buf[96:98], req.Port)
	return buf
}

// udpEventValue maps the library's scheduling-priority event ordinal to the
// BEP-15 wire value (0=none,1=completed,2=started,3=stopped), which does not
// match Go's AnnounceEvent iota order.
func udpEventValue(req *transport.AnnounceRequest) uint32 {
	if req.PartialSeed && req.Event == tier.EventNone {
		// BEP-15 has no paused pseudo-event; send none and rely on
		// the next real announce to communicate partial-seed state
		// via HTTP where supported.
		return tier.EventNone.UDPValue()
	}
	return req.Event.UDPValue()
}

func announceNumWant(req *transport.AnnounceRequest) uint32 {
	if req.Event == tier.EventStopped {
		return 0
	}
	return req.NumWant
}

type announceResponseHeader struct {
	transactionID uint32
	interval      uint32
	leechers      uint32
	seeders       uint32
}

func decodeAnnounceResponse(b []byte) (announceResponseHeader, []transport.Peer, error) {
	if len(b) < 20 {
		return announceResponseHeader{}, nil, fmt.Errorf("udp: announce response too short (%d bytes)", len(b))
	}

	hdr := announceResponseHeader{
		transactionID: binary.BigEndian.Uint32(b[4:8]),
		interval:      binary.BigEndian.Uint32(b[8:12]),
		leechers:      binary.BigEndian.Uint32(b[12:16]),
		seeders:       binary.BigEndian.Uint32(b[16:20]),
	}

	peers, err := transport.DecodeCompactV4(b[20:])
	if err != nil {
		// Tracker may pad or truncate; fall back to whole 6-byte
		// records only, dropping a short trailing remainder.
		n := len(b[20:]) / 6 * 6
		peers, err = transport.DecodeCompactV4(b[20 : 20+n])
		if err != nil {
			return hdr, nil, err
		}
	}

	return hdr, peers, nil
}

func encodeScrapeRequest(connID uint64, transactionID uint32, hashes [][20]byte) []byte {
	buf := make([]byte, 16+20*len(hashes))
	binary.BigEndian.PutUint64(buf[0:8], connID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(actionScrape))
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	for i, h := range hashes {
		off := 16 + i*20
		copy(buf[off:off+20], h[:])
	}
	return buf
}

type scrapeRow struct {
	seeders   uint32
	downloads uint32
	leechers  uint32
}

// decodeScrapeResponse consumes complete 12-byte rows only, per spec's
// truncated-response handling: a short tail is silently dropped rather than
// erroring the whole response.
func decodeScrapeResponse(b []byte, wantRows int) (uint32, []scrapeRow, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("udp: scrape response too short (%d bytes)", len(b))
	}
	transactionID := binary.BigEndian.Uint32(b[4:8])

	body := b[8:]
	n := len(body) / 12
	if n > wantRows {
		n = wantRows
	}

	rows := make([]scrapeRow, n)
	for i := 0; i < n; i++ {
		off := i * 12
		rows[i] = scrapeRow{
			seeders:   binary.BigEndian.Uint32(body[off : off+4]),
			downloads: binary.BigEndian.Uint32(body[off+4 : off+8]),
			leechers:  binary.BigEndian.Uint32(body[off+8 : off+12]),
		}
	}

	return transactionID, rows, nil
}

type errorResponse struct {
	transactionID uint32
	message       string
}

func decodeErrorResponse(b []byte) (errorResponse, error) {
	if len(b) < 8 {
		return errorResponse{}, fmt.Errorf("udp: error response too short (%d bytes)", len(b))
	}
	return errorResponse{
		transactionID: binary.BigEndian.Uint32(b[4:8]),
		message:       string(b[8:]),
	}, nil
}

// peekAction reads the action field any response starts with, for dispatch.
func peekAction(b []byte) (action, uint32, error) {
	if len(b) < 8 {
		return 0, 0, fmt.Errorf("udp: datagram too short (%d bytes)", len(b))
	}
	return action(binary.BigEndian.Uint32(b[0:4])), binary.BigEndian.Uint32(b[4:8]), nil
}
