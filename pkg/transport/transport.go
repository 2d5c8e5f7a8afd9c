// Package transport defines the transport-agnostic request/response types
// shared by the HTTP and UDP tracker transports (spec §4.5, §4.6), plus the
// compact peer codec both transports and the response dispatcher use.
package transport

import (
	"context"
	"crypto/sha1"
	"fmt"
	"net/url"
	"time"

	"github.com/prxssh/beacon/pkg/tier"
)

// Kind identifies which wire protocol an announce URL requires.
type Kind uint8

const (
	KindHTTP Kind = iota
	KindUDP
)

// KindForScheme dispatches by URL scheme (spec §4.5 "Dispatching by
// scheme"). Any scheme other than http/https/udp is an error.
func KindForScheme(scheme string) (Kind, error) {
	switch scheme {
	case "http", "https":
		return KindHTTP, nil
	case "udp":
		return KindUDP, nil
	default:
		return 0, fmt.Errorf("transport: unsupported scheme %q", scheme)
	}
}

// AnnounceRequest carries every field spec §4.5's request table lists,
// independent of transport.
type AnnounceRequest struct {
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
	Port     uint16

	Uploaded   uint64
	Downloaded uint64
	Corrupt    uint64
	Left       uint64

	Event   tier.AnnounceEvent
	NumWant uint32
	Key     uint32

	TrackerID string

	PartialSeed   bool
	RequireCrypto bool
	IPv6          *[16]byte // nil when the session has no global IPv6 address
}

// AnnounceResponse is the neutral result both transports produce. IPv4 and
// IPv6 peers are kept separate so the dispatcher can publish them to the
// peer manager as two distinct add_pex calls (spec §6 Outbound API).
type AnnounceResponse struct {
	FailureReason  string
	WarningMessage string

	Interval    time.Duration
	MinInterval time.Duration

	TrackerID string
	Seeders   int64 // tier.Unknown if not reported
	Leechers  int64
	Downloads int64

	PeersV4 []Peer
	PeersV6 []Peer
}

// Peer is a connectable address returned by an announce.
type Peer struct {
	Addr [16]byte // IPv4-mapped into the low 4 bytes when IsV4
	IsV4 bool
	Port uint16
}

// ScrapeRequest carries up to a tracker's multiscrape_max info hashes.
type ScrapeRequest struct {
	InfoHashes [][sha1.Size]byte
}

// ScrapeRow is one torrent's swarm statistics from a scrape response.
type ScrapeRow struct {
	Seeders     int64
	Leechers    int64
	Downloads   int64
	Downloaders int64 // HTTP only; tier.Unknown over UDP
}

// ScrapeResponse maps each requested info hash to its row. Rows missing
// from the map were not returned by the tracker (e.g. a truncated UDP
// response, spec §8).
type ScrapeResponse struct {
	Rows               map[[sha1.Size]byte]ScrapeRow
	MinRequestInterval time.Duration // 0 if not supplied
	Err                string        // non-empty signals a tracker-level scrape error
}

// TrackerError wraps a failure the tracker itself declared over the wire
// (a UDP ERROR datagram; the transport-neutral counterpart of an HTTP
// response's FailureReason field), distinguished from a plain transport
// failure (dial/timeout/DNS/protocol violation) so the dispatcher can
// switch on error kind instead of string-sniffing every error it sees
// (spec §4.5 step 3, §7).
type TrackerError struct {
	Message string
}

func (e *TrackerError) Error() string { return "transport: tracker error: " + e.Message }

// Transport is the narrow interface both HTTP and UDP implementations
// satisfy (spec §9 "Dynamic polymorphism"). url is the tracker's announce
// (or scrape) URL for this call; it is passed explicitly rather than baked
// into the Transport value because a single HTTP transport instance serves
// every HTTP tracker, while a UDP transport instance is keyed internally by
// endpoint (spec §3: trackers sharing a Key share connection state).
type Transport interface {
	Announce(ctx context.Context, url *url.URL, req *AnnounceRequest) (*AnnounceResponse, error)
	Scrape(ctx context.Context, url *url.URL, req *ScrapeRequest) (*ScrapeResponse, error)
}
