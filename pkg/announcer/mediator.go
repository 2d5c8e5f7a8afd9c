// Package announcer implements the session-level tracker announcer: the
// per-torrent tier set, the periodic scheduler, and the response
// dispatcher that ties the HTTP and UDP transports together (spec §3
// Announcer/TorrentAnnouncer, §4.4-4.8, §6).
package announcer

import (
	"time"

	"github.com/prxssh/beacon/pkg/transport"
	httptransport "github.com/prxssh/beacon/pkg/transport/http"
	udptransport "github.com/prxssh/beacon/pkg/transport/udp"
)

// Web is the HTTP fetch mediator (spec §6), re-exported so embedders only
// import this package.
type Web = httptransport.Web

// DNS is the UDP tracker hostname resolution mediator (spec §6).
type DNS = udptransport.DNS

// Socket is the raw UDP datagram mediator (spec §6).
type Socket = udptransport.Socket

// SessionInfo answers the session-wide questions the scheduler needs
// without the announcer owning that state itself (spec §6 mediator table).
type SessionInfo interface {
	PeerID() [20]byte
	Port() uint16
	// IPv6Address returns the session's global IPv6 address, or nil if
	// none is known (BEP-7 option A).
	IPv6Address() *[16]byte
}

// Timer abstracts wall-clock access so scheduling can be driven
// deterministically in tests (spec §6 "Timer").
type Timer interface {
	Now() time.Time
}

type realTimer struct{}

func (realTimer) Now() time.Time { return time.Now() }

// TorrentID is the opaque handle returned by AddTorrent (spec §6
// "add_torrent ... return an opaque handle").
type TorrentID uint64

// PeerPublisher receives peers discovered via a successful announce (spec
// §6 outbound API). v4 and v6 are kept separate so the session can hand
// each address family to its own swarm without re-sniffing Addr.
type PeerPublisher interface {
	AddPeers(id TorrentID, v4, v6 []transport.Peer)
}

// TrackerEventKind enumerates the event types delivered to a torrent's
// owner callback (spec §6 "on_event(torrent, &TrackerEvent)").
type TrackerEventKind uint8

const (
	EventError TrackerEventKind = iota
	EventErrorClear
	EventCounts
	EventPeers
	EventWarning
)

// TrackerEvent is delivered to a torrent's owner callback.
type TrackerEvent struct {
	Kind    TrackerEventKind
	Message string

	Seeders   int64
	Leechers  int64
	Downloads int64
}

// TorrentOwner receives lifecycle/status events for one torrent.
type TorrentOwner func(TrackerEvent)
