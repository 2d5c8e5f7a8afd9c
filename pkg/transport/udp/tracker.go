package udp

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"net"
	"time"

	"github.com/prxssh/beacon/pkg/tier"
	"github.com/prxssh/beacon/pkg/transport"
)

const (
	connectionTTL  = 60 * time.Second
	requestTTL     = 60 * time.Second
	shutdownWindow = 3 * time.Second
)

// AnnounceCallback delivers the outcome of one announce. didTimeout and
// didConnect distinguish a dropped connection handshake from a dropped
// request after a successful connect, matching the original implementation's
// three-way result.
type AnnounceCallback func(resp *transport.AnnounceResponse, err error, didConnect, didTimeout bool)

// ScrapeCallback delivers the outcome of one scrape.
type ScrapeCallback func(resp *transport.ScrapeResponse, err error, didConnect, didTimeout bool)

type pendingAnnounce struct {
	transactionID uint32
	req           *transport.AnnounceRequest
	createdAt     time.Time
	sentAt        time.Time
	callback      AnnounceCallback
}

type pendingScrape struct {
	transactionID uint32
	hashes        [][20]byte
	createdAt     time.Time
	sentAt        time.Time
	callback      ScrapeCallback
}

// UdpTracker holds per-endpoint BEP-15 connection state (spec §3
// UdpTracker), shared by every torrent announcing to the same host:port.
type UdpTracker struct {
	key  tier.Key
	host string
	port uint16

	addr          *net.UDPAddr
	addrExpiresAt time.Time
	isAskingDNS   bool

	connID            uint64
	connExpiresAt     time.Time
	isConnecting      bool
	connTransactionID uint32
	connectSentAt     time.Time

	announces []*pendingAnnounce
	scrapes   []*pendingScrape

	closeAt time.Time // zero means not shutting down

	socket Socket
	log    *slog.Logger
}

func newUdpTracker(key tier.Key, host string, port uint16, socket Socket, log *slog.Logger) *UdpTracker {
	return &UdpTracker{
		key:    key,
		host:   host,
		port:   port,
		socket: socket,
		log:    log.With("tracker", string(key)),
	}
}

func (t *UdpTracker) isEmpty() bool {
	return len(t.announces) == 0 && len(t.scrapes) == 0
}

func newTransactionID() uint32 {
	var b [4]byte
	// transaction ids pair responses with requests and must resist
	// off-path spoofing (spec §9 "Rand sources"); unlike retry jitter,
	// this uses a cryptographic RNG.
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the OS entropy source is broken;
		// fall back to a timestamp-derived value rather than panic.
		binary.BigEndian.PutUint32(b[:], uint32(time.Now().UnixNano()))
	}
	return binary.BigEndian.Uint32(b[:])
}

// enqueueAnnounce queues req for this tracker and returns at once; cb
// receives the outcome later, once the request is answered, fails or
// times out.
func (t *UdpTracker) enqueueAnnounce(req *transport.AnnounceRequest, cb AnnounceCallback) {
	if !t.closeAt.IsZero() {
		cb(nil, errTrackerShuttingDown, false, false)
		return
	}
	t.announces = append(t.announces, &pendingAnnounce{
		transactionID: newTransactionID(),
		req:           req,
		createdAt:     time.Now(),
		callback:      cb,
	})
}

func (t *UdpTracker) enqueueScrape(hashes [][20]byte, cb ScrapeCallback) {
	if !t.closeAt.IsZero() {
		cb(nil, errTrackerShuttingDown, false, false)
		return
	}
	t.scrapes = append(t.scrapes, &pendingScrape{
		transactionID: newTransactionID(),
		hashes:        hashes,
		createdAt:     time.Now(),
		callback:      cb,
	})
}

// startShutdown sets close_at per spec §4.8: in-flight requests are given a
// short window to complete before being abandoned without invoking their
// callback.
func (t *UdpTracker) startShutdown(now time.Time) {
	if t.closeAt.IsZero() {
		t.closeAt = now.Add(shutdownWindow)
	}
}

// upkeep implements spec §4.7's per-tick state machine exactly. It returns
// needsDNS=true when the caller (Manager) should kick off an asynchronous
// resolution; UdpTracker never spawns goroutines itself, and every caller
// holds Manager.mu, so its state is never touched concurrently (spec §5).
func (t *UdpTracker) upkeep(now time.Time) (needsDNS bool) {
	if t.addr != nil && now.After(t.addrExpiresAt) {
		t.addr = nil
	}

	if t.isEmpty() && t.closeAt.IsZero() {
		return false
	}

	if t.addr == nil && !t.isAskingDNS {
		t.isAskingDNS = true
		return true
	}
	if t.addr == nil {
		// still resolving; queue holds in place per spec §5 suspension.
		return false
	}

	isConnected := now.Before(t.connExpiresAt)

	if !isConnected && !t.isConnecting {
		t.sendConnect(now)
		return false
	}
	if t.isConnecting && now.Sub(t.connectSentAt) > requestTTL {
		// the handshake itself never got a reply; give upkeep another
		// chance to retry instead of leaving is_connecting stuck.
		t.isConnecting = false
		return false
	}

	t.announces = drainRequests(t.announces, now, t.closeAt, func(p *pendingAnnounce) bool {
		if isConnected && p.sentAt.IsZero() {
			t.sendAnnounce(p, now)
			return true
		}
		return false
	}, func(p *pendingAnnounce) {
		p.callback(nil, errRequestTimedOut, true, true)
	})

	t.scrapes = drainRequests(t.scrapes, now, t.closeAt, func(p *pendingScrape) bool {
		if isConnected && p.sentAt.IsZero() {
			t.sendScrape(p, now)
			return true
		}
		return false
	}, func(p *pendingScrape) {
		p.callback(nil, errRequestTimedOut, true, true)
	})

	return false
}

// drainRequests applies spec §4.7 step 5's if/else-if chain uniformly to
// announces and scrapes: send if possible, else time out if stale, else
// drop silently past close_at. The three conditions are mutually exclusive
// and checked in that order, so a request that finally sends this tick
// (after a slow DNS/connect phase) is kept for its response rather than
// immediately judged against its own age.
func drainRequests[T interface{ created() time.Time }](
	reqs []T,
	now time.Time,
	closeAt time.Time,
	trySend func(T) bool,
	timeout func(T),
) []T {
	kept := reqs[:0]
	for _, r := range reqs {
		switch {
		case trySend(r):
			kept = append(kept, r)
		case now.Sub(r.created()) > requestTTL:
			timeout(r)
		case !closeAt.IsZero() && !closeAt.After(now):
			// drop silently, caller already gave up
		default:
			kept = append(kept, r)
		}
	}
	return kept
}

func (p *pendingAnnounce) created() time.Time { return p.createdAt }
func (p *pendingScrape) created() time.Time   { return p.createdAt }

// onDNSResult applies a resolution outcome. Manager runs this on the
// scheduler thread after its own goroutine performs the actual lookup, so
// UdpTracker's fields are never touched concurrently (spec §5).
func (t *UdpTracker) onDNSResult(ip net.IP, err error) {
	t.isAskingDNS = false
	if err != nil {
		t.log.Warn("dns.failed", slog.String("host", t.host), slog.Any("error", err))
		t.failAll(errDNSFailed, false, false)
		return
	}
	t.addr = &net.UDPAddr{IP: ip, Port: int(t.port)}
	t.addrExpiresAt = time.Now().Add(addrTTL)
}

func (t *UdpTracker) failAll(err error, didConnect, didTimeout bool) {
	for _, p := range t.announces {
		p.callback(nil, err, didConnect, didTimeout)
	}
	t.announces = nil
	for _, p := range t.scrapes {
		p.callback(nil, err, didConnect, didTimeout)
	}
	t.scrapes = nil
}

func (t *UdpTracker) sendConnect(now time.Time) {
	t.isConnecting = true
	t.connTransactionID = newTransactionID()
	t.connectSentAt = now
	buf := encodeConnectRequest(t.connTransactionID)
	if err := t.socket.SendTo(t.addr, buf); err != nil {
		t.log.Warn("connect.send_failed", slog.Any("error", err))
		t.isConnecting = false
	}
}

func (t *UdpTracker) sendAnnounce(p *pendingAnnounce, now time.Time) {
	p.sentAt = now
	buf := encodeAnnounceRequest(t.connID, p.transactionID, p.req)
	if err := t.socket.SendTo(t.addr, buf); err != nil {
		t.log.Warn("announce.send_failed", slog.Any("error", err))
		p.sentAt = time.Time{}
	}
}

func (t *UdpTracker) sendScrape(p *pendingScrape, now time.Time) {
	p.sentAt = now
	buf := encodeScrapeRequest(t.connID, p.transactionID, p.hashes)
	if err := t.socket.SendTo(t.addr, buf); err != nil {
		t.log.Warn("scrape.send_failed", slog.Any("error", err))
		p.sentAt = time.Time{}
	}
}

// handleConnectResponse completes the CONNECT handshake if transactionID
// matches the in-flight request.
func (t *UdpTracker) handleConnectResponse(b []byte, transactionID uint32) bool {
	if !t.isConnecting || transactionID != t.connTransactionID {
		return false
	}

	resp, err := decodeConnectResponse(b)
	if err != nil {
		t.log.Warn("connect.bad_response", slog.Any("error", err))
		return true
	}

	t.isConnecting = false
	t.connID = resp.connectionID
	t.connExpiresAt = time.Now().Add(connectionTTL)
	return true
}

// handleAnnounceResponse matches transactionID against queued announces.
func (t *UdpTracker) handleAnnounceResponse(b []byte, transactionID uint32) bool {
	idx := -1
	for i, p := range t.announces {
		if p.transactionID == transactionID && !p.sentAt.IsZero() {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	p := t.announces[idx]
	t.announces = append(t.announces[:idx], t.announces[idx+1:]...)

	hdr, peers, err := decodeAnnounceResponse(b)
	if err != nil {
		p.callback(nil, err, true, false)
		return true
	}

	resp := &transport.AnnounceResponse{
		Interval: time.Duration(hdr.interval) * time.Second,
		Seeders:  int64(hdr.seeders),
		Leechers: int64(hdr.leechers),
		PeersV4:  peers,
	}
	p.callback(resp, nil, true, false)
	return true
}

// handleScrapeResponse matches transactionID against queued scrapes.
func (t *UdpTracker) handleScrapeResponse(b []byte, transactionID uint32) bool {
	idx := -1
	for i, p := range t.scrapes {
		if p.transactionID == transactionID && !p.sentAt.IsZero() {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	p := t.scrapes[idx]
	t.scrapes = append(t.scrapes[:idx], t.scrapes[idx+1:]...)

	_, rows, err := decodeScrapeResponse(b, len(p.hashes))
	if err != nil {
		p.callback(nil, err, true, false)
		return true
	}

	out := &transport.ScrapeResponse{Rows: make(map[[20]byte]transport.ScrapeRow, len(rows))}
	for i, row := range rows {
		out.Rows[p.hashes[i]] = transport.ScrapeRow{
			Seeders:     int64(row.seeders),
			Leechers:    int64(row.leechers),
			Downloads:   int64(row.downloads),
			Downloaders: tier.Unknown,
		}
	}
	// rows beyond len(rows) were truncated; those hashes stay absent from
	// the map. The announcer's onScrapeDone clears is_scraping for every
	// tier of the batch and reschedules the absent ones a scrape interval
	// later; they are not left scraping.
	p.callback(out, nil, true, false)
	return true
}

// handleErrorResponse matches an ERROR datagram against either queue.
func (t *UdpTracker) handleErrorResponse(msg string, transactionID uint32) bool {
	for i, p := range t.announces {
		if p.transactionID == transactionID {
			t.announces = append(t.announces[:i], t.announces[i+1:]...)
			p.callback(nil, &transport.TrackerError{Message: msg}, true, false)
			return true
		}
	}
	for i, p := range t.scrapes {
		if p.transactionID == transactionID {
			t.scrapes = append(t.scrapes[:i], t.scrapes[i+1:]...)
			p.callback(nil, &transport.TrackerError{Message: msg}, true, false)
			return true
		}
	}
	if transactionID == t.connTransactionID && t.isConnecting {
		t.isConnecting = false
		t.failAll(&transport.TrackerError{Message: msg}, false, false)
		return true
	}
	return false
}
