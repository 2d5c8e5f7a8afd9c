package announcer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/prxssh/beacon/pkg/config"
	"github.com/prxssh/beacon/pkg/syncmap"
	"github.com/prxssh/beacon/pkg/tier"
	"github.com/prxssh/beacon/pkg/transport"
	httptransport "github.com/prxssh/beacon/pkg/transport/http"
	udptransport "github.com/prxssh/beacon/pkg/transport/udp"
	"golang.org/x/sync/errgroup"
)

// ScrapeInfo is the per-scrape-URL state the scheduler consults to size
// multiscrape batches (spec §4.6 "Applying the response").
type ScrapeInfo struct {
	MultiscrapeMax int
}

// pendingStop is one tier force-flushed by StartShutdown (spec: "Announcer
// ... stops: pending event=stopped requests sorted by bytes descending").
type pendingStop struct {
	torrent *TorrentAnnouncer
	tier    *tier.Tier
	bytes   uint64
}

// Announcer is the session-wide tracker announcer (spec §3 Announcer). One
// value owns every torrent's tier state, the shared HTTP/UDP transports,
// and the 1Hz scheduler goroutine.
type Announcer struct {
	mu       sync.Mutex
	torrents map[TorrentID]*TorrentAnnouncer
	nextID   TorrentID

	stops []pendingStop

	scrapeInfo *syncmap.Map[string, *ScrapeInfo]

	httpTransport transport.Transport
	udpTransport  transport.Transport
	udpSocket     *udptransport.DefaultSocket

	session SessionInfo
	timer   Timer
	peers   PeerPublisher

	isShuttingDown bool
	shutdownAt     time.Time

	log *slog.Logger
}

// Options bundles the mediators an embedder wires in (spec §6 "mediator
// table"). Fields left nil fall back to defaults wherever one exists.
type Options struct {
	Web    Web
	DNS    DNS
	Socket *udptransport.DefaultSocket

	Session SessionInfo
	Timer   Timer
	Peers   PeerPublisher

	Logger *slog.Logger
}

// New builds an Announcer. If opts.Socket is nil, a DefaultSocket bound to
// an ephemeral port is created so the UDP transport always has a socket to
// read from (spec §6 "Socket" mediator is optional for embedders who don't
// care about DefaultSocket's lifecycle).
func New(opts Options) (*Announcer, error) {
	if opts.Session == nil {
		return nil, errors.New("announcer: SessionInfo is required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	timer := opts.Timer
	if timer == nil {
		timer = realTimer{}
	}

	web := opts.Web
	if web == nil {
		web = httptransport.DefaultWeb()
	}

	socket := opts.Socket
	if socket == nil {
		s, err := udptransport.NewDefaultSocket(":0")
		if err != nil {
			return nil, fmt.Errorf("announcer: create udp socket: %w", err)
		}
		socket = s
	}

	dns := opts.DNS
	if dns == nil {
		dns = udptransport.NewDefaultResolver()
	}

	cfg := config.Load()

	a := &Announcer{
		torrents:      make(map[TorrentID]*TorrentAnnouncer),
		scrapeInfo:    syncmap.New[string, *ScrapeInfo](),
		httpTransport: httptransport.New(web, log, cfg.CurlVerbose),
		udpTransport:  udptransport.NewManager(socket, dns, log),
		udpSocket:     socket,
		session:       opts.Session,
		timer:         timer,
		peers:         opts.Peers,
		log:           log,
	}
	return a, nil
}

// Run drives the announcer's background work: the UDP manager's scheduler
// goroutine, the UDP socket's read loop, and this package's own upkeep
// ticker (spec §4.4, §5). It blocks until ctx is canceled or a supervised
// goroutine fails, per the teacher's errgroup supervision idiom.
func (a *Announcer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	udpMgr, _ := a.udpTransport.(*udptransport.Manager)
	if udpMgr != nil {
		g.Go(func() error { return udpMgr.Run(ctx) })
	}
	if a.udpSocket != nil && udpMgr != nil {
		stop := make(chan struct{})
		g.Go(func() error {
			<-ctx.Done()
			close(stop)
			return nil
		})
		g.Go(func() error { return a.udpSocket.ReadLoop(stop, udpMgr.Deliver) })
	}

	cfg := config.Load()
	g.Go(func() error { return a.upkeepLoop(ctx, cfg.UpkeepInterval) })

	return g.Wait()
}

func (a *Announcer) upkeepLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.upkeep()
		}
	}
}

// AddTorrent registers a new torrent and returns an opaque handle (spec §6
// "add_torrent"). The torrent starts stopped; call StartTorrent to begin
// announcing.
func (a *Announcer) AddTorrent(infoHash [sha1.Size]byte, announce string, announceList [][]string, onEvent TorrentOwner) (TorrentID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextID
	a.nextID++

	ta, err := newTorrentAnnouncer(id, infoHash, announce, announceList, onEvent)
	if err != nil {
		return 0, err
	}
	a.torrents[id] = ta
	return id, nil
}

// RemoveTorrent drops a torrent's tier state (spec §6 "remove_torrent").
// Every tier that was running with a successful last announce gets a final
// event=stopped force-flushed on the next upkeep tick, the same way
// StartShutdown flushes stops, before its state is dropped; a tier that
// never managed a successful announce has nothing a tracker would expect a
// stopped for, so it's just discarded. Requests already in flight for the
// torrent still complete, and the dispatcher applies their results to the
// detached torrent and tier objects (the same ones a.stops points at).
func (a *Announcer) RemoveTorrent(id TorrentID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ta, ok := a.torrents[id]
	if !ok {
		return
	}

	for _, tr := range ta.tiers {
		if !tr.IsRunning || !tr.LastAnnounceSucceeded {
			continue
		}
		tr.IsRunning = false
		tr.Events.Enqueue(tier.EventStopped)
		a.stops = append(a.stops, pendingStop{torrent: ta, tier: tr, bytes: bytesTotal(tr)})
	}

	delete(a.torrents, id)
}

// StartTorrent marks every tier running and enqueues event=started (spec
// §6 "start_torrent").
func (a *Announcer) StartTorrent(id TorrentID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ta, ok := a.torrents[id]
	if !ok {
		return fmt.Errorf("announcer: unknown torrent %d", id)
	}
	if ta.IsRunning {
		return nil
	}
	ta.IsRunning = true

	now := a.timer.Now()
	for _, tr := range ta.tiers {
		tr.IsRunning = true
		tr.Events.Enqueue(tier.EventStarted)
		tr.AnnounceAt = now
	}
	return nil
}

// StopTorrent enqueues event=stopped on every running tier (spec §6
// "stop_torrent"). Unlike StartShutdown, this does not force-flush: the
// normal scheduler picks the request up on its next tick since Stopped
// carries the highest event priority (tier.EventQueue.Priority).
func (a *Announcer) StopTorrent(id TorrentID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ta, ok := a.torrents[id]
	if !ok {
		return fmt.Errorf("announcer: unknown torrent %d", id)
	}
	ta.IsRunning = false

	now := a.timer.Now()
	for _, tr := range ta.tiers {
		if !tr.IsRunning {
			continue
		}
		tr.IsRunning = false
		tr.Events.Enqueue(tier.EventStopped)
		tr.AnnounceAt = now
	}
	return nil
}

// TorrentCompleted enqueues event=completed on every tier (spec §6
// "torrent_completed"), fired once when a torrent finishes downloading.
func (a *Announcer) TorrentCompleted(id TorrentID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ta, ok := a.torrents[id]
	if !ok {
		return fmt.Errorf("announcer: unknown torrent %d", id)
	}

	now := a.timer.Now()
	for _, tr := range ta.tiers {
		tr.Events.Enqueue(tier.EventCompleted)
		tr.AnnounceAt = now
	}
	return nil
}

// ManualAnnounce requests an immediate re-announce on every tier that
// currently allows one (spec §6 "manual_announce").
func (a *Announcer) ManualAnnounce(id TorrentID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ta, ok := a.torrents[id]
	if !ok {
		return fmt.Errorf("announcer: unknown torrent %d", id)
	}

	now := a.timer.Now()
	for _, tr := range ta.tiers {
		if !tr.ManualAnnounceAllowed(now) {
			continue
		}
		tr.Events.Enqueue(tier.EventNone)
		tr.AnnounceAt = now
	}
	return nil
}

// ChangeMyPort re-announces event=started on every tier of id, the same
// way StartTorrent does, so every tracker learns the new port carried by
// SessionInfo.Port as soon as possible rather than waiting out the current
// announce interval (spec §6 "change_my_port").
func (a *Announcer) ChangeMyPort(id TorrentID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ta, ok := a.torrents[id]
	if !ok {
		return fmt.Errorf("announcer: unknown torrent %d", id)
	}
	if !ta.IsRunning {
		return nil
	}

	now := a.timer.Now()
	for _, tr := range ta.tiers {
		tr.Events.Enqueue(tier.EventStarted)
		tr.AnnounceAt = now
	}
	return nil
}

// AddBytes updates a torrent's transferred-byte counters, consulted by the
// scheduler's announce truncation ordering (spec §4.4 step 5.4, §6
// "add_bytes").
func (a *Announcer) AddBytes(id TorrentID, uploaded, downloaded, corrupt uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ta, ok := a.torrents[id]
	if !ok {
		return fmt.Errorf("announcer: unknown torrent %d", id)
	}
	for _, tr := range ta.tiers {
		tr.ByteCounts[tier.Up] += uploaded
		tr.ByteCounts[tier.Down] += downloaded
		tr.ByteCounts[tier.Corrupt] += corrupt
	}
	return nil
}

// ResetTorrent rebuilds a torrent's tier set from a fresh announce-list
// (spec §6 "reset_torrent", e.g. after a magnet metadata fetch finally
// supplies the real tracker list). Trackers present in both the old and
// new tier sets keep their tracker-reported state (TrackerID,
// ConsecutiveFailures, and swarm stats) rather than reverting to unknown,
// and a new tier whose current tracker matches an old tier's current
// tracker inherits that tier's schedule and pending event queue rather
// than being treated as freshly added. Only tiers with no such match get a
// fresh event=started, and only while the torrent is running.
func (a *Announcer) ResetTorrent(id TorrentID, announce string, announceList [][]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ta, ok := a.torrents[id]
	if !ok {
		return fmt.Errorf("announcer: unknown torrent %d", id)
	}

	newTiers, err := tier.BuildTiers(announce, announceList)
	if err != nil {
		return err
	}

	oldByURL := make(map[string]*tier.TrackerRow)
	oldTierByCurrentURL := make(map[string]*tier.Tier)
	for _, ot := range ta.tiers {
		for _, row := range ot.Trackers {
			oldByURL[row.AnnounceURL.String()] = row
		}
		if cur := ot.Current(); cur != nil {
			oldTierByCurrentURL[cur.AnnounceURL.String()] = ot
		}
	}

	now := a.timer.Now()
	for _, nt := range newTiers {
		for _, row := range nt.Trackers {
			old, ok := oldByURL[row.AnnounceURL.String()]
			if !ok {
				continue
			}
			row.TrackerID = old.TrackerID
			row.ConsecutiveFailures = old.ConsecutiveFailures
			row.Seeders = old.Seeders
			row.Leechers = old.Leechers
			row.Downloads = old.Downloads
			row.Downloaders = old.Downloaders
		}

		cur := nt.Current()
		var priorTier *tier.Tier
		if cur != nil {
			priorTier = oldTierByCurrentURL[cur.AnnounceURL.String()]
		}

		if priorTier != nil {
			nt.Events = priorTier.Events
			nt.IsRunning = priorTier.IsRunning
			nt.ByteCounts = priorTier.ByteCounts
			nt.AnnounceAt = priorTier.AnnounceAt
			nt.ScrapeAt = priorTier.ScrapeAt
			nt.ManualAnnounceAllowedAt = priorTier.ManualAnnounceAllowedAt
			nt.LastAnnounceSucceeded = priorTier.LastAnnounceSucceeded
			nt.LastAnnounceTimedOut = priorTier.LastAnnounceTimedOut
			nt.LastAnnounceStr = priorTier.LastAnnounceStr
			nt.LastAnnouncePeerCount = priorTier.LastAnnouncePeerCount
			nt.LastAnnounceTime = priorTier.LastAnnounceTime
			nt.LastScrapeSucceeded = priorTier.LastScrapeSucceeded
			nt.LastScrapeTimedOut = priorTier.LastScrapeTimedOut
			nt.LastScrapeStr = priorTier.LastScrapeStr
			nt.LastScrapeTime = priorTier.LastScrapeTime
			continue
		}

		if ta.IsRunning {
			nt.IsRunning = true
			nt.Events.Enqueue(tier.EventStarted)
			nt.AnnounceAt = now
		}
	}

	ta.tiers = newTiers
	return nil
}

// scrapeInfoFor returns (creating if absent) the ScrapeInfo for a scrape
// URL, seeded from the configured default batch size.
func (a *Announcer) scrapeInfoFor(u *url.URL) *ScrapeInfo {
	key := u.String()
	if si, ok := a.scrapeInfo.Get(key); ok {
		return si
	}
	si := &ScrapeInfo{MultiscrapeMax: config.Load().DefaultMultiscrapeMax}
	a.scrapeInfo.Put(key, si)
	return si
}

// transportFor dispatches by URL scheme (spec §4.5 "Dispatching by
// scheme").
func (a *Announcer) transportFor(u *url.URL) (transport.Transport, error) {
	kind, err := transport.KindForScheme(u.Scheme)
	if err != nil {
		return nil, err
	}
	if kind == transport.KindUDP {
		return a.udpTransport, nil
	}
	return a.httpTransport, nil
}
