package announcer

import (
	"context"
	"sort"
	"time"
	"unsafe"

	"github.com/prxssh/beacon/pkg/config"
	"github.com/prxssh/beacon/pkg/tier"
	"github.com/prxssh/beacon/pkg/transport"
	"github.com/prxssh/beacon/pkg/utils/heap"
)

// tierWork pairs a tier with its owning torrent, the unit the scheduler
// reasons about once torrents are flattened into a single candidate list
// (spec §4.4).
type tierWork struct {
	torrent *TorrentAnnouncer
	tier    *tier.Tier
}

// upkeep runs one scheduler tick (spec §4.4, steps 1-6). It is always
// invoked from the single upkeepLoop goroutine, so everything below runs
// without any other goroutine mutating tier state concurrently (spec §5).
func (a *Announcer) upkeep() {
	now := a.timer.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.flushStopsLocked(now)

	if a.isShuttingDown {
		// Shutdown still drives UDP connection upkeep (handled inside the
		// transports themselves) but schedules no new work.
		return
	}

	var announceMe, scrapeMe []tierWork
	for _, ta := range a.torrents {
		for _, tr := range ta.tiers {
			if tr.NeedsToAnnounce(now) {
				announceMe = append(announceMe, tierWork{ta, tr})
			}
			if tr.NeedsToScrape(now) {
				scrapeMe = append(scrapeMe, tierWork{ta, tr})
			}
		}
	}

	cfg := config.Load()
	announceMe = truncateAnnounces(announceMe, cfg.MaxAnnouncesPerUpkeep)

	for _, w := range announceMe {
		a.dispatchAnnounceLocked(w.torrent, w.tier, now)
	}
	a.dispatchScrapesLocked(scrapeMe, cfg.MaxScrapesPerUpkeep)
}

// flushStopsLocked sends every shutdown-forced stop announce, largest
// byte total first, ignoring the normal per-tick announce cap: spec's
// shutdown guarantee is "flushed before any new announce in the same
// upkeep tick", not "subject to the same budget".
func (a *Announcer) flushStopsLocked(now time.Time) {
	if len(a.stops) == 0 {
		return
	}

	sortStopsByBytesDesc(a.stops)

	for _, s := range a.stops {
		a.dispatchAnnounceLocked(s.torrent, s.tier, now)
	}
	a.stops = nil
}

// sortStopsByBytesDesc orders pending shutdown stops so torrents with more
// transferred bytes are flushed first (spec §4.8).
func sortStopsByBytesDesc(stops []pendingStop) {
	sort.SliceStable(stops, func(i, j int) bool {
		return stops[i].bytes > stops[j].bytes
	})
}

// truncateAnnounces keeps only the max highest-priority candidates (spec
// §4.4 step 5, compareAnnounceTiers), using a min-heap so eviction of the
// lowest-priority overflow item is O(log n) per insert.
func truncateAnnounces(candidates []tierWork, max int) []tierWork {
	if max <= 0 || len(candidates) <= max {
		return candidates
	}

	pq := heap.NewPriorityQueue(func(a, b tierWork) bool {
		// Less(a, b) true means a is evicted before b, i.e. a has lower
		// scheduling priority.
		return higherPriority(b, a)
	})
	for _, c := range candidates {
		pq.Enqueue(c)
		if pq.Len() > max {
			pq.Dequeue()
		}
	}

	out := make([]tierWork, 0, max)
	for {
		w, ok := pq.Dequeue()
		if !ok {
			break
		}
		out = append(out, w)
	}
	return out
}

// higherPriority implements compareAnnounceTiers (spec §4.4 step 5):
//  1. Higher pending event priority wins (stopped > completed > started > none).
//  2. More reported downloaders+leechers wins (unknown sorts last).
//  3. A tier whose torrent isn't fully downloaded wins over one that is.
//  4. Larger total transferred bytes wins.
//  5. Earlier announce_at wins.
//  6. Tie-break on tier pointer identity for a deterministic total order.
func higherPriority(a, b tierWork) bool {
	if pa, pb := a.tier.Events.Priority(), b.tier.Events.Priority(); pa != pb {
		return pa > pb
	}

	da, db := a.tier.DownloadersAndLeechers(), b.tier.DownloadersAndLeechers()
	if da != db {
		if da == tier.Unknown {
			return false
		}
		if db == tier.Unknown {
			return true
		}
		return da > db
	}

	aDone, bDone := a.torrent.Left == 0, b.torrent.Left == 0
	if aDone != bDone {
		return !aDone
	}

	if ba, bb := bytesTotal(a.tier), bytesTotal(b.tier); ba != bb {
		return ba > bb
	}

	if !a.tier.AnnounceAt.Equal(b.tier.AnnounceAt) {
		return a.tier.AnnounceAt.Before(b.tier.AnnounceAt)
	}

	return uintptr(unsafe.Pointer(a.tier)) < uintptr(unsafe.Pointer(b.tier))
}

// dispatchAnnounceLocked builds and fires one announce request. It must be
// called with a.mu held; the actual network call runs in a goroutine so
// the scheduler tick never blocks on I/O (spec §5).
func (a *Announcer) dispatchAnnounceLocked(ta *TorrentAnnouncer, tr *tier.Tier, now time.Time) {
	cur := tr.Current()
	if cur == nil {
		return
	}

	ev, ok := tr.Events.Pull()
	if !ok {
		ev = tier.EventNone
	}

	t, err := a.transportFor(cur.AnnounceURL)
	if err != nil {
		a.log.Error("announce: unsupported scheme", "url", cur.AnnounceURL.String(), "err", err)
		return
	}

	req := a.buildAnnounceRequest(ta, tr, ev)

	tr.IsAnnouncing = true
	tr.LastAnnounceStartTime = now

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), config.Load().RequestTimeout)
		defer cancel()

		resp, err := t.Announce(ctx, cur.AnnounceURL, req)

		a.mu.Lock()
		defer a.mu.Unlock()
		a.onAnnounceDone(ta, tr, ev, resp, err, errorsIsDeadlineExceeded(ctx))
	}()
}

// buildAnnounceRequest assembles the transport-neutral request from
// session state, the torrent's running totals, and the pulled event (spec
// §4.5 request table).
func (a *Announcer) buildAnnounceRequest(ta *TorrentAnnouncer, tr *tier.Tier, ev tier.AnnounceEvent) *transport.AnnounceRequest {
	cfg := config.Load()
	cur := tr.Current()

	req := &transport.AnnounceRequest{
		InfoHash:      ta.infoHash,
		PeerID:        a.session.PeerID(),
		Port:          a.session.Port(),
		Uploaded:      tr.ByteCounts[tier.Up],
		Downloaded:    tr.ByteCounts[tier.Down],
		Corrupt:       tr.ByteCounts[tier.Corrupt],
		Left:          ta.Left,
		Event:         ev,
		NumWant:       cfg.NumWant,
		Key:           ta.key,
		TrackerID:     cur.TrackerID,
		PartialSeed:   ta.PartialSeed && cfg.EnablePartialSeed,
		RequireCrypto: cfg.Encryption == config.EncryptionRequired,
	}
	if ev == tier.EventStopped {
		req.NumWant = 0
	}
	if cfg.EnableIPv6 {
		req.IPv6 = a.session.IPv6Address()
	}
	return req
}

// dispatchScrapesLocked groups scrape_me by scrape URL, batches each group
// to its ScrapeInfo.MultiscrapeMax, and fires up to max total requests
// (spec §4.4 step 4 "multiscrape batching").
func (a *Announcer) dispatchScrapesLocked(scrapeMe []tierWork, max int) {
	groups := make(map[string][]tierWork)
	var order []string
	for _, w := range scrapeMe {
		key := w.tier.Current().ScrapeURL.String()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], w)
	}

	sent := 0
	for _, key := range order {
		group := groups[key]
		si := a.scrapeInfoFor(group[0].tier.Current().ScrapeURL)

		for len(group) > 0 && sent < max {
			batchSize := si.MultiscrapeMax
			if batchSize <= 0 {
				batchSize = 1
			}
			if batchSize > len(group) {
				batchSize = len(group)
			}
			batch := group[:batchSize]
			group = group[batchSize:]
			sent++

			a.dispatchScrapeBatchLocked(batch, si)
		}
	}
}

func (a *Announcer) dispatchScrapeBatchLocked(batch []tierWork, si *ScrapeInfo) {
	scrapeURL := batch[0].tier.Current().ScrapeURL
	t, err := a.transportFor(scrapeURL)
	if err != nil {
		a.log.Error("scrape: unsupported scheme", "url", scrapeURL.String(), "err", err)
		return
	}

	req := &transport.ScrapeRequest{}
	for _, w := range batch {
		req.InfoHashes = append(req.InfoHashes, w.torrent.infoHash)
		w.tier.IsScraping = true
		w.tier.LastScrapeStartTime = a.timer.Now()
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), config.Load().RequestTimeout)
		defer cancel()

		resp, err := t.Scrape(ctx, scrapeURL, req)

		a.mu.Lock()
		defer a.mu.Unlock()
		a.onScrapeDone(batch, si, resp, err, errorsIsDeadlineExceeded(ctx))
	}()
}

func errorsIsDeadlineExceeded(ctx context.Context) bool {
	return ctx.Err() == context.DeadlineExceeded
}
