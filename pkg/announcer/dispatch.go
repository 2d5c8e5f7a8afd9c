package announcer

import (
	"errors"
	"strings"
	"time"

	"github.com/prxssh/beacon/pkg/config"
	"github.com/prxssh/beacon/pkg/tier"
	"github.com/prxssh/beacon/pkg/transport"
)

// unregisteredMarkers classifies a tracker's failure reason as "this
// torrent will never be accepted again", e.g. a private tracker that
// dropped the torrent. Kept as a slice so new trackers' wording can be
// added without touching the dispatch logic (spec §4.6).
var unregisteredMarkers = []string{
	"torrent not registered",
	"unregistered torrent",
	"torrent is not authorized",
}

// scrapeTooLargeMarkers classifies a scrape error as "batch too big",
// triggering ScrapeInfo.MultiscrapeMax shrinkage (spec §4.6).
var scrapeTooLargeMarkers = []string{
	"too many info_hash",
	"too many infohashes",
	"request too large",
}

func containsAny(haystack string, markers []string) bool {
	haystack = strings.ToLower(haystack)
	for _, m := range markers {
		if strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}

// trackerDeclaredAnnounceFailure extracts the tracker's own failure text
// from an announce outcome, whether it arrived as an HTTP response field or
// a UDP *transport.TrackerError (spec §4.5 step 3 "errmsg is non-empty"),
// distinguishing it from a plain transport failure (dial/timeout/DNS).
func trackerDeclaredAnnounceFailure(resp *transport.AnnounceResponse, err error) (string, bool) {
	if resp != nil && resp.FailureReason != "" {
		return resp.FailureReason, true
	}
	var te *transport.TrackerError
	if errors.As(err, &te) {
		return te.Message, true
	}
	return "", false
}

// onAnnounceDone applies an announce response or error to its tier (spec
// §4.5 "Applying the response", called with a.mu held).
func (a *Announcer) onAnnounceDone(ta *TorrentAnnouncer, tr *tier.Tier, ev tier.AnnounceEvent, resp *transport.AnnounceResponse, err error, timedOut bool) {
	now := a.timer.Now()
	tr.IsAnnouncing = false
	tr.LastAnnounceTime = now

	cfg := config.Load()

	if reason, ok := trackerDeclaredAnnounceFailure(resp, err); ok {
		if containsAny(reason, unregisteredMarkers) {
			a.failUnregistered(ta, tr, reason)
			return
		}
		a.failAnnounce(ta, tr, ev, reason, false)
		return
	}

	if err != nil || resp == nil {
		a.failAnnounce(ta, tr, ev, errString(err), timedOut)
		return
	}

	// Success.
	tr.LastAnnounceSucceeded = true
	tr.LastAnnounceTimedOut = false
	tr.LastAnnounceStr = ""
	tr.Current().ConsecutiveFailures = 0
	tr.LastAnnouncePeerCount = len(resp.PeersV4) + len(resp.PeersV6)

	if resp.TrackerID != "" {
		tr.Current().TrackerID = resp.TrackerID
	}

	interval := resp.Interval
	if interval <= 0 {
		interval = tier.DefaultAnnounceInterval
	}
	if cfg.AnnounceInterval > 0 {
		interval = cfg.AnnounceInterval
	}
	minInterval := resp.MinInterval
	if minInterval <= 0 {
		minInterval = cfg.MinAnnounceInterval
	}
	if minInterval < cfg.MinAnnounceInterval {
		minInterval = cfg.MinAnnounceInterval
	}
	tr.AnnounceInterval = interval
	tr.AnnounceMinInterval = minInterval
	tr.ManualAnnounceAllowedAt = tier.RoundUpTo10s(now.Add(minInterval))

	if ev == tier.EventStopped {
		tr.ResetByteCounts()
		tr.AnnounceAt = time.Time{}
	} else {
		tr.AnnounceAt = now.Add(interval)
		if tr.Events.Empty() {
			tr.Events.Enqueue(tier.EventNone)
		}
	}

	if resp.WarningMessage != "" {
		ta.emit(TrackerEvent{Kind: EventWarning, Message: resp.WarningMessage})
	} else {
		ta.emit(TrackerEvent{Kind: EventErrorClear})
	}

	if resp.Seeders != tier.Unknown || resp.Leechers != tier.Unknown {
		tr.Current().Seeders = resp.Seeders
		tr.Current().Leechers = resp.Leechers
		ta.emit(TrackerEvent{Kind: EventCounts, Seeders: resp.Seeders, Leechers: resp.Leechers, Downloads: resp.Downloads})
	}

	if len(resp.PeersV4) > 0 || len(resp.PeersV6) > 0 {
		if a.peers != nil {
			a.peers.AddPeers(ta.id, resp.PeersV4, resp.PeersV6)
		}
		ta.emit(TrackerEvent{Kind: EventPeers})
	}

	// A successful announce also schedules the next scrape (spec §4.6
	// "scrape scheduling heuristics") at now + tier.DefaultScrapeInterval,
	// but only when no scrape is already scheduled and the current tracker
	// has a scrape endpoint.
	if tr.ScrapeAt.IsZero() && tr.Current().ScrapeURL != nil {
		tr.ScrapeAt = tier.RoundUpTo10s(now.Add(tier.DefaultScrapeInterval))
	}
}

// failAnnounce implements spec §4.5 "failure handling": bump consecutive
// failures, rotate to the next tracker in the tier, and reschedule via
// backoff. The event that failed to send is re-enqueued so it isn't lost.
// The failure is only published to the torrent owner when the torrent has
// just one tracker in its whole announce list (spec §7): with two or more,
// many metainfos include dead trackers and failover is silent apart from
// the log line.
func (a *Announcer) failAnnounce(ta *TorrentAnnouncer, tr *tier.Tier, ev tier.AnnounceEvent, reason string, timedOut bool) {
	now := a.timer.Now()

	tr.LastAnnounceSucceeded = false
	tr.LastAnnounceTimedOut = timedOut
	tr.LastAnnounceStr = reason

	cur := tr.Current()
	if cur != nil {
		cur.ConsecutiveFailures++
		a.log.Error("announce failed", "tracker", cur.AnnounceURL.String(), "reason", reason)
	}
	tr.AdvanceTracker()

	tr.Events.Enqueue(ev)
	tr.AnnounceAt = now.Add(tier.RetryInterval(tr.Current().ConsecutiveFailures))

	if ta.trackerCount() < 2 {
		ta.emit(TrackerEvent{Kind: EventError, Message: reason})
	}
}

// failUnregistered implements spec §7 "Torrent unregistered": log at
// error, and unlike failAnnounce, do not rotate to another tracker or
// reschedule a retry on this one — the tracker has declared the torrent
// dead and a human must act. The failed event is dropped rather than
// re-enqueued since there is nothing left to retry it against.
func (a *Announcer) failUnregistered(ta *TorrentAnnouncer, tr *tier.Tier, reason string) {
	tr.LastAnnounceSucceeded = false
	tr.LastAnnounceTimedOut = false
	tr.LastAnnounceStr = reason

	if cur := tr.Current(); cur != nil {
		cur.ConsecutiveFailures++
		a.log.Error("announce: torrent unregistered", "tracker", cur.AnnounceURL.String(), "reason", reason)
	}

	ta.emit(TrackerEvent{Kind: EventError, Message: reason})
}

// trackerDeclaredScrapeFailure extracts the tracker's own failure text from
// a scrape outcome, whether it arrived as a response field or a UDP
// *transport.TrackerError, the scrape-side counterpart of
// trackerDeclaredAnnounceFailure.
func trackerDeclaredScrapeFailure(resp *transport.ScrapeResponse, err error) (string, bool) {
	if resp != nil && resp.Err != "" {
		return resp.Err, true
	}
	var te *transport.TrackerError
	if errors.As(err, &te) {
		return te.Message, true
	}
	return "", false
}

// onScrapeDone applies a scrape response or error to every tier in a
// dispatched batch (spec §4.6).
func (a *Announcer) onScrapeDone(batch []tierWork, si *ScrapeInfo, resp *transport.ScrapeResponse, err error, timedOut bool) {
	now := a.timer.Now()

	for _, w := range batch {
		w.tier.IsScraping = false
		w.tier.LastScrapeTime = now
	}

	if reason, ok := trackerDeclaredScrapeFailure(resp, err); ok {
		if containsAny(reason, scrapeTooLargeMarkers) {
			si.MultiscrapeMax -= 5
			if si.MultiscrapeMax < 1 {
				si.MultiscrapeMax = 1
			}
			// Re-split the batch into smaller groups on the next tick by
			// simply retrying soon; the shrunk MultiscrapeMax applies the
			// next time this scrape URL is batched.
			for _, w := range batch {
				w.tier.ScrapeAt = now.Add(10 * time.Second)
			}
			return
		}

		for _, w := range batch {
			w.tier.LastScrapeSucceeded = false
			w.tier.LastScrapeStr = reason
			w.tier.ScrapeAt = now.Add(tier.DefaultScrapeInterval)
		}
		return
	}

	if err != nil || resp == nil {
		for _, w := range batch {
			w.tier.LastScrapeSucceeded = false
			w.tier.LastScrapeTimedOut = timedOut
			w.tier.ScrapeAt = now.Add(tier.DefaultScrapeInterval)
		}
		return
	}

	interval := tier.DefaultScrapeInterval
	if resp.MinRequestInterval > 0 {
		interval = resp.MinRequestInterval
	}

	for _, w := range batch {
		cur := w.tier.Current()
		row, ok := resp.Rows[w.torrent.infoHash]
		if !ok {
			w.tier.LastScrapeSucceeded = false
			w.tier.ScrapeAt = now.Add(interval)
			continue
		}

		cur.Seeders = row.Seeders
		cur.Leechers = row.Leechers
		cur.Downloads = row.Downloads
		cur.Downloaders = row.Downloaders

		w.tier.LastScrapeSucceeded = true
		w.tier.LastScrapeTimedOut = false
		w.tier.ScrapeInterval = interval
		w.tier.ScrapeAt = now.Add(interval)

		w.torrent.emit(TrackerEvent{Kind: EventCounts, Seeders: row.Seeders, Leechers: row.Leechers, Downloads: row.Downloads})
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown transport error"
	}
	return err.Error()
}
