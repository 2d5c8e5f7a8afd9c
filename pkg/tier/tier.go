// Package tier implements the BEP-12 multitracker tier: per-tier tracker
// rows, the pending-event queue, retry backoff, and the filter_trackers
// construction rules from spec §4.3.
package tier

import (
	"net/url"
	"time"
)

// Byte counter indices into Tier.ByteCounts.
const (
	Up = iota
	Down
	Corrupt
)

// Unknown marks a stat field as not yet reported by the tracker (spec:
// "optional, unknown = absent").
const Unknown int64 = -1

// Default intervals used until a tracker supplies its own (spec §3).
const (
	DefaultAnnounceInterval    = 10 * time.Minute
	DefaultAnnounceMinInterval = 2 * time.Minute
	DefaultScrapeInterval      = 30 * time.Minute
)

// Key identifies a tracker endpoint as scheme://host:port. Trackers sharing
// a Key share UDP connection state.
type Key string

// KeyForURL derives the AnnounceKey for u.
func KeyForURL(u *url.URL) Key {
	return Key(u.Scheme + "://" + u.Host)
}

// TrackerRow is one row in a tier (spec §3 Tracker).
type TrackerRow struct {
	AnnounceURL *url.URL
	ScrapeURL   *url.URL // nil when the tracker has no BEP-48 scrape endpoint

	// OriginalTier is the tier number this row is grouped under after
	// scheme unification (spec §4.3 step 3); for a row folded into another
	// tier it holds that other tier's number, not the tier it was listed
	// in. Kept only for diagnostics.
	OriginalTier int

	TrackerID           string
	ConsecutiveFailures int

	Seeders     int64
	Leechers    int64
	Downloads   int64
	Downloaders int64
}

// newTrackerRow builds a TrackerRow with every optional stat marked
// Unknown.
func newTrackerRow(announce *url.URL, tierNum int) *TrackerRow {
	return &TrackerRow{
		AnnounceURL:  announce,
		ScrapeURL:    deriveScrapeURL(announce),
		OriginalTier: tierNum,
		Seeders:      Unknown,
		Leechers:     Unknown,
		Downloads:    Unknown,
		Downloaders:  Unknown,
	}
}

// deriveScrapeURL implements BEP-48: replace a final "/announce" path
// segment with "/scrape". Trackers without that exact segment have no
// scrape endpoint.
func deriveScrapeURL(announce *url.URL) *url.URL {
	const (
		from = "/announce"
		to   = "/scrape"
	)

	path := announce.EscapedPath()
	if len(path) < len(from) || path[len(path)-len(from):] != from {
		return nil
	}

	scrape := *announce
	scrape.Path = path[:len(path)-len(from)] + to
	scrape.RawPath = ""
	return &scrape
}

// Tier is one multitracker tier (spec §3 Tier).
type Tier struct {
	Trackers     []*TrackerRow
	CurrentIndex int

	ByteCounts [3]uint64

	Events EventQueue

	AnnounceAt               time.Time
	ScrapeAt                 time.Time
	ManualAnnounceAllowedAt  time.Time
	AnnounceInterval         time.Duration
	AnnounceMinInterval      time.Duration
	ScrapeInterval           time.Duration
	IsAnnouncing             bool
	IsScraping               bool
	IsRunning                bool
	LastAnnounceSucceeded    bool
	LastAnnounceTimedOut     bool
	LastAnnounceStr          string
	LastAnnouncePeerCount    int
	LastAnnounceTime         time.Time
	LastAnnounceStartTime    time.Time
	LastScrapeSucceeded      bool
	LastScrapeTimedOut       bool
	LastScrapeStr            string
	LastScrapeTime           time.Time
	LastScrapeStartTime      time.Time
}

// newTier allocates a Tier with defaults applied (spec §3).
func newTier() *Tier {
	return &Tier{
		AnnounceInterval:    DefaultAnnounceInterval,
		AnnounceMinInterval: DefaultAnnounceMinInterval,
		ScrapeInterval:      DefaultScrapeInterval,
	}
}

// Current returns the active tracker, or nil if the tier has none (spec
// boundary: tier with zero trackers stays idle forever).
func (t *Tier) Current() *TrackerRow {
	if len(t.Trackers) == 0 {
		return nil
	}
	return t.Trackers[t.CurrentIndex]
}

// AdvanceTracker rotates to the next tracker in the tier (current_index :=
// (current_index + 1) mod n) and resets tracker-supplied intervals and
// in-flight flags to defaults, per spec §4.3.
func (t *Tier) AdvanceTracker() {
	if len(t.Trackers) == 0 {
		return
	}

	t.CurrentIndex = (t.CurrentIndex + 1) % len(t.Trackers)
	t.AnnounceInterval = DefaultAnnounceInterval
	t.AnnounceMinInterval = DefaultAnnounceMinInterval
	t.ScrapeInterval = DefaultScrapeInterval
	t.IsAnnouncing = false
	t.IsScraping = false
}

// NeedsToAnnounce reports whether the scheduler should dispatch an
// announce for this tier at now (spec §4.4).
func (t *Tier) NeedsToAnnounce(now time.Time) bool {
	return t.Current() != nil &&
		!t.AnnounceAt.IsZero() &&
		!t.AnnounceAt.After(now) &&
		!t.IsAnnouncing &&
		!t.IsScraping &&
		!t.Events.Empty()
}

// NeedsToScrape reports whether the scheduler should dispatch a scrape for
// this tier at now (spec §4.4).
func (t *Tier) NeedsToScrape(now time.Time) bool {
	cur := t.Current()
	return !t.ScrapeAt.IsZero() &&
		!t.ScrapeAt.After(now) &&
		!t.IsScraping &&
		cur != nil &&
		cur.ScrapeURL != nil
}

// ManualAnnounceAllowed reports whether a manual re-announce may be issued
// now (spec §6 manual_announce).
func (t *Tier) ManualAnnounceAllowed(now time.Time) bool {
	return !now.Before(t.ManualAnnounceAllowedAt)
}

// ResetByteCounts zeroes all three byte counters, done only after a
// successfully acknowledged event=stopped announce (spec §3 invariant).
func (t *Tier) ResetByteCounts() {
	t.ByteCounts = [3]uint64{}
}

// DownloadersAndLeechers returns the current tracker's reported
// downloaders+leechers, or Unknown if either is unreported. Used by the
// scheduler's compareAnnounceTiers (spec §4.4 step 5.2).
func (t *Tier) DownloadersAndLeechers() int64 {
	cur := t.Current()
	if cur == nil || cur.Downloaders == Unknown || cur.Leechers == Unknown {
		return Unknown
	}
	return cur.Downloaders + cur.Leechers
}
