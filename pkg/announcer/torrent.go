package announcer

import (
	"crypto/sha1"
	"math"

	"github.com/prxssh/beacon/pkg/idgen"
	"github.com/prxssh/beacon/pkg/tier"
)

// TorrentAnnouncer holds everything the scheduler needs for one torrent
// (spec §3 TorrentAnnouncer): its tier set, its per-session identifiers,
// and the running totals the request builders read from.
type TorrentAnnouncer struct {
	id       TorrentID
	infoHash [sha1.Size]byte
	key      uint32

	tiers []*tier.Tier

	// Left is bytes remaining; spec §3 "INT64_MAX if metainfo isn't known
	// yet", since the torrent's size may not be known at add_torrent time.
	Left uint64

	IsRunning   bool
	PartialSeed bool

	onEvent TorrentOwner
}

// newTorrentAnnouncer builds a TorrentAnnouncer from a torrent's announce
// URL and announce-list, filtered and grouped per spec §4.3.
func newTorrentAnnouncer(id TorrentID, infoHash [sha1.Size]byte, announce string, announceList [][]string, onEvent TorrentOwner) (*TorrentAnnouncer, error) {
	tiers, err := tier.BuildTiers(announce, announceList)
	if err != nil {
		return nil, err
	}

	return &TorrentAnnouncer{
		id:       id,
		infoHash: infoHash,
		key:      idgen.Key(),
		tiers:    tiers,
		Left:     uint64(math.MaxInt64),
		onEvent:  onEvent,
	}, nil
}

// emit forwards an event to the torrent's owner, if one was supplied.
func (t *TorrentAnnouncer) emit(ev TrackerEvent) {
	if t.onEvent != nil {
		t.onEvent(ev)
	}
}

// bytesTotal sums a tier's three byte counters, used by the scheduler's
// announce truncation ordering (spec §4.4 step 5.4).
func bytesTotal(tr *tier.Tier) uint64 {
	return tr.ByteCounts[tier.Up] + tr.ByteCounts[tier.Down] + tr.ByteCounts[tier.Corrupt]
}

// trackerCount returns the total number of tracker endpoints across every
// tier of the torrent's announce list. Spec §7 only publishes a failure to
// the torrent owner "when there is only one tracker" — this is the count
// that decision is made against, not the failing tier's own tracker count.
func (t *TorrentAnnouncer) trackerCount() int {
	n := 0
	for _, tr := range t.tiers {
		n += len(tr.Trackers)
	}
	return n
}
