package announcer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prxssh/beacon/pkg/syncmap"
	"github.com/prxssh/beacon/pkg/tier"
	"github.com/prxssh/beacon/pkg/transport"
)

// fakeSession is a fixed SessionInfo for tests.
type fakeSession struct{}

func (fakeSession) PeerID() [20]byte    { var id [20]byte; copy(id[:], "-BC0001-test"); return id }
func (fakeSession) Port() uint16        { return 6881 }
func (fakeSession) IPv6Address() *[16]byte { return nil }

// fakeTimer is a manually advanced clock.
type fakeTimer struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeTimer() *fakeTimer { return &fakeTimer{now: time.Unix(1_700_000_000, 0)} }

func (f *fakeTimer) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTimer) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// fakePeers records every AddPeers call.
type fakePeers struct {
	mu    sync.Mutex
	calls []struct {
		id     TorrentID
		v4, v6 []transport.Peer
	}
}

func (f *fakePeers) AddPeers(id TorrentID, v4, v6 []transport.Peer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, struct {
		id     TorrentID
		v4, v6 []transport.Peer
	}{id, v4, v6})
}

// newTestAnnouncer builds an Announcer without New's real transports, so
// dispatch tests can drive onAnnounceDone/onScrapeDone deterministically.
func newTestAnnouncer(timer Timer, peers PeerPublisher) *Announcer {
	return &Announcer{
		torrents:   make(map[TorrentID]*TorrentAnnouncer),
		scrapeInfo: syncmap.New[string, *ScrapeInfo](),
		session:    fakeSession{},
		timer:      timer,
		peers:      peers,
		log:        slog.Default(),
	}
}

// addTestTorrent builds a torrent with one tier of n trackers, all http.
func addTestTorrent(a *Announcer, n int) (*TorrentAnnouncer, *tier.Tier) {
	var list []string
	for i := 0; i < n; i++ {
		list = append(list, "http://tracker"+string(rune('a'+i))+".example/announce")
	}

	id := TorrentID(len(a.torrents))
	ta, err := newTorrentAnnouncer(id, [20]byte{1}, list[0], [][]string{list}, nil)
	if err != nil {
		panic(err)
	}
	a.torrents[ta.id] = ta
	return ta, ta.tiers[0]
}
