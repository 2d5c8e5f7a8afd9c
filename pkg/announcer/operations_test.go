package announcer

import (
	"testing"
	"time"

	"github.com/prxssh/beacon/pkg/tier"
)

// TestRemoveTorrentQueuesStopForSucceededTier covers spec §6
// "remove_torrent": a tier that was running with a successful last
// announce gets a final event=stopped force-flushed before its torrent's
// state is dropped.
func TestRemoveTorrentQueuesStopForSucceededTier(t *testing.T) {
	a := newTestAnnouncer(newFakeTimer(), nil)
	ta, tr := addTestTorrent(a, 1)
	tr.IsRunning = true
	tr.LastAnnounceSucceeded = true

	a.RemoveTorrent(ta.id)

	if _, ok := a.torrents[ta.id]; ok {
		t.Fatalf("expected torrent state to be dropped")
	}
	if len(a.stops) != 1 {
		t.Fatalf("stops = %d, want 1", len(a.stops))
	}
	if a.stops[0].tier != tr {
		t.Fatalf("expected the stop to reference the removed tier")
	}
	ev, ok := tr.Events.Peek()
	if !ok || ev != tier.EventStopped {
		t.Fatalf("expected stopped event queued, got %v ok=%v", ev, ok)
	}
}

// TestRemoveTorrentSkipsTierWithNoSuccessfulAnnounce covers the converse:
// a tier that never got a successful announce has nothing a tracker
// expects a stopped for, so it's dropped without queuing anything.
func TestRemoveTorrentSkipsTierWithNoSuccessfulAnnounce(t *testing.T) {
	a := newTestAnnouncer(newFakeTimer(), nil)
	ta, tr := addTestTorrent(a, 1)
	tr.IsRunning = true
	tr.LastAnnounceSucceeded = false

	a.RemoveTorrent(ta.id)

	if len(a.stops) != 0 {
		t.Fatalf("stops = %d, want 0", len(a.stops))
	}
}

// TestRemoveTorrentUnknownIDIsNoop covers removing an id that was never
// registered, or was already removed.
func TestRemoveTorrentUnknownIDIsNoop(t *testing.T) {
	a := newTestAnnouncer(newFakeTimer(), nil)
	a.RemoveTorrent(TorrentID(999))
	if len(a.stops) != 0 {
		t.Fatalf("stops = %d, want 0", len(a.stops))
	}
}

// TestChangeMyPortReannouncesStartedOnRunningTorrent covers spec §6
// "change_my_port": every tier of a running torrent gets a fresh
// event=started scheduled immediately.
func TestChangeMyPortReannouncesStartedOnRunningTorrent(t *testing.T) {
	timer := newFakeTimer()
	a := newTestAnnouncer(timer, nil)
	ta, tr := addTestTorrent(a, 1)
	ta.IsRunning = true

	if err := a.ChangeMyPort(ta.id); err != nil {
		t.Fatalf("ChangeMyPort: %v", err)
	}

	ev, ok := tr.Events.Peek()
	if !ok || ev != tier.EventStarted {
		t.Fatalf("expected a started event queued, got %v ok=%v", ev, ok)
	}
	if !tr.AnnounceAt.Equal(timer.Now()) {
		t.Fatalf("AnnounceAt = %v, want now", tr.AnnounceAt)
	}
}

// TestChangeMyPortNoopWhenNotRunning covers a stopped torrent: there is
// nothing to re-announce until it's started.
func TestChangeMyPortNoopWhenNotRunning(t *testing.T) {
	a := newTestAnnouncer(newFakeTimer(), nil)
	ta, tr := addTestTorrent(a, 1)

	if err := a.ChangeMyPort(ta.id); err != nil {
		t.Fatalf("ChangeMyPort: %v", err)
	}
	if _, ok := tr.Events.Peek(); ok {
		t.Fatalf("expected no event queued on a stopped torrent")
	}
}

// TestChangeMyPortUnknownIDErrors covers the unknown-id error path shared
// by the other per-torrent operations.
func TestChangeMyPortUnknownIDErrors(t *testing.T) {
	a := newTestAnnouncer(newFakeTimer(), nil)
	if err := a.ChangeMyPort(TorrentID(999)); err == nil {
		t.Fatalf("expected an error for an unknown torrent id")
	}
}

// TestResetTorrentCopiesForwardSurvivingTrackerState covers spec §6
// "reset_torrent": a tracker URL present in both the old and new
// announce lists keeps its tracker-reported state instead of reverting
// to unknown, and the tier it currently occupies keeps its pending event
// queue and schedule instead of getting a fresh started.
func TestResetTorrentCopiesForwardSurvivingTrackerState(t *testing.T) {
	timer := newFakeTimer()
	a := newTestAnnouncer(timer, nil)
	ta, tr := addTestTorrent(a, 1)
	ta.IsRunning = true
	tr.IsRunning = true

	cur := tr.Current()
	cur.TrackerID = "abc123"
	cur.ConsecutiveFailures = 3
	cur.Seeders = 42
	tr.Events.Enqueue(tier.EventNone)
	tr.AnnounceAt = timer.Now().Add(5 * time.Minute)

	survivingURL := cur.AnnounceURL.String()

	if err := a.ResetTorrent(ta.id, survivingURL, [][]string{{survivingURL}}); err != nil {
		t.Fatalf("ResetTorrent: %v", err)
	}

	newTr := ta.tiers[0]
	newCur := newTr.Current()
	if newCur.TrackerID != "abc123" {
		t.Fatalf("TrackerID = %q, want copied forward", newCur.TrackerID)
	}
	if newCur.ConsecutiveFailures != 3 {
		t.Fatalf("ConsecutiveFailures = %d, want copied forward", newCur.ConsecutiveFailures)
	}
	if newCur.Seeders != 42 {
		t.Fatalf("Seeders = %d, want copied forward", newCur.Seeders)
	}
	if !newTr.AnnounceAt.Equal(timer.Now().Add(5 * time.Minute)) {
		t.Fatalf("AnnounceAt = %v, want preserved from the prior tier", newTr.AnnounceAt)
	}

	ev, ok := newTr.Events.Peek()
	if !ok || ev != tier.EventNone {
		t.Fatalf("expected the prior pending event preserved, not a fresh started, got %v ok=%v", ev, ok)
	}
}

// TestResetTorrentStartsGenuinelyNewTier covers the other half of spec
// §6 "reset_torrent": a tier whose current tracker has no match in the
// old announce list is treated as newly added and gets event=started.
func TestResetTorrentStartsGenuinelyNewTier(t *testing.T) {
	timer := newFakeTimer()
	a := newTestAnnouncer(timer, nil)
	ta, _ := addTestTorrent(a, 1)
	ta.IsRunning = true

	newURL := "http://brand-new-tracker.example/announce"
	if err := a.ResetTorrent(ta.id, newURL, [][]string{{newURL}}); err != nil {
		t.Fatalf("ResetTorrent: %v", err)
	}

	newTr := ta.tiers[0]
	if !newTr.IsRunning {
		t.Fatalf("expected the new tier to be marked running")
	}
	ev, ok := newTr.Events.Peek()
	if !ok || ev != tier.EventStarted {
		t.Fatalf("expected a started event queued for the new tier, got %v ok=%v", ev, ok)
	}
	if !newTr.AnnounceAt.Equal(timer.Now()) {
		t.Fatalf("AnnounceAt = %v, want now", newTr.AnnounceAt)
	}
}

// TestResetTorrentUnknownIDErrors covers the unknown-id error path.
func TestResetTorrentUnknownIDErrors(t *testing.T) {
	a := newTestAnnouncer(newFakeTimer(), nil)
	url := "http://tracker.example/announce"
	if err := a.ResetTorrent(TorrentID(999), url, [][]string{{url}}); err == nil {
		t.Fatalf("expected an error for an unknown torrent id")
	}
}
