package announcer

import (
	"context"
	"testing"
	"time"

	"github.com/prxssh/beacon/pkg/tier"
	"github.com/prxssh/beacon/pkg/transport"
)

// TestOnAnnounceDoneSuccessPublishesPeersAndSchedulesNext covers scenario
// S1: a successful HTTP-shaped announce publishes peers, clears failure
// state, and reschedules the next announce at now+interval.
func TestOnAnnounceDoneSuccessPublishesPeersAndSchedulesNext(t *testing.T) {
	timer := newFakeTimer()
	peers := &fakePeers{}
	a := newTestAnnouncer(timer, peers)
	ta, tr := addTestTorrent(a, 1)

	var events []TrackerEvent
	ta.onEvent = func(ev TrackerEvent) { events = append(events, ev) }

	resp := &transport.AnnounceResponse{
		Interval: 15 * time.Minute,
		Seeders:  3,
		Leechers: 1,
		PeersV4:  []transport.Peer{{Port: 6881, IsV4: true}},
	}

	a.onAnnounceDone(ta, tr, tier.EventStarted, resp, nil, false)

	if !tr.LastAnnounceSucceeded {
		t.Fatalf("expected LastAnnounceSucceeded")
	}
	if !tr.AnnounceAt.Equal(timer.Now().Add(15 * time.Minute)) {
		t.Fatalf("AnnounceAt = %v, want now+15m", tr.AnnounceAt)
	}
	if len(peers.calls) != 1 || len(peers.calls[0].v4) != 1 {
		t.Fatalf("peers.calls = %+v", peers.calls)
	}

	sawCounts := false
	for _, ev := range events {
		if ev.Kind == EventCounts {
			sawCounts = true
			if ev.Seeders != 3 || ev.Leechers != 1 {
				t.Fatalf("counts event = %+v", ev)
			}
		}
	}
	if !sawCounts {
		t.Fatalf("expected a Counts event, got %+v", events)
	}
}

// TestOnAnnounceDoneFailureRotatesTracker covers scenario S3: a transport
// error advances to the next tracker in the tier and re-enqueues the
// event that failed to send. With two trackers in the announce list, the
// failure is withheld from the torrent owner (spec §7): a live second
// tracker means the dead one is unremarkable, and announcing is expected
// to recover on the next tick without involving a human.
func TestOnAnnounceDoneFailureRotatesTracker(t *testing.T) {
	timer := newFakeTimer()
	a := newTestAnnouncer(timer, nil)
	ta, tr := addTestTorrent(a, 2)

	var events []TrackerEvent
	ta.onEvent = func(ev TrackerEvent) { events = append(events, ev) }

	firstTracker := tr.Current()
	a.onAnnounceDone(ta, tr, tier.EventStarted, nil, context.DeadlineExceeded, true)

	if tr.Current() == firstTracker {
		t.Fatalf("expected tier to advance to its second tracker")
	}
	if firstTracker.ConsecutiveFailures != 1 {
		t.Fatalf("ConsecutiveFailures = %d, want 1", firstTracker.ConsecutiveFailures)
	}
	if !tr.LastAnnounceTimedOut {
		t.Fatalf("expected LastAnnounceTimedOut")
	}

	ev, ok := tr.Events.Peek()
	if !ok || ev != tier.EventStarted {
		t.Fatalf("expected the failed started event to be re-enqueued, got %v ok=%v", ev, ok)
	}

	for _, ev := range events {
		if ev.Kind == EventError {
			t.Fatalf("expected no EventError published with 2 trackers remaining, got %+v", events)
		}
	}
}

// TestOnAnnounceDoneFailurePublishesWithSingleTracker covers spec §7's
// single-tracker case: with no failover possible, the owner must be told.
func TestOnAnnounceDoneFailurePublishesWithSingleTracker(t *testing.T) {
	a := newTestAnnouncer(newFakeTimer(), nil)
	ta, tr := addTestTorrent(a, 1)

	var events []TrackerEvent
	ta.onEvent = func(ev TrackerEvent) { events = append(events, ev) }

	a.onAnnounceDone(ta, tr, tier.EventStarted, nil, context.DeadlineExceeded, true)

	sawError := false
	for _, ev := range events {
		if ev.Kind == EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("expected an EventError published with only 1 tracker, got %+v", events)
	}
}

// TestOnAnnounceDoneUnregisteredDoesNotRotateOrReschedule covers spec
// §4.5 step 3 / §7: a tracker declaring the torrent unregistered must not
// rotate to another tracker or schedule a retry, unlike an ordinary
// announce failure.
func TestOnAnnounceDoneUnregisteredDoesNotRotateOrReschedule(t *testing.T) {
	a := newTestAnnouncer(newFakeTimer(), nil)
	ta, tr := addTestTorrent(a, 2)

	var events []TrackerEvent
	ta.onEvent = func(ev TrackerEvent) { events = append(events, ev) }

	firstTracker := tr.Current()
	announceAtBefore := tr.AnnounceAt

	resp := &transport.AnnounceResponse{FailureReason: "torrent not registered with this tracker"}
	a.onAnnounceDone(ta, tr, tier.EventStarted, resp, nil, false)

	if tr.Current() != firstTracker {
		t.Fatalf("expected no rotation on an unregistered failure")
	}
	if firstTracker.ConsecutiveFailures != 1 {
		t.Fatalf("ConsecutiveFailures = %d, want 1", firstTracker.ConsecutiveFailures)
	}
	if tr.AnnounceAt != announceAtBefore {
		t.Fatalf("AnnounceAt changed, want no reschedule on unregistered failure")
	}
	if _, ok := tr.Events.Peek(); ok {
		t.Fatalf("expected no re-enqueued event on an unregistered failure")
	}

	sawError := false
	for _, ev := range events {
		if ev.Kind == EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("expected an EventError published so a human can act, got %+v", events)
	}
}

// TestOnAnnounceDoneTimeoutRecordsTimeout covers scenario S6: a UDP
// request-timeout error is distinguished from an ordinary failure.
func TestOnAnnounceDoneTimeoutRecordsTimeout(t *testing.T) {
	a := newTestAnnouncer(newFakeTimer(), nil)
	ta, tr := addTestTorrent(a, 1)

	a.onAnnounceDone(ta, tr, tier.EventNone, nil, context.DeadlineExceeded, true)

	if !tr.LastAnnounceTimedOut {
		t.Fatalf("expected LastAnnounceTimedOut after a timeout")
	}
	if tr.LastAnnounceSucceeded {
		t.Fatalf("expected LastAnnounceSucceeded = false")
	}
}

// TestOnAnnounceDoneStoppedResetsByteCounters checks the spec invariant
// that byte counters only reset after an acknowledged event=stopped.
func TestOnAnnounceDoneStoppedResetsByteCounters(t *testing.T) {
	a := newTestAnnouncer(newFakeTimer(), nil)
	ta, tr := addTestTorrent(a, 1)
	tr.ByteCounts[tier.Up] = 500

	a.onAnnounceDone(ta, tr, tier.EventStopped, &transport.AnnounceResponse{}, nil, false)

	if tr.ByteCounts[tier.Up] != 0 {
		t.Fatalf("ByteCounts[Up] = %d, want 0 after acked stop", tr.ByteCounts[tier.Up])
	}
	if !tr.AnnounceAt.IsZero() {
		t.Fatalf("AnnounceAt = %v, want zero after stop", tr.AnnounceAt)
	}
}

// TestOnScrapeDoneTooLargeShrinksMultiscrapeMax covers scenario S4: a
// "too many info_hash" style error shrinks the batch size by 5, floored
// at 1, and retries soon rather than waiting a full scrape interval.
func TestOnScrapeDoneTooLargeShrinksMultiscrapeMax(t *testing.T) {
	timer := newFakeTimer()
	a := newTestAnnouncer(timer, nil)
	ta, tr := addTestTorrent(a, 1)
	si := &ScrapeInfo{MultiscrapeMax: 60}

	resp := &transport.ScrapeResponse{Err: "too many info_hash in request"}
	a.onScrapeDone([]tierWork{{ta, tr}}, si, resp, nil, false)

	if si.MultiscrapeMax != 55 {
		t.Fatalf("MultiscrapeMax = %d, want 55", si.MultiscrapeMax)
	}
	if !tr.ScrapeAt.Equal(timer.Now().Add(10 * time.Second)) {
		t.Fatalf("ScrapeAt = %v, want now+10s", tr.ScrapeAt)
	}
}

func TestOnScrapeDoneMultiscrapeMaxFloorsAtOne(t *testing.T) {
	a := newTestAnnouncer(newFakeTimer(), nil)
	ta, tr := addTestTorrent(a, 1)
	si := &ScrapeInfo{MultiscrapeMax: 3}

	a.onScrapeDone([]tierWork{{ta, tr}}, si, &transport.ScrapeResponse{Err: "too many infohashes"}, nil, false)

	if si.MultiscrapeMax != 1 {
		t.Fatalf("MultiscrapeMax = %d, want floored at 1", si.MultiscrapeMax)
	}
}

func TestOnScrapeDoneSuccessUpdatesTrackerStats(t *testing.T) {
	timer := newFakeTimer()
	a := newTestAnnouncer(timer, nil)
	ta, tr := addTestTorrent(a, 1)
	si := &ScrapeInfo{MultiscrapeMax: 60}

	resp := &transport.ScrapeResponse{
		Rows: map[[20]byte]transport.ScrapeRow{
			ta.infoHash: {Seeders: 7, Leechers: 2, Downloads: 40, Downloaders: 2},
		},
	}
	a.onScrapeDone([]tierWork{{ta, tr}}, si, resp, nil, false)

	if !tr.LastScrapeSucceeded {
		t.Fatalf("expected LastScrapeSucceeded")
	}
	if tr.Current().Seeders != 7 || tr.Current().Downloaders != 2 {
		t.Fatalf("tracker row = %+v", tr.Current())
	}
}
