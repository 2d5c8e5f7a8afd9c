package announcer

import (
	"time"

	"github.com/prxssh/beacon/pkg/config"
	"github.com/prxssh/beacon/pkg/tier"
	udptransport "github.com/prxssh/beacon/pkg/transport/udp"
)

// StartShutdown enqueues event=stopped on every running tier and
// force-flushes them on the next upkeep tick, largest byte total first
// (spec §4.8). It does not block; call IsIdle (optionally in a loop with
// Close's deadline) to wait for the flush to finish.
func (a *Announcer) StartShutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isShuttingDown {
		return
	}
	a.isShuttingDown = true
	a.shutdownAt = a.timer.Now().Add(config.Load().ShutdownDeadline)

	for _, ta := range a.torrents {
		for _, tr := range ta.tiers {
			if !tr.IsRunning {
				continue
			}
			tr.IsRunning = false
			tr.Events.Enqueue(tier.EventStopped)
			a.stops = append(a.stops, pendingStop{torrent: ta, tier: tr, bytes: bytesTotal(tr)})
		}
	}

	if udpMgr, ok := a.udpTransport.(*udptransport.Manager); ok {
		udpMgr.StartShutdown()
	}
}

// IsIdle reports whether every tier has flushed its pending work and the
// UDP transport has no trackers left with queued requests (spec §4.8,
// used by callers to decide when it's safe to tear the process down).
func (a *Announcer) IsIdle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.stops) > 0 {
		return false
	}
	for _, ta := range a.torrents {
		for _, tr := range ta.tiers {
			if tr.IsAnnouncing || tr.IsScraping || !tr.Events.Empty() {
				return false
			}
		}
	}

	if udpMgr, ok := a.udpTransport.(*udptransport.Manager); ok {
		return udpMgr.IsIdle()
	}
	return true
}

// Close waits for StartShutdown's flush to finish, up to the configured
// deadline, then releases the UDP socket. Call StartShutdown first; Close
// does not enqueue any stops itself.
func (a *Announcer) Close() error {
	deadline := a.shutdownAt
	if deadline.IsZero() {
		deadline = a.timer.Now().Add(config.Load().ShutdownDeadline)
	}

	for a.timer.Now().Before(deadline) {
		if a.IsIdle() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if a.udpSocket != nil {
		return a.udpSocket.Close()
	}
	return nil
}
