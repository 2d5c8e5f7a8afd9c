package tier

// AnnounceEvent is a lifecycle state communicated to a tracker.
type AnnounceEvent uint8

const (
	// EventNone is sent on a regular periodic announce (serialized as
	// empty on the wire).
	EventNone AnnounceEvent = iota

	// EventStarted marks the first announce after beginning a download.
	EventStarted

	// EventCompleted marks the transition from downloading to seeding.
	EventCompleted

	// EventStopped marks graceful shutdown; carries final byte counts.
	EventStopped
)

func (e AnnounceEvent) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// udpValue returns the BEP-15 wire value for e (0=none, 1=completed,
// 2=started, 3=stopped). This differs from AnnounceEvent's own ordinal,
// which exists only to give EventStopped the highest scheduling priority.
func (e AnnounceEvent) udpValue() uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

// UDPValue exposes udpValue to the udp transport without creating an import
// cycle back into pkg/tier.
func (e AnnounceEvent) UDPValue() uint32 { return e.udpValue() }

// EventQueue is a tier's ordered queue of pending announce events, front is
// next to send. It implements the coalescing rules in spec §4.1.
type EventQueue struct {
	events []AnnounceEvent
}

// Enqueue pushes e onto the queue, applying:
//  1. Stopped coalesces: clear the queue, re-push Completed if it was
//     present, then push Stopped.
//  2. Trailing None is stripped.
//  3. No consecutive duplicates of e.
func (q *EventQueue) Enqueue(e AnnounceEvent) {
	if e == EventStopped {
		hadCompleted := false
		for _, existing := range q.events {
			if existing == EventCompleted {
				hadCompleted = true
				break
			}
		}

		q.events = q.events[:0]
		if hadCompleted {
			q.events = append(q.events, EventCompleted)
		}
		q.events = append(q.events, EventStopped)
		return
	}

	for len(q.events) > 0 && q.events[len(q.events)-1] == EventNone {
		q.events = q.events[:len(q.events)-1]
	}

	for len(q.events) > 0 && q.events[len(q.events)-1] == e {
		q.events = q.events[:len(q.events)-1]
	}

	q.events = append(q.events, e)
}

// Pull removes and returns the front event. ok is false when the queue is
// empty.
func (q *EventQueue) Pull() (AnnounceEvent, bool) {
	if len(q.events) == 0 {
		return EventNone, false
	}

	e := q.events[0]
	q.events = q.events[1:]
	return e, true
}

// Peek returns the front event without removing it.
func (q *EventQueue) Peek() (AnnounceEvent, bool) {
	if len(q.events) == 0 {
		return EventNone, false
	}
	return q.events[0], true
}

// Empty reports whether the queue has no pending events.
func (q *EventQueue) Empty() bool { return len(q.events) == 0 }

// Clear drops every pending event.
func (q *EventQueue) Clear() { q.events = q.events[:0] }

// Priority returns max(events) under None < Started < Completed < Stopped,
// used by the scheduler to prefer tiers with state-transition events over
// periodic refreshes.
func (q *EventQueue) Priority() AnnounceEvent {
	var best AnnounceEvent
	for _, e := range q.events {
		if e > best {
			best = e
		}
	}
	return best
}

// Snapshot returns a copy of the queue's contents, front first. Intended
// for tests and diagnostics only.
func (q *EventQueue) Snapshot() []AnnounceEvent {
	return append([]AnnounceEvent(nil), q.events...)
}
