// Package udp implements the Transport/UDP component (BEP-15): connection
// handshake, request/response framing, transaction matching and timeouts,
// against the Socket and DNS mediators a session supplies (spec §6).
package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/prxssh/beacon/pkg/tier"
	"github.com/prxssh/beacon/pkg/transport"
)

const defaultUDPTrackerPort = 6969

type datagram struct {
	from *net.UDPAddr
	data []byte
}

type dnsOutcome struct {
	key tier.Key
	ip  net.IP
	err error
}

// Manager owns every UdpTracker sharing the one Socket (spec §3 "trackers
// with the same key share connection state for UDP") and drives their
// upkeep from a single goroutine, matching the announcer's cooperative
// single-threaded scheduling model (spec §5).
type Manager struct {
	socket Socket
	dns    DNS
	log    *slog.Logger

	mu       sync.Mutex
	trackers map[tier.Key]*UdpTracker

	datagrams  chan datagram
	dnsResults chan dnsOutcome
}

// NewManager wires a Manager around the given mediators. socket must also
// implement a read loop the caller feeds into Manager.Deliver, typically
// *DefaultSocket.ReadLoop.
func NewManager(socket Socket, dns DNS, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		socket:     socket,
		dns:        dns,
		log:        log.With("component", "transport.udp"),
		trackers:   make(map[tier.Key]*UdpTracker),
		datagrams:  make(chan datagram, 64),
		dnsResults: make(chan dnsOutcome, 16),
	}
}

var _ transport.Transport = (*Manager)(nil)

// Deliver hands an inbound datagram to the manager; intended to be called
// from the socket's read loop goroutine.
func (m *Manager) Deliver(from *net.UDPAddr, data []byte) {
	m.datagrams <- datagram{from: from, data: data}
}

// Run drives upkeep ticks and inbound dispatch until ctx is canceled.
// Announce, Scrape and StartShutdown also touch UdpTracker state, from
// their callers' goroutines; m.mu serializes all of these.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			m.upkeepAll()

		case dg := <-m.datagrams:
			m.dispatch(dg)

		case outcome := <-m.dnsResults:
			m.mu.Lock()
			if t, ok := m.trackers[outcome.key]; ok {
				t.onDNSResult(outcome.ip, outcome.err)
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) upkeepAll() {
	now := time.Now()

	m.mu.Lock()
	needsDNS := make([]*UdpTracker, 0)
	for _, t := range m.trackers {
		if t.upkeep(now) {
			needsDNS = append(needsDNS, t)
		}
	}
	m.mu.Unlock()

	for _, t := range needsDNS {
		go m.resolve(t.key, t.host)
	}
}

func (m *Manager) resolve(key tier.Key, host string) {
	ip, err := m.dns.Resolve(context.Background(), host)
	m.dnsResults <- dnsOutcome{key: key, ip: ip, err: err}
}

func (m *Manager) dispatch(dg datagram) {
	act, transactionID, err := peekAction(dg.data)
	if err != nil {
		m.log.Debug("dispatch.short_datagram", slog.String("from", dg.from.String()))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var matched bool
	switch act {
	case actionConnect:
		for _, t := range m.trackers {
			if t.handleConnectResponse(dg.data, transactionID) {
				matched = true
				break
			}
		}
	case actionAnnounce:
		for _, t := range m.trackers {
			if t.handleAnnounceResponse(dg.data, transactionID) {
				matched = true
				break
			}
		}
	case actionScrape:
		for _, t := range m.trackers {
			if t.handleScrapeResponse(dg.data, transactionID) {
				matched = true
				break
			}
		}
	case actionError:
		errResp, derr := decodeErrorResponse(dg.data)
		if derr == nil {
			for _, t := range m.trackers {
				if t.handleErrorResponse(errResp.message, errResp.transactionID) {
					matched = true
					break
				}
			}
		}
	}

	if !matched {
		m.log.Debug("dispatch.unmatched", slog.String("from", dg.from.String()), slog.Int("action", int(act)))
	}
}

func (m *Manager) trackerFor(u *url.URL) (*UdpTracker, error) {
	host, port, err := udpHostPort(u)
	if err != nil {
		return nil, err
	}
	key := tier.KeyForURL(u)

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trackers[key]
	if !ok {
		t = newUdpTracker(key, host, port, m.socket, m.log)
		m.trackers[key] = t
	}
	return t, nil
}

func udpHostPort(u *url.URL) (string, uint16, error) {
	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("transport/udp: announce url %q has no host", u.String())
	}

	port := defaultUDPTrackerPort
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return "", 0, fmt.Errorf("transport/udp: invalid port in %q", u.String())
		}
		port = n
	}
	return host, uint16(port), nil
}

// Announce implements transport.Transport. It blocks until the tracker
// responds, times out, or ctx is canceled; the actual send/receive happens
// asynchronously on Run's goroutine.
func (m *Manager) Announce(ctx context.Context, announceURL *url.URL, req *transport.AnnounceRequest) (*transport.AnnounceResponse, error) {
	t, err := m.trackerFor(announceURL)
	if err != nil {
		return nil, err
	}

	result := make(chan struct {
		resp *transport.AnnounceResponse
		err  error
	}, 1)

	m.mu.Lock()
	t.enqueueAnnounce(req, func(resp *transport.AnnounceResponse, err error, _, _ bool) {
		result <- struct {
			resp *transport.AnnounceResponse
			err  error
		}{resp, err}
	})
	m.mu.Unlock()

	select {
	case r := <-result:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Scrape implements transport.Transport, same blocking contract as
// Announce.
func (m *Manager) Scrape(ctx context.Context, scrapeURL *url.URL, req *transport.ScrapeRequest) (*transport.ScrapeResponse, error) {
	t, err := m.trackerFor(scrapeURL)
	if err != nil {
		return nil, err
	}

	result := make(chan struct {
		resp *transport.ScrapeResponse
		err  error
	}, 1)

	m.mu.Lock()
	t.enqueueScrape(req.InfoHashes, func(resp *transport.ScrapeResponse, err error, _, _ bool) {
		result <- struct {
			resp *transport.ScrapeResponse
			err  error
		}{resp, err}
	})
	m.mu.Unlock()

	select {
	case r := <-result:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StartShutdown marks every tracker as shutting down (spec §4.8).
func (m *Manager) StartShutdown() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.trackers {
		t.startShutdown(now)
	}
}

// IsIdle reports whether no tracker has requests queued or in flight.
func (m *Manager) IsIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.trackers {
		if !t.isEmpty() {
			return false
		}
	}
	return true
}
