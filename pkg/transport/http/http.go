// Package http implements the Transport/HTTP component of spec §4
// (announce/scrape URL construction, bencode response parsing) against the
// session-supplied Web mediator (spec §6) rather than a bare http.Client.
package http

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/prxssh/beacon/pkg/bencode"
	"github.com/prxssh/beacon/pkg/tier"
	"github.com/prxssh/beacon/pkg/transport"
	"github.com/prxssh/beacon/pkg/utils/cast"
)

// Web is the mediator the embedding session supplies for outbound HTTP
// fetches (spec §6). *http.Client satisfies it directly; sessions that need
// a bound source address or custom TLS config can substitute their own.
type Web interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultWeb returns a *http.Client tuned the way the teacher's HTTP
// tracker client was, for embedders that don't need to customize it.
func DefaultWeb() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:          100,
			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 15 * time.Second,
		},
	}
}

// Transport implements transport.Transport for http:// and https://
// announce URLs.
type Transport struct {
	web         Web
	log         *slog.Logger
	curlVerbose bool
}

// New constructs an HTTP transport. log may be nil, in which case
// slog.Default() is used. curlVerbose mirrors TR_CURL_VERBOSE (spec §6):
// when true, raw response bodies are dumped at debug level.
func New(web Web, log *slog.Logger, curlVerbose bool) *Transport {
	if web == nil {
		web = DefaultWeb()
	}
	if log == nil {
		log = slog.Default()
	}

	return &Transport{
		web:         web,
		log:         log.With("component", "transport.http"),
		curlVerbose: curlVerbose || os.Getenv("TR_CURL_VERBOSE") != "",
	}
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Announce(
	ctx context.Context,
	announceURL *url.URL,
	req *transport.AnnounceRequest,
) (*transport.AnnounceResponse, error) {
	fullURL := t.buildAnnounceURL(announceURL, req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport.http: build request: %w", err)
	}

	start := time.Now()
	t.log.Debug("announce.begin",
		slog.String("info_hash", hex.EncodeToString(req.InfoHash[:])),
		slog.String("event", req.Event.String()),
	)

	resp, err := t.web.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport.http: announce: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("transport.http: read body: %w", err)
	}

	if t.curlVerbose {
		t.log.Debug("announce.body", slog.String("raw", string(body)))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport.http: announce returned status %d: %s", resp.StatusCode, body)
	}

	out, err := parseAnnounceResponse(body)
	if err != nil {
		return nil, fmt.Errorf("transport.http: parse announce response: %w", err)
	}

	t.log.Debug("announce.ok",
		slog.Duration("latency", time.Since(start)),
		slog.Int("peers_v4", len(out.PeersV4)),
		slog.Int("peers_v6", len(out.PeersV6)),
	)
	return out, nil
}

func (t *Transport) Scrape(
	ctx context.Context,
	scrapeURL *url.URL,
	req *transport.ScrapeRequest,
) (*transport.ScrapeResponse, error) {
	fullURL := t.buildScrapeURL(scrapeURL, req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport.http: build request: %w", err)
	}

	resp, err := t.web.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport.http: scrape: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("transport.http: read body: %w", err)
	}

	if t.curlVerbose {
		t.log.Debug("scrape.body", slog.String("raw", string(body)))
	}

	if resp.StatusCode != http.StatusOK {
		return &transport.ScrapeResponse{Err: fmt.Sprintf("http status %d: %s", resp.StatusCode, body)}, nil
	}

	return parseScrapeResponse(body)
}

func (t *Transport) buildAnnounceURL(base *url.URL, req *transport.AnnounceRequest) string {
	u := *base
	q := u.Query()

	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("uploaded", strconv.FormatUint(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(req.Downloaded, 10))
	q.Set("corrupt", strconv.FormatUint(req.Corrupt, 10))
	q.Set("left", strconv.FormatUint(req.Left, 10))
	q.Set("compact", "1")
	q.Set("supportcrypto", "1")
	q.Set("key", fmt.Sprintf("%08X", req.Key))

	numWant := req.NumWant
	if req.Event == tier.EventStopped {
		numWant = 0
	}
	q.Set("numwant", strconv.FormatUint(uint64(numWant), 10))

	if req.RequireCrypto {
		q.Set("requirecrypto", "1")
	}
	if req.PartialSeed && req.Event != tier.EventStopped {
		// BEP-21 pseudo-event: advertise partial-seed status without
		// clobbering a real lifecycle event.
		if req.Event == tier.EventNone {
			q.Set("event", "paused")
		} else {
			q.Set("event", req.Event.String())
		}
	} else if req.Event != tier.EventNone {
		q.Set("event", req.Event.String())
	}
	if req.TrackerID != "" {
		q.Set("trackerid", req.TrackerID)
	}
	if req.IPv6 != nil {
		q.Set("ipv6", hex.EncodeToString(req.IPv6[:]))
	}

	u.RawQuery = q.Encode()
	return u.String()
}

func (t *Transport) buildScrapeURL(base *url.URL, req *transport.ScrapeRequest) string {
	u := *base
	q := u.Query()

	for _, ih := range req.InfoHashes {
		q.Add("info_hash", string(ih[:]))
	}

	u.RawQuery = q.Encode()
	return u.String()
}

func parseAnnounceResponse(body []byte) (*transport.AnnounceResponse, error) {
	raw, err := bencode.Unmarshal(body)
	if err != nil {
		return nil, err
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected dict, got %T", raw)
	}

	out := &transport.AnnounceResponse{
		Seeders:   tier.Unknown,
		Leechers:  tier.Unknown,
		Downloads: tier.Unknown,
	}

	if reason, ok := dict["failure reason"]; ok {
		s, _ := cast.ToString(reason)
		out.FailureReason = s
		return out, nil
	}
	if warn, ok := dict["warning message"]; ok {
		s, _ := cast.ToString(warn)
		out.WarningMessage = s
	}

	if v, ok := dict["interval"]; ok {
		n, err := cast.ToInt(v)
		if err != nil {
			return nil, fmt.Errorf("interval: %w", err)
		}
		out.Interval = time.Duration(n) * time.Second
	}
	if v, ok := dict["min interval"]; ok {
		if n, err := cast.ToInt(v); err == nil {
			out.MinInterval = time.Duration(n) * time.Second
		}
	}
	if v, ok := dict["tracker id"]; ok {
		if s, err := cast.ToString(v); err == nil {
			out.TrackerID = s
		}
	}
	if v, ok := dict["complete"]; ok {
		if n, err := cast.ToInt(v); err == nil {
			out.Seeders = n
		}
	}
	if v, ok := dict["incomplete"]; ok {
		if n, err := cast.ToInt(v); err == nil {
			out.Leechers = n
		}
	}
	if v, ok := dict["downloaded"]; ok {
		if n, err := cast.ToInt(v); err == nil {
			out.Downloads = n
		}
	}

	if v, ok := dict["peers"]; ok {
		peers, err := decodePeers(v, false)
		if err != nil {
			return nil, fmt.Errorf("peers: %w", err)
		}
		out.PeersV4 = peers
	}
	if v, ok := dict["peers6"]; ok {
		peers, err := decodePeers(v, true)
		if err != nil {
			return nil, fmt.Errorf("peers6: %w", err)
		}
		out.PeersV6 = peers
	}

	return out, nil
}

// decodePeers handles both the compact byte-string form and the dict-list
// form for both address families (spec §9 open question: resolved to
// parse both list forms consistently for both families).
func decodePeers(v any, ipv6 bool) ([]transport.Peer, error) {
	switch val := v.(type) {
	case string:
		if ipv6 {
			return transport.DecodeCompactV6([]byte(val))
		}
		return transport.DecodeCompactV4([]byte(val))
	case []byte:
		if ipv6 {
			return transport.DecodeCompactV6(val)
		}
		return transport.DecodeCompactV4(val)
	case []any:
		return decodeDictPeers(val, ipv6)
	default:
		return nil, fmt.Errorf("unsupported peers type %T", v)
	}
}

func decodeDictPeers(list []any, ipv6 bool) ([]transport.Peer, error) {
	peers := make([]transport.Peer, 0, len(list))

	for i, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("peer[%d]: not a dict", i)
		}

		ipStr, err := cast.ToString(m["ip"])
		if err != nil {
			return nil, fmt.Errorf("peer[%d]: ip: %w", i, err)
		}
		portN, err := cast.ToInt(m["port"])
		if err != nil || portN < 1 || portN > 65535 {
			return nil, fmt.Errorf("peer[%d]: invalid port", i)
		}

		var addr [16]byte
		parsed, err := parseIP(ipStr, ipv6)
		if err != nil {
			return nil, fmt.Errorf("peer[%d]: %w", i, err)
		}
		addr = parsed

		peers = append(peers, transport.Peer{Addr: addr, IsV4: !ipv6, Port: uint16(portN)})
	}

	return peers, nil
}

// parseIP accepts both textual dotted-quad/IPv6 addresses, which is what
// trackers using the dict-list peer form send.
func parseIP(s string, ipv6 bool) ([16]byte, error) {
	var out [16]byte

	ip := net.ParseIP(s)
	if ip == nil {
		return out, fmt.Errorf("invalid ip %q", s)
	}

	if ipv6 {
		v6 := ip.To16()
		if v6 == nil || ip.To4() != nil {
			return out, fmt.Errorf("expected ipv6 address, got %q", s)
		}
		copy(out[:], v6)
		return out, nil
	}

	v4 := ip.To4()
	if v4 == nil {
		return out, fmt.Errorf("expected ipv4 address, got %q", s)
	}
	copy(out[12:], v4)
	return out, nil
}

func parseScrapeResponse(body []byte) (*transport.ScrapeResponse, error) {
	raw, err := bencode.Unmarshal(body)
	if err != nil {
		return nil, err
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected dict, got %T", raw)
	}

	if reason, ok := dict["failure reason"]; ok {
		s, _ := cast.ToString(reason)
		return &transport.ScrapeResponse{Err: s}, nil
	}

	out := &transport.ScrapeResponse{Rows: make(map[[20]byte]transport.ScrapeRow)}

	if flags, ok := dict["flags"].(map[string]any); ok {
		if v, ok := flags["min_request_interval"]; ok {
			if n, err := cast.ToInt(v); err == nil {
				out.MinRequestInterval = time.Duration(n) * time.Second
			}
		}
	}

	files, ok := dict["files"].(map[string]any)
	if !ok {
		return out, nil
	}

	for key, v := range files {
		if len(key) != 20 {
			continue
		}
		row, ok := v.(map[string]any)
		if !ok {
			continue
		}

		var infoHash [20]byte
		copy(infoHash[:], key)

		r := transport.ScrapeRow{Seeders: tier.Unknown, Leechers: tier.Unknown, Downloads: tier.Unknown, Downloaders: tier.Unknown}
		if n, err := cast.ToInt(row["complete"]); err == nil {
			r.Seeders = n
		}
		if n, err := cast.ToInt(row["incomplete"]); err == nil {
			r.Leechers = n
		}
		if n, err := cast.ToInt(row["downloaded"]); err == nil {
			r.Downloads = n
		}
		if n, err := cast.ToInt(row["downloaders"]); err == nil {
			r.Downloaders = n
		}
		out.Rows[infoHash] = r
	}

	return out, nil
}
