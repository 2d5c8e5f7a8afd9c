package config

import (
	"net"
	"time"
)

// EncryptionMode mirrors the session's negotiated encryption policy. The
// announcer only needs to know whether to set requirecrypto=1 on HTTP
// announces; the handshake itself lives outside this module.
type EncryptionMode uint8

const (
	// EncryptionPreferred negotiates encryption but tolerates plaintext
	// peers.
	EncryptionPreferred EncryptionMode = iota

	// EncryptionRequired rejects peers that won't encrypt.
	EncryptionRequired

	// EncryptionDisabled never negotiates encryption.
	EncryptionDisabled
)

// Config defines behavior and resource limits for the tracker announcer.
type Config struct {
	// Port is the TCP port this client listens on for incoming peer
	// connections. The announcer does not read it: announces carry the
	// port reported by SessionInfo.Port.
	Port uint16

	// NumWant is the peer count requested on a regular announce. Zeroed
	// automatically for event=stopped announces.
	NumWant uint32

	// AnnounceInterval overrides a tracker's suggested interval when
	// nonzero; otherwise the built-in default (10m) applies until a
	// tracker responds with its own.
	AnnounceInterval time.Duration

	// MinAnnounceInterval is the floor manual_announce_allowed_at and a
	// tracker-confirmed interval are never allowed to go below.
	MinAnnounceInterval time.Duration

	// DefaultScrapeInterval records the default scrape interval (30m). The
	// announcer does not read it; scrape scheduling uses
	// tier.DefaultScrapeInterval until a tracker supplies
	// min_request_interval.
	DefaultScrapeInterval time.Duration

	// UpkeepInterval is the scheduler's tick period (spec: ~1s).
	UpkeepInterval time.Duration

	// MaxAnnouncesPerUpkeep and MaxScrapesPerUpkeep bound how many
	// requests a single upkeep tick may dispatch.
	MaxAnnouncesPerUpkeep int
	MaxScrapesPerUpkeep   int

	// DefaultMultiscrapeMax is the initial per-scrape-URL info-hash
	// batch size; it only ever shrinks (see announcer.ScrapeInfo).
	DefaultMultiscrapeMax int

	// RequestTimeout is how long a single announce/scrape is allowed to
	// stay in flight before being treated as timed out.
	RequestTimeout time.Duration

	// ShutdownDeadline bounds how long start_shutdown waits for pending
	// event=stopped announces to flush.
	ShutdownDeadline time.Duration

	// EnableIPv6 advertises ipv6= on announces when the host has a
	// routable IPv6 address.
	EnableIPv6 bool

	// EnablePartialSeed marks this client as a BEP-21 partial seed.
	EnablePartialSeed bool

	// Encryption controls the requirecrypto field on HTTP announces.
	Encryption EncryptionMode

	// ClientIDPrefix is the default peer-id prefix ("-BC0001-"). The
	// announcer does not read it: the peer id comes from
	// SessionInfo.PeerID, and idgen.PeerID takes its prefix as an argument.
	ClientIDPrefix string

	// HasIPv6 records whether the host has a routable IPv6 address,
	// refreshed at Init time.
	HasIPv6 bool

	// CurlVerbose mirrors TR_CURL_VERBOSE: dump raw announce/scrape
	// bodies at debug level.
	CurlVerbose bool
}

// defaultConfig returns sensible defaults matching spec's built-in
// constants.
func defaultConfig() Config {
	return Config{
		Port:                  51413,
		NumWant:               80,
		AnnounceInterval:      0, // use tracker default
		MinAnnounceInterval:   2 * time.Minute,
		DefaultScrapeInterval: 30 * time.Minute,
		UpkeepInterval:        time.Second,
		MaxAnnouncesPerUpkeep: 20,
		MaxScrapesPerUpkeep:   20,
		DefaultMultiscrapeMax: 60,
		RequestTimeout:        60 * time.Second,
		ShutdownDeadline:      10 * time.Second,
		EnableIPv6:            true,
		EnablePartialSeed:     false,
		Encryption:            EncryptionPreferred,
		ClientIDPrefix:        "-BC0001-",
		HasIPv6:               hasIPv6(),
	}
}

func hasIPv6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() &&
				!ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}
