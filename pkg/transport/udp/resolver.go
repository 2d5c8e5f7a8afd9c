package udp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prxssh/beacon/pkg/retry"
	"golang.org/x/sync/singleflight"
)

// addrTTL matches UdpTracker.address's spec'd 1-hour TTL.
const addrTTL = time.Hour

// DNS resolves a UDP tracker's hostname into an IP address (spec §6
// DNS mediator). Kept as its own interface, distinct from transport/http's
// Web, so the announcer can share one resolver implementation across both
// the UDP transport and any future host-based routing.
type DNS interface {
	Resolve(ctx context.Context, host string) (net.IP, error)
}

type cachedAddr struct {
	ip        net.IP
	expiresAt time.Time
}

// DefaultResolver wraps *net.Resolver with singleflight deduplication
// (spec §4.7 "is_asking_dns": concurrent trackers resolving the same host
// collapse into a single lookup) and a TTL cache.
type DefaultResolver struct {
	resolver *net.Resolver
	group    singleflight.Group

	mu    sync.Mutex
	cache map[string]cachedAddr
}

func NewDefaultResolver() *DefaultResolver {
	return &DefaultResolver{
		resolver: net.DefaultResolver,
		cache:    make(map[string]cachedAddr),
	}
}

func (r *DefaultResolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	r.mu.Lock()
	if c, ok := r.cache[host]; ok && time.Now().Before(c.expiresAt) {
		r.mu.Unlock()
		return c.ip, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(host, func() (any, error) {
		var ip net.IP
		lookupErr := retry.Do(ctx, func(ctx context.Context) error {
			ips, err := r.resolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return err
			}
			if len(ips) == 0 {
				return fmt.Errorf("transport/udp: no addresses for %q", host)
			}
			ip = ips[0]
			return nil
		}, retry.WithExponentialBackoff(3, 200*time.Millisecond, 2*time.Second)...)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if ip == nil {
			// Defensive: a nil result without an error is reported as a
			// failed lookup.
			return nil, fmt.Errorf("transport/udp: lookup %q exhausted retries", host)
		}
		return ip, nil
	})
	if err != nil {
		return nil, err
	}

	ip := v.(net.IP)
	r.mu.Lock()
	r.cache[host] = cachedAddr{ip: ip, expiresAt: time.Now().Add(addrTTL)}
	r.mu.Unlock()

	return ip, nil
}
