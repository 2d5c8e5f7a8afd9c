package tier

import (
	"errors"
	"net/url"
	"sort"
	"strings"
)

// ErrNoAnnounceURLs is returned by BuildTiers when nothing survives
// filtering.
var ErrNoAnnounceURLs = errors.New("tier: no announce urls")

type candidate struct {
	tier int
	u    *url.URL
}

// BuildTiers implements filter_trackers (spec §4.3): validate, dedupe,
// unify scheme-only variants of the same endpoint into one tier, sort so
// UDP is tried before HTTP within a tier, and group into Tier values.
//
// If announceList is non-empty it is authoritative (the common convention:
// announceList already supersedes the single top-level announce URL);
// otherwise announce alone forms a single one-tracker tier.
func BuildTiers(announce string, announceList [][]string) ([]*Tier, error) {
	raw := collectCandidates(announce, announceList)

	valid := make([]candidate, 0, len(raw))
	for _, c := range raw {
		if isSupportedScheme(c.u.Scheme) {
			valid = append(valid, c)
		}
	}

	deduped := dedupe(valid)
	unifyTierNumbers(deduped)

	sort.SliceStable(deduped, func(i, j int) bool {
		if deduped[i].tier != deduped[j].tier {
			return deduped[i].tier < deduped[j].tier
		}
		// descending by scheme: "udp" > "https" > "http" lexically, so
		// UDP trackers are tried first within a tier.
		return deduped[i].u.Scheme > deduped[j].u.Scheme
	})

	tiers := groupByTier(deduped)
	if len(tiers) == 0 {
		return nil, ErrNoAnnounceURLs
	}
	return tiers, nil
}

func collectCandidates(announce string, announceList [][]string) []candidate {
	var out []candidate

	if len(announceList) > 0 {
		for tierNum, urls := range announceList {
			for _, raw := range urls {
				if u, ok := parseURL(raw); ok {
					out = append(out, candidate{tier: tierNum, u: u})
				}
			}
		}
		return out
	}

	if u, ok := parseURL(announce); ok {
		out = append(out, candidate{tier: 0, u: u})
	}
	return out
}

func parseURL(raw string) (*url.URL, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, false
	}
	return u, true
}

func isSupportedScheme(scheme string) bool {
	switch scheme {
	case "http", "https", "udp":
		return true
	default:
		return false
	}
}

// endpointKey identifies (scheme, host, port, path) for dedup purposes.
func endpointKey(u *url.URL) string {
	return u.Scheme + "|" + u.Host + "|" + u.EscapedPath()
}

// schemelessKey identifies (host, port, path), ignoring scheme, used to
// detect entries that differ only by scheme so their tiers can be unified.
func schemelessKey(u *url.URL) string {
	return u.Host + "|" + u.EscapedPath()
}

func dedupe(in []candidate) []candidate {
	seen := make(map[string]bool, len(in))
	out := make([]candidate, 0, len(in))

	for _, c := range in {
		key := endpointKey(c.u)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

// unifyTierNumbers folds scheme-only variants of the same endpoint into
// the lowest tier number any of them appeared in (spec §4.3 step 3).
func unifyTierNumbers(in []candidate) {
	minTier := make(map[string]int)

	for _, c := range in {
		key := schemelessKey(c.u)
		if t, ok := minTier[key]; !ok || c.tier < t {
			minTier[key] = c.tier
		}
	}

	for i := range in {
		in[i].tier = minTier[schemelessKey(in[i].u)]
	}
}

func groupByTier(in []candidate) []*Tier {
	if len(in) == 0 {
		return nil
	}

	var tiers []*Tier
	var cur *Tier
	curTierNum := -1

	for _, c := range in {
		if c.tier != curTierNum {
			cur = newTier()
			tiers = append(tiers, cur)
			curTierNum = c.tier
		}
		cur.Trackers = append(cur.Trackers, newTrackerRow(c.u, c.tier))
	}

	return tiers
}
