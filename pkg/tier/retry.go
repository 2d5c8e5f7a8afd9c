package tier

import (
	"math/rand/v2"
	"time"
)

// RetryInterval returns the backoff delay after the nth consecutive
// failure on a tracker, per spec §4.2. Jitter uses a fast non-crypto RNG;
// transaction ids (spec §9) use a cryptographic one instead.
func RetryInterval(consecutiveFailures int) time.Duration {
	switch consecutiveFailures {
	case 0:
		return 0
	case 1:
		return 20 * time.Second
	case 2:
		return 5*time.Minute + jitter60s()
	case 3:
		return 15*time.Minute + jitter60s()
	case 4:
		return 30*time.Minute + jitter60s()
	case 5:
		return 60*time.Minute + jitter60s()
	default:
		return 120*time.Minute + jitter60s()
	}
}

func jitter60s() time.Duration {
	return time.Duration(rand.IntN(60)) * time.Second
}

// RoundUpTo10s rounds t up to the next multiple of 10 seconds since the
// Unix epoch, so torrents sharing a tracker are more likely to land in the
// same multiscrape batch.
func RoundUpTo10s(t time.Time) time.Time {
	const step = 10 * time.Second

	unix := t.Unix()
	rem := unix % int64(step/time.Second)
	if rem == 0 {
		return t.Truncate(time.Second)
	}

	return t.Add(time.Duration(int64(step/time.Second)-rem) * time.Second).
		Truncate(time.Second)
}
