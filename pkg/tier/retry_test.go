package tier

import (
	"testing"
	"time"
)

func unixTime(sec int64) time.Time { return time.Unix(sec, 0) }

func TestRetryIntervalMonotoneLowerBound(t *testing.T) {
	lowerBound := func(n int) int {
		switch n {
		case 0:
			return 0
		case 1:
			return 20
		case 2:
			return 300
		case 3:
			return 900
		case 4:
			return 1800
		case 5:
			return 3600
		default:
			return 7200
		}
	}

	prev := -1
	for n := 0; n <= 8; n++ {
		lb := lowerBound(n)
		if lb < prev {
			t.Fatalf("lower bound regressed at n=%d: %d < %d", n, lb, prev)
		}
		prev = lb

		for i := 0; i < 20; i++ {
			got := RetryInterval(n)
			if int(got.Seconds()) < lb {
				t.Fatalf("RetryInterval(%d) = %s below lower bound %ds", n, got, lb)
			}
		}
	}
}

func TestRetryIntervalZeroOnFirstFailure(t *testing.T) {
	if got := RetryInterval(0); got != 0 {
		t.Fatalf("RetryInterval(0) = %s, want 0", got)
	}
}

func TestRoundUpTo10s(t *testing.T) {
	cases := []struct {
		in, want int64
	}{
		{0, 0},
		{1, 10},
		{10, 10},
		{11, 20},
		{59, 60},
	}

	for _, c := range cases {
		got := RoundUpTo10s(unixTime(c.in))
		if got.Unix() != c.want {
			t.Fatalf("RoundUpTo10s(%d) = %d, want %d", c.in, got.Unix(), c.want)
		}
	}
}
