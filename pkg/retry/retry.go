// Package retry implements the jittered-backoff retry loop used around
// snapshot pulls during broker startup and other short adapter calls.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy bounds the retry loop.
type Policy struct {
	Attempts    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultPolicy suits startup pulls: three attempts within a couple of
// seconds.
var DefaultPolicy = Policy{
	Attempts:    3,
	BaseBackoff: 100 * time.Millisecond,
	MaxBackoff:  2 * time.Second,
}

// Do runs fn until it succeeds, the error stops being transient, or the
// policy is exhausted; the last error is returned. The wait between
// attempts doubles and carries up to 50% random jitter so concurrent
// brokers do not retry in lockstep.
func Do(ctx context.Context, p Policy, transient func(error) bool, fn func() error) error {
	wait := p.BaseBackoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || !transient(err) || attempt >= p.Attempts {
			return err
		}

		jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait + jitter):
		}
		wait = min(wait*2, p.MaxBackoff)
	}
}
