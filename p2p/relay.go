package p2p

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"btcrouter/wire"
)

const (
	defaultRequestTTL  = 120 * time.Second
	defaultRequestCap  = 100_000
	defaultSampleEvery = 2 * time.Second
	defaultSampleBurst = 8
)

// relayObserver decides which announced transactions are worth a getdata.
// The router is not a relay node; it requests a thin sample of
// announcements purely to observe relay behavior, and it deduplicates
// across all sessions so a gossip storm costs one request at most.
type relayObserver struct {
	mu        sync.Mutex
	requested map[[32]byte]time.Time
	cap       int
	ttl       time.Duration
	limiter   *rate.Limiter
	now       func() time.Time
}

func newRelayObserver() *relayObserver {
	return &relayObserver{
		requested: make(map[[32]byte]time.Time),
		cap:       defaultRequestCap,
		ttl:       defaultRequestTTL,
		limiter:   rate.NewLimiter(rate.Every(defaultSampleEvery), defaultSampleBurst),
		now:       time.Now,
	}
}

// sample returns the subset of items to request. Only transaction
// announcements qualify; each txid is requested at most once per TTL, so a
// transaction the network keeps announcing is re-requested once its window
// expires. The global limiter caps the overall request rate.
func (o *relayObserver) sample(items []wire.InvItem) []wire.InvItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	if len(o.requested) >= o.cap {
		o.sweepLocked(now)
		// Bounded memory: when the sweep frees nothing the window is
		// genuinely full, so reset instead of growing without bound. A
		// rare duplicate request after reset is harmless.
		if len(o.requested) >= o.cap {
			o.requested = make(map[[32]byte]time.Time, o.cap/4)
		}
	}
	var out []wire.InvItem
	for _, it := range items {
		if !it.IsTx() {
			continue
		}
		if at, dup := o.requested[it.Hash]; dup && now.Sub(at) < o.ttl {
			continue
		}
		if !o.limiter.Allow() {
			continue
		}
		o.requested[it.Hash] = now
		out = append(out, it)
	}
	return out
}

func (o *relayObserver) sweepLocked(now time.Time) {
	for hash, at := range o.requested {
		if now.Sub(at) >= o.ttl {
			delete(o.requested, hash)
		}
	}
}
