package p2p

import (
	"context"
	"log/slog"
	"net"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"btcrouter/classify"
	"btcrouter/metrics"
	"btcrouter/wire"
)

// DefaultUserAgent is the agent string announced in outbound handshakes.
const DefaultUserAgent = "/btcrouter:0.1.0/"

const (
	defaultMaxSessions     = 200
	defaultRefillInterval  = 3 * time.Second
	defaultGetAddrInterval = 5 * time.Minute
	defaultPruneInterval   = time.Hour
)

// SupervisorConfig tunes the connection supervisor.
type SupervisorConfig struct {
	MaxSessions     int64
	RefillInterval  time.Duration
	GetAddrInterval time.Duration
	PruneInterval   time.Duration
	Session         SessionConfig
	Logger          *slog.Logger
}

func (cfg SupervisorConfig) withDefaults() SupervisorConfig {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = defaultRefillInterval
	}
	if cfg.GetAddrInterval <= 0 {
		cfg.GetAddrInterval = defaultGetAddrInterval
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = defaultPruneInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Supervisor owns the session pool: it pulls candidates from the
// directory, runs one session goroutine per peer under a weighted
// semaphore, and folds every session's summary back into the directory,
// the classifier and the metrics.
type Supervisor struct {
	cfg SupervisorConfig
	dir *Directory
	cls *classify.Registry
	met *metrics.Metrics
	log *slog.Logger

	sem   *semaphore.Weighted
	relay *relayObserver

	mu        sync.Mutex
	active    map[string]*Session
	feeFloors map[string]int64
	subFloor  map[string]bool

	wg sync.WaitGroup
}

// NewSupervisor wires the supervisor to its collaborators. The classifier
// and metrics may be nil for partial deployments; the directory may not.
func NewSupervisor(dir *Directory, cls *classify.Registry, met *metrics.Metrics, cfg SupervisorConfig) *Supervisor {
	cfg = cfg.withDefaults()
	cfg.Session.Logger = cfg.Logger
	cfg.Session.Metrics = met
	return &Supervisor{
		cfg:       cfg,
		dir:       dir,
		cls:       cls,
		met:       met,
		log:       cfg.Logger,
		sem:       semaphore.NewWeighted(cfg.MaxSessions),
		relay:     newRelayObserver(),
		active:    make(map[string]*Session),
		feeFloors: make(map[string]int64),
		subFloor:  make(map[string]bool),
	}
}

// ActiveSessions reports how many sessions are currently live.
func (sv *Supervisor) ActiveSessions() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return len(sv.active)
}

// Run drives the refill, re-solicitation and pruning loops until ctx is
// cancelled, then drains every live session before returning.
func (sv *Supervisor) Run(ctx context.Context) {
	refill := time.NewTicker(sv.cfg.RefillInterval)
	defer refill.Stop()
	getaddr := time.NewTicker(sv.cfg.GetAddrInterval)
	defer getaddr.Stop()
	prune := time.NewTicker(sv.cfg.PruneInterval)
	defer prune.Stop()

	sv.refill(ctx)
	for {
		select {
		case <-ctx.Done():
			sv.log.Info("supervisor draining", "active", sv.ActiveSessions())
			sv.wg.Wait()
			return
		case <-refill.C:
			sv.refill(ctx)
		case <-getaddr.C:
			sv.solicitAddrs()
		case <-prune.C:
			if n := sv.dir.PruneStale(); n > 0 {
				sv.log.Info("pruned stale peers", "count", n)
				sv.updateDirectorySize()
			}
		}
	}
}

// refill tops the pool up to its cap. TryAcquire never blocks the loop;
// when the permits run out mid-batch every remaining claim is released via
// a synthetic shutdown outcome so the candidates stay dialable on the next
// tick. Finished sessions leave the active map before their permit is
// returned, so free slots can briefly exceed available permits.
func (sv *Supervisor) refill(ctx context.Context) {
	free := int(sv.cfg.MaxSessions) - sv.ActiveSessions()
	if free <= 0 {
		return
	}
	batch := sv.dir.NextBatch(free)
	for i, addr := range batch {
		if !sv.sem.TryAcquire(1) {
			for _, rest := range batch[i:] {
				sv.dir.RecordOutcome(rest, Outcome{Reason: ReasonShutdown})
			}
			return
		}
		sv.wg.Add(1)
		go sv.launch(ctx, addr)
	}
}

// launch runs one session to completion. A panic inside the session is
// contained here so one misbehaving peer cannot take the pool down.
func (sv *Supervisor) launch(ctx context.Context, addr string) {
	defer sv.wg.Done()
	defer sv.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			sv.log.Error("session panic",
				"peer", addr,
				"panic", r,
				"stack", string(debug.Stack()))
			sv.unregister(addr)
			sv.dir.RecordOutcome(addr, Outcome{Reason: ReasonNetworkError})
			if sv.met != nil {
				sv.met.Disconnections.WithLabelValues(ReasonNetworkError.String()).Inc()
				sv.met.OpenSessions.Dec()
			}
		}
	}()

	sess := NewSession(addr, sv.cfg.Session, sv.events(addr))
	sv.register(addr, sess)
	if sv.met != nil {
		sv.met.OpenSessions.Inc()
	}

	summary := sess.Run(ctx)

	sv.unregister(addr)
	if sv.met != nil {
		sv.met.OpenSessions.Dec()
	}
	sv.finish(summary)
}

// events builds the callback set binding one session to the directory,
// classifier and relay observer.
func (sv *Supervisor) events(addr string) Events {
	return Events{
		Handshake: func(addr string, v *wire.Version) {
			sv.dir.RecordHandshake(addr, v.UserAgent, v.Version, v.Services, v.StartHeight)
			if sv.cls == nil {
				return
			}
			sv.observe(addr, classify.UserAgentSignal(v.UserAgent))
			if ev, ok := classify.ServicesSignal(v.Services); ok {
				sv.observe(addr, ev)
			}
			if ev, ok := classify.ProtocolVersionSignal(v.Version); ok {
				sv.observe(addr, ev)
			}
		},
		Addrs: func(from string, entries []wire.NetAddrEntry) {
			sv.ingestAddrs(entries)
		},
		SampleInv: func(_ string, items []wire.InvItem) []wire.InvItem {
			return sv.relay.sample(items)
		},
		Tx: func(addr string, tx *wire.Tx) {
			if sv.cls != nil {
				if ev, ok := classify.TxShapeSignal(tx); ok {
					sv.observe(addr, ev)
				}
				sv.noteRelayBelowFloor(addr)
			}
			if sv.met != nil {
				label := string(classify.LabelUnknown)
				if sv.cls != nil {
					label = string(sv.cls.Label(addr))
				}
				sv.met.TxObserved.WithLabelValues(label).Inc()
			}
		},
		FeeFilter: func(addr string, feeRate int64) {
			sv.mu.Lock()
			sv.feeFloors[addr] = feeRate
			sv.mu.Unlock()
			if sv.cls == nil {
				return
			}
			if ev, ok := classify.FeeFilterSignal(feeRate); ok {
				sv.observe(addr, ev)
			}
		},
	}
}

// noteRelayBelowFloor fires the sub-floor relay signal once per peer: the
// peer announced a fee floor far under the stock default and then actually
// relayed transactions, which is the permissive-relay fingerprint.
func (sv *Supervisor) noteRelayBelowFloor(addr string) {
	sv.mu.Lock()
	floor, announced := sv.feeFloors[addr]
	already := sv.subFloor[addr]
	if announced && !already && floor > 0 && floor <= int64(classify.DefaultMinRelayFee)/10 {
		sv.subFloor[addr] = true
		sv.mu.Unlock()
		sv.observe(addr, classify.SubFloorRelaySignal())
		return
	}
	sv.mu.Unlock()
}

func (sv *Supervisor) observe(addr string, ev classify.Evidence) {
	rec := sv.cls.Observe(addr, ev)
	sv.dir.SetLabel(addr, string(rec.Label))
	if sv.met != nil {
		counts := make(map[string]int)
		for label, n := range sv.cls.Counts() {
			counts[string(label)] = n
		}
		sv.met.SetLabelCounts(counts)
	}
}

func (sv *Supervisor) ingestAddrs(entries []wire.NetAddrEntry) {
	discovered := 0
	for _, e := range entries {
		if e.IP == nil || e.Port == 0 {
			continue
		}
		addr := joinHostPort(e.IP, e.Port)
		isNew, err := sv.dir.AddCandidate(addr, SourceGossip)
		if err != nil {
			continue
		}
		if isNew {
			discovered++
		}
	}
	if sv.met != nil {
		sv.met.AddrEntries.Add(float64(len(entries)))
		if discovered > 0 {
			sv.met.PeersDiscovered.Add(float64(discovered))
		}
	}
	if discovered > 0 {
		sv.updateDirectorySize()
	}
}

// finish folds a completed session back into the directory and metrics.
func (sv *Supervisor) finish(summary Summary) {
	evicted := sv.dir.RecordOutcome(summary.Addr, Outcome{
		HandshakeOK: summary.HandshakeOK,
		Reason:      summary.Reason,
	})
	sv.mu.Lock()
	delete(sv.feeFloors, summary.Addr)
	delete(sv.subFloor, summary.Addr)
	sv.mu.Unlock()
	if sv.met != nil {
		sv.met.Disconnections.WithLabelValues(summary.Reason.String()).Inc()
		if evicted {
			sv.met.PeersEvicted.Inc()
		}
	}
	sv.updateDirectorySize()
}

// solicitAddrs asks a handful of live sessions for fresh gossip. Ten per
// cycle keeps discovery moving without turning the crawler into a
// getaddr-spamming nuisance.
func (sv *Supervisor) solicitAddrs() {
	const perCycle = 10
	sv.mu.Lock()
	sessions := make([]*Session, 0, len(sv.active))
	for _, sess := range sv.active {
		sessions = append(sessions, sess)
	}
	sv.mu.Unlock()
	asked := 0
	for _, sess := range sessions {
		if asked >= perCycle {
			break
		}
		if sess.State() != StateReady {
			continue
		}
		if err := sess.Enqueue(&wire.GetAddr{}); err != nil {
			continue
		}
		asked++
	}
}

func (sv *Supervisor) register(addr string, sess *Session) {
	sv.mu.Lock()
	sv.active[addr] = sess
	sv.mu.Unlock()
}

func (sv *Supervisor) unregister(addr string) {
	sv.mu.Lock()
	delete(sv.active, addr)
	sv.mu.Unlock()
}

func (sv *Supervisor) updateDirectorySize() {
	if sv.met != nil {
		sv.met.DirectorySize.Set(float64(sv.dir.Len()))
	}
}

func joinHostPort(ip net.IP, port uint16) string {
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
}
