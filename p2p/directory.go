package p2p

import (
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"golang.org/x/time/rate"
)

const (
	defaultBaseBackoff = 30 * time.Second
	defaultMaxBackoff  = 30 * time.Minute
	defaultMaxFails    = 8
	defaultSubnetBurst = 4
	defaultSubnetEvery = 10 * time.Second
	defaultStaleAfter  = 7 * 24 * time.Hour
)

// Candidate discovery sources.
const (
	SourceConfig = "config"
	SourceSeed   = "seed"
	SourceGossip = "gossip"
)

// DirectoryConfig tunes backoff, eviction and batch fairness.
type DirectoryConfig struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxFails    int
	SubnetBurst int
	SubnetEvery time.Duration
	StaleAfter  time.Duration
}

func (cfg DirectoryConfig) withDefaults() DirectoryConfig {
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxFails <= 0 {
		cfg.MaxFails = defaultMaxFails
	}
	if cfg.SubnetBurst <= 0 {
		cfg.SubnetBurst = defaultSubnetBurst
	}
	if cfg.SubnetEvery <= 0 {
		cfg.SubnetEvery = defaultSubnetEvery
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	return cfg
}

// PeerRecord is the dial metadata persisted for each peer. Identity is the
// host:port address.
type PeerRecord struct {
	Addr            string    `json:"addr"`
	Source          string    `json:"source"`
	FirstSeen       time.Time `json:"firstSeen"`
	LastSeen        time.Time `json:"lastSeen"`
	LastConnected   time.Time `json:"lastConnected,omitempty"`
	Fails           int       `json:"fails"`
	Evicted         bool      `json:"evicted,omitempty"`
	Blacklisted     bool      `json:"blacklisted,omitempty"`
	UserAgent       string    `json:"userAgent,omitempty"`
	ProtocolVersion int32     `json:"protocolVersion,omitempty"`
	Services        uint64    `json:"services,omitempty"`
	Height          int32     `json:"height,omitempty"`
	Label           string    `json:"label,omitempty"`
}

// Directory tracks known and candidate peer addresses with backoff and
// eviction. It is owned by the supervisor; sessions only submit candidates
// and outcomes through its methods.
type Directory struct {
	cfg DirectoryConfig
	now func() time.Time

	mu      sync.Mutex
	db      *leveldb.DB
	records map[string]*PeerRecord
	claimed map[string]struct{}
	subnets map[string]*rate.Limiter
	closed  bool
}

// OpenDirectory opens (or creates) a directory backed by LevelDB at the
// given path. An empty path selects an ephemeral in-memory directory.
func OpenDirectory(path string, cfg DirectoryConfig) (*Directory, error) {
	dir := &Directory{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		records: make(map[string]*PeerRecord),
		claimed: make(map[string]struct{}),
		subnets: make(map[string]*rate.Limiter),
	}
	if path == "" {
		return dir, nil
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open peer directory: %w", err)
	}
	dir.db = db
	if err := dir.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return dir, nil
}

// Close flushes and closes the underlying database.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// AddCandidate inserts a new candidate address. The insert is idempotent:
// known addresses only refresh their last-seen timestamp. Blacklisted and
// evicted addresses are rejected, as are non-routable gossip addresses.
func (d *Directory) AddCandidate(addr, source string) (bool, error) {
	addr = strings.TrimSpace(addr)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false, fmt.Errorf("invalid candidate address %q: %w", addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false, fmt.Errorf("invalid candidate host %q", host)
	}
	if source == SourceGossip && !isRoutable(ip) {
		return false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, ErrDirectoryClosed
	}
	now := d.now()
	if rec, ok := d.records[addr]; ok {
		if rec.Blacklisted || rec.Evicted {
			return false, nil
		}
		rec.LastSeen = now
		return false, d.persistLocked(rec)
	}
	rec := &PeerRecord{
		Addr:      addr,
		Source:    source,
		FirstSeen: now,
		LastSeen:  now,
	}
	d.records[addr] = rec
	return true, d.persistLocked(rec)
}

// Blacklist permanently excludes an address from dialing.
func (d *Directory) Blacklist(addr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[addr]
	if !ok {
		rec = &PeerRecord{Addr: addr, FirstSeen: d.now(), LastSeen: d.now()}
		d.records[addr] = rec
	}
	rec.Blacklisted = true
	return d.persistLocked(rec)
}

// NextBatch claims and returns up to n dialable candidates: not currently
// claimed by a session, not evicted or blacklisted, outside their backoff
// window, and subject to a per-subnet rate limit so one network block
// cannot monopolize the connection slots. Claims are released by
// RecordOutcome.
func (d *Directory) NextBatch(n int) []string {
	if n <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()

	eligible := make([]*PeerRecord, 0, n)
	for addr, rec := range d.records {
		if _, busy := d.claimed[addr]; busy {
			continue
		}
		if rec.Evicted || rec.Blacklisted {
			continue
		}
		if d.nextDialAtLocked(rec, now).After(now) {
			continue
		}
		eligible = append(eligible, rec)
	}
	// Fewest failures first, then most recently seen: fresh gossip beats
	// stale survivors.
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Fails != eligible[j].Fails {
			return eligible[i].Fails < eligible[j].Fails
		}
		return eligible[i].LastSeen.After(eligible[j].LastSeen)
	})

	batch := make([]string, 0, n)
	for _, rec := range eligible {
		if len(batch) >= n {
			break
		}
		if !d.subnetLimiterLocked(rec.Addr).Allow() {
			continue
		}
		d.claimed[rec.Addr] = struct{}{}
		batch = append(batch, rec.Addr)
	}
	return batch
}

// RecordOutcome folds a finished connection attempt back into backoff
// state and releases the claim. Protocol violations count double, so a
// misbehaving peer backs off harder than one that merely timed out. The
// return value reports whether this outcome evicted the peer.
func (d *Directory) RecordOutcome(addr string, oc Outcome) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.claimed, addr)
	rec, ok := d.records[addr]
	if !ok {
		return false
	}
	now := d.now()
	rec.LastSeen = now
	evicted := false
	if oc.HandshakeOK {
		rec.Fails = 0
		rec.Evicted = false
		rec.LastConnected = now
		if oc.Reason == ReasonProtocolViolation {
			rec.Fails = 2
		}
	} else {
		switch oc.Reason {
		case ReasonProtocolViolation:
			rec.Fails += 2
		case ReasonShutdown:
			// Our shutdown, not the peer's fault.
		default:
			rec.Fails++
		}
		if rec.Fails >= d.cfg.MaxFails && !rec.Evicted {
			rec.Evicted = true
			evicted = true
		}
	}
	_ = d.persistLocked(rec)
	return evicted
}

// RecordHandshake stores the identity a peer announced during its version
// exchange.
func (d *Directory) RecordHandshake(addr, userAgent string, version int32, services uint64, height int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[addr]
	if !ok {
		return
	}
	rec.UserAgent = userAgent
	rec.ProtocolVersion = version
	rec.Services = services
	rec.Height = height
	_ = d.persistLocked(rec)
}

// SetLabel records the current classification label for display and
// persistence.
func (d *Directory) SetLabel(addr, label string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[addr]
	if !ok {
		return
	}
	rec.Label = label
	_ = d.persistLocked(rec)
}

// Get returns a copy of one record.
func (d *Directory) Get(addr string) (PeerRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[addr]
	if !ok {
		return PeerRecord{}, false
	}
	return *rec, true
}

// Len reports the number of tracked addresses.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

// Snapshot returns copies of every record, ordered by address.
func (d *Directory) Snapshot() []PeerRecord {
	d.mu.Lock()
	out := make([]PeerRecord, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, *rec)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// NextDialAt reports when the address becomes dialable again.
func (d *Directory) NextDialAt(addr string) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[addr]
	if !ok {
		return d.now()
	}
	return d.nextDialAtLocked(rec, d.now())
}

// PruneStale drops evicted records that have not been seen within the
// staleness window, returning how many were removed.
func (d *Directory) PruneStale() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-d.cfg.StaleAfter)
	pruned := 0
	for addr, rec := range d.records {
		if !rec.Evicted || rec.Blacklisted {
			continue
		}
		if rec.LastSeen.After(cutoff) {
			continue
		}
		delete(d.records, addr)
		if d.db != nil {
			_ = d.db.Delete(recordKey(addr), nil)
		}
		pruned++
	}
	return pruned
}

func (d *Directory) nextDialAtLocked(rec *PeerRecord, now time.Time) time.Time {
	if rec.Fails <= 0 {
		return now
	}
	backoff := d.cfg.BaseBackoff
	if rec.Fails > 1 {
		backoff *= time.Duration(1) << uint(rec.Fails-1)
	}
	if backoff > d.cfg.MaxBackoff || backoff <= 0 {
		backoff = d.cfg.MaxBackoff
	}
	return rec.LastSeen.Add(backoff)
}

func (d *Directory) subnetLimiterLocked(addr string) *rate.Limiter {
	key := subnetKey(addr)
	lim := d.subnets[key]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(d.cfg.SubnetEvery), d.cfg.SubnetBurst)
		d.subnets[key] = lim
	}
	return lim
}

func (d *Directory) persistLocked(rec *PeerRecord) error {
	if d.db == nil {
		return nil
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return d.db.Put(recordKey(rec.Addr), blob, nil)
}

func (d *Directory) load() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	iter := d.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key())
		if !strings.HasPrefix(key, "peer:") {
			continue
		}
		var rec PeerRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		copied := rec
		d.records[rec.Addr] = &copied
	}
	return iter.Error()
}

func recordKey(addr string) []byte {
	return []byte("peer:" + addr)
}

// subnetKey groups IPv4 addresses by /16 and IPv6 by their first four
// bytes for batch fairness purposes.
func subnetKey(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.0.0/16", v4[0], v4[1])
	}
	return fmt.Sprintf("%x/32", []byte(ip.To16()[:4]))
}

func isRoutable(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsMulticast() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate() {
		return false
	}
	return true
}
