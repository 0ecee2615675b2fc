// Package classify infers which implementation a peer is running from
// accumulated handshake and relay-behavior evidence.
package classify

import (
	"sort"
	"sync"
	"time"
)

// Label identifies a peer implementation family.
type Label string

const (
	LabelUnknown Label = "unknown"
	LabelCore    Label = "core"
	LabelKnots   Label = "knots"
	LabelLibre   Label = "libre"
	LabelOther   Label = "other"
)

// Labels lists every label that can appear in a classification, in the
// order used for stable iteration.
var Labels = []Label{LabelCore, LabelKnots, LabelLibre, LabelOther, LabelUnknown}

// DefaultConfidenceFloor is the minimum aggregate weight a label needs
// before it displaces Unknown. A lone user-agent match sits below it; one
// corroborating behavioral signal pushes past it.
const DefaultConfidenceFloor = 2.5

// Evidence is one observed signal and its weighted votes. Entries are
// append-only; aggregation never mutates or discards them.
type Evidence struct {
	Signal string
	Votes  map[Label]float64
	At     time.Time
}

// Record is the classification state for one peer.
type Record struct {
	Addr       string
	Label      Label
	Confidence float64
	Evidence   []Evidence
}

// Registry keeps per-peer records. Each peer's evidence list is only ever
// appended to by its owning session (at most one session exists per peer),
// so the lock only guards the map itself and concurrent readers.
type Registry struct {
	floor float64

	mu      sync.RWMutex
	records map[string]*Record

	onChange func(addr string, from, to Label)
}

// Option adjusts registry construction.
type Option func(*Registry)

// WithConfidenceFloor overrides the minimum aggregate weight.
func WithConfidenceFloor(floor float64) Option {
	return func(r *Registry) {
		if floor > 0 {
			r.floor = floor
		}
	}
}

// WithChangeHook installs a callback fired whenever a peer's label moves.
func WithChangeHook(fn func(addr string, from, to Label)) Option {
	return func(r *Registry) { r.onChange = fn }
}

// NewRegistry returns an empty registry with the default confidence floor.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		floor:   DefaultConfidenceFloor,
		records: make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Observe appends evidence for a peer and re-aggregates its label. The
// returned record is a copy.
func (r *Registry) Observe(addr string, ev Evidence) Record {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	r.mu.Lock()
	rec := r.records[addr]
	if rec == nil {
		rec = &Record{Addr: addr, Label: LabelUnknown}
		r.records[addr] = rec
	}
	prev := rec.Label
	rec.Evidence = append(rec.Evidence, ev)
	rec.Label, rec.Confidence = aggregate(rec.Evidence, r.floor)
	out := cloneRecord(rec)
	hook := r.onChange
	r.mu.Unlock()

	if hook != nil && prev != out.Label {
		hook(addr, prev, out.Label)
	}
	return out
}

// Get returns a copy of the record for addr.
func (r *Registry) Get(addr string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := r.records[addr]
	if rec == nil {
		return Record{}, false
	}
	return cloneRecord(rec), true
}

// Label returns the current label for addr, Unknown when unseen.
func (r *Registry) Label(addr string) Label {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec := r.records[addr]; rec != nil {
		return rec.Label
	}
	return LabelUnknown
}

// Counts tallies peers by current label.
func (r *Registry) Counts() map[Label]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Label]int, len(Labels))
	for _, rec := range r.records {
		out[rec.Label]++
	}
	return out
}

// Snapshot returns copies of every record, ordered by address.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, cloneRecord(rec))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// aggregate sums weighted votes across all evidence and picks the heaviest
// label, falling back to Unknown below the confidence floor. Ties break
// toward the label observed first so reclassification is deterministic.
func aggregate(evidence []Evidence, floor float64) (Label, float64) {
	totals := make(map[Label]float64)
	order := make(map[Label]int)
	next := 0
	for _, ev := range evidence {
		for label, w := range ev.Votes {
			if _, seen := order[label]; !seen {
				order[label] = next
				next++
			}
			totals[label] += w
		}
	}
	best := LabelUnknown
	bestWeight := 0.0
	for label, w := range totals {
		switch {
		case w > bestWeight:
			best, bestWeight = label, w
		case w == bestWeight && best != LabelUnknown && order[label] < order[best]:
			best = label
		}
	}
	if bestWeight < floor {
		return LabelUnknown, bestWeight
	}
	return best, bestWeight
}

func cloneRecord(rec *Record) Record {
	out := *rec
	out.Evidence = append([]Evidence(nil), rec.Evidence...)
	return out
}
