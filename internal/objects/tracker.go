// Package objects assigns stable logical ids to heap objects whose addresses
// change as the garbage collector compacts the heap.
package objects

import (
	"errors"
	"fmt"
	"sync"

	"github.com/yairfalse/runtap/pkg/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ID is a logical object id. Ids start at 1 and are never reused.
type ID uint64

var (
	// ErrCollectionActive is returned when a collection starts while another is running
	ErrCollectionActive = errors.New("collection already in progress")

	// ErrNoActiveCollection is returned for range or finish notifications outside a collection
	ErrNoActiveCollection = errors.New("no collection in progress")

	// ErrRangeMismatch is returned when parallel range slices differ in length
	ErrRangeMismatch = errors.New("range slices differ in length")
)

// CollectionReport summarizes one finished collection
type CollectionReport struct {
	PreviousCount int
	NewCount      int
	Removed       []ID
}

// Tracker maps heap addresses to logical ids. All methods are safe for
// concurrent use; a single mutex serializes every access to the mapping.
type Tracker struct {
	mu     sync.Mutex
	heap   map[uint64]ID
	lastID ID
	cycle  *collectionContext

	logger  *zap.Logger
	metrics *trackerMetrics
}

// Option configures a Tracker
type Option func(*Tracker)

// WithMeter records tracker metrics on meter instead of the global provider
func WithMeter(meter metric.Meter) Option {
	return func(t *Tracker) {
		t.metrics = newTrackerMetrics(meter, t, t.logger)
	}
}

// NewTracker creates an empty tracker
func NewTracker(logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		heap:   make(map[uint64]ID),
		logger: logger.Named("objects"),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.metrics == nil {
		t.metrics = newTrackerMetrics(otel.Meter("runtap/objects"), t, t.logger)
	}
	return t
}

// GetOrAssign returns the id mapped to addr, assigning the next id if addr
// is not tracked yet.
func (t *Tracker) GetOrAssign(addr uint64) ID {
	id, _ := t.Track(addr)
	return id
}

// Track is GetOrAssign that also reports whether the id was newly assigned
func (t *Tracker) Track(addr uint64) (ID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.heap[addr]; ok {
		return id, false
	}
	t.lastID++
	t.heap[addr] = t.lastID
	return t.lastID, true
}

// Lookup returns the id mapped to addr without assigning one
func (t *Tracker) Lookup(addr uint64) (ID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.heap[addr]
	return id, ok
}

// Count returns the number of tracked objects
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.heap)
}

// InCollection reports whether a collection is in progress
func (t *Tracker) InCollection() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cycle != nil
}

// OnCollectionStarted snapshots the mapping and begins a collection.
// collected is indexed by generation; ranges of generations not being
// collected survive without further notifications.
func (t *Tracker) OnCollectionStarted(collected []bool, ranges []domain.GenerationRange) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cycle != nil {
		t.logger.Error("Collection started while another is in progress",
			zap.Int("tracked", len(t.heap)))
		return ErrCollectionActive
	}
	t.cycle = newCollectionContext(t.heap, collected, ranges)

	t.logger.Debug("Collection started",
		zap.Int("tracked", len(t.heap)),
		zap.Int("generation_ranges", len(ranges)),
		zap.Int("auto_survived", len(t.cycle.rebuilt)))
	return nil
}

// OnSurvivingRanges keeps every snapshot object inside [starts[i], starts[i]+lengths[i])
func (t *Tracker) OnSurvivingRanges(starts, lengths []uint64) error {
	if len(starts) != len(lengths) {
		t.logger.Error("Surviving ranges rejected",
			zap.Int("starts", len(starts)),
			zap.Int("lengths", len(lengths)))
		return ErrRangeMismatch
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cycle == nil {
		t.logger.Error("Surviving ranges reported outside a collection")
		return ErrNoActiveCollection
	}
	for i := range starts {
		t.cycle.survive(starts[i], lengths[i])
	}
	return nil
}

// OnMovedRanges relocates every snapshot object inside
// [oldStarts[i], oldStarts[i]+lengths[i]) by newStarts[i]-oldStarts[i].
func (t *Tracker) OnMovedRanges(oldStarts, newStarts, lengths []uint64) error {
	if len(oldStarts) != len(newStarts) || len(oldStarts) != len(lengths) {
		t.logger.Error("Moved ranges rejected",
			zap.Int("old_starts", len(oldStarts)),
			zap.Int("new_starts", len(newStarts)),
			zap.Int("lengths", len(lengths)))
		return ErrRangeMismatch
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cycle == nil {
		t.logger.Error("Moved ranges reported outside a collection")
		return ErrNoActiveCollection
	}
	for i := range oldStarts {
		t.cycle.move(oldStarts[i], newStarts[i], lengths[i])
	}
	return nil
}

// OnCollectionFinished replaces the mapping with the rebuilt one and reports
// the ids that did not survive. Ids assigned while the collection was in
// progress are not part of the snapshot, so they are dropped and reported
// as removed.
func (t *Tracker) OnCollectionFinished() (CollectionReport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cycle == nil {
		t.logger.Error("Collection finished without a matching start")
		return CollectionReport{}, ErrNoActiveCollection
	}
	cycle := t.cycle
	t.cycle = nil

	report := CollectionReport{
		PreviousCount: len(t.heap),
		NewCount:      len(cycle.rebuilt),
		Removed:       cycle.removed(t.heap),
	}
	if dropped := len(t.heap) - len(cycle.snapshot); dropped > 0 {
		t.logger.Warn("Objects tracked during collection were dropped",
			zap.Int("dropped", dropped))
	}
	if cycle.overwritten > 0 {
		t.logger.Warn("Moved ranges overlapped, last write kept",
			zap.Int("overwritten", cycle.overwritten))
	}
	t.heap = cycle.rebuilt

	t.logger.Info("Collection finished",
		zap.Int("previous", report.PreviousCount),
		zap.Int("current", report.NewCount),
		zap.Int("removed", len(report.Removed)))
	t.metrics.recordCollection(report)
	return report, nil
}

// String implements fmt.Stringer
func (t *Tracker) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("Tracker{tracked=%d, last_id=%d, collecting=%t}", len(t.heap), t.lastID, t.cycle != nil)
}
