package profiler

import (
	"github.com/yairfalse/runtap/internal/objects"
	"github.com/yairfalse/runtap/pkg/domain"
	"go.uber.org/zap"
)

// TrackObject returns the logical id of the object at addr. The first
// observation of an address is announced with an ObjectTracking event.
func (p *Profiler) TrackObject(tid, addr uint64) objects.ID {
	id, isNew := p.tracker.Track(addr)
	if isNew {
		_ = p.Emit(tid, domain.ObjectTrackingArgs{TrackedObjectID: uint64(id)})
	}
	return id
}

// GarbageCollectionStarted begins a collection cycle. The start event is
// emitted only when the tracker accepted the cycle.
func (p *Profiler) GarbageCollectionStarted(tid uint64, collected []bool, ranges []domain.GenerationRange) error {
	if err := p.tracker.OnCollectionStarted(collected, ranges); err != nil {
		return err
	}
	return p.Emit(tid, domain.GarbageCollectionStartArgs{})
}

// SurvivingReferences reports ranges whose objects survived in place
func (p *Profiler) SurvivingReferences(tid uint64, starts, lengths []uint64) error {
	if err := p.tracker.OnSurvivingRanges(starts, lengths); err != nil {
		return err
	}
	if p.emitGCRanges {
		return p.Emit(tid, domain.GarbageCollectionSurvivorsArgs{Starts: starts, Lengths: lengths})
	}
	return nil
}

// MovedReferences reports ranges whose objects were relocated
func (p *Profiler) MovedReferences(tid uint64, oldStarts, newStarts, lengths []uint64) error {
	if err := p.tracker.OnMovedRanges(oldStarts, newStarts, lengths); err != nil {
		return err
	}
	if p.emitGCRanges {
		return p.Emit(tid, domain.GarbageCollectionCompactionArgs{
			OldStarts: oldStarts,
			NewStarts: newStarts,
			Lengths:   lengths,
		})
	}
	return nil
}

// GarbageCollectionFinished ends the cycle. Removed ids are reported before
// the finish event so that the analysis side sees the removal inside the
// cycle.
func (p *Profiler) GarbageCollectionFinished(tid uint64) (objects.CollectionReport, error) {
	report, err := p.tracker.OnCollectionFinished()
	if err != nil {
		return report, err
	}

	if len(report.Removed) > 0 {
		ids := make([]uint64, len(report.Removed))
		for i, id := range report.Removed {
			ids[i] = uint64(id)
		}
		if err := p.Emit(tid, domain.ObjectRemovedArgs{TrackedObjectIDs: ids}); err != nil {
			return report, err
		}
	}

	p.logger.Debug("Garbage collection finished",
		zap.Int("previous", report.PreviousCount),
		zap.Int("current", report.NewCount),
		zap.Int("removed", len(report.Removed)))

	return report, p.Emit(tid, domain.GarbageCollectionFinishArgs{
		OldTrackedObjectsCount: uint64(report.PreviousCount),
		NewTrackedObjectsCount: uint64(report.NewCount),
	})
}
