package segment

import (
	"errors"
	"fmt"
)

var (
	// ErrSegmentFull is returned when a record cannot be stored because every slot of
	// the corresponding region is occupied. Recoverable only by reconfiguration.
	ErrSegmentFull = errors.New("lock segment full")

	// ErrSegmentSizeExceeded is returned by Attach when the configured capacity is larger
	// than the existing segment and live holders prevent growing it.
	ErrSegmentSizeExceeded = errors.New("lock segment smaller than configured and cannot be grown while holders are attached")

	// ErrSegmentCorrupt means a structural invariant of the segment does not hold.
	// The segment must be treated as unusable until it is reset.
	ErrSegmentCorrupt = errors.New("lock segment corrupt")

	// ErrSegmentInUse is returned by Reset when live holders are still attached.
	ErrSegmentInUse = errors.New("lock segment in use")

	// ErrDetached is returned when a detached handle is used.
	ErrDetached = errors.New("lock segment detached")

	// ErrHolderDead is returned when an operation references a holder that was reclaimed.
	ErrHolderDead = errors.New("lock holder reclaimed")
)

// RegionKind names a fixed-capacity region of the segment.
type RegionKind string

const (
	RegionHolders RegionKind = "holders"
	RegionTables  RegionKind = "tables"
	RegionRows    RegionKind = "rows"
)

// FullError carries the region that overflowed.
type FullError struct {
	Kind     RegionKind
	Capacity int
}

func (e *FullError) Error() string {
	return fmt.Sprintf("lock segment full: %s region holds %d records", e.Kind, e.Capacity)
}

func (e *FullError) Is(target error) bool {
	return target == ErrSegmentFull
}

// CorruptError describes the violated invariant.
type CorruptError struct {
	Path   string
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("lock segment %s corrupt: %s", e.Path, e.Reason)
}

func (e *CorruptError) Is(target error) bool {
	return target == ErrSegmentCorrupt
}

// SizeError reports the mismatch that made Attach fail with ErrSegmentSizeExceeded.
type SizeError struct {
	Kind       RegionKind
	Existing   int
	Configured int
	Holders    int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("lock segment %s region has %d slots, %d configured, %d holders attached",
		e.Kind, e.Existing, e.Configured, e.Holders)
}

func (e *SizeError) Is(target error) bool {
	return target == ErrSegmentSizeExceeded
}
