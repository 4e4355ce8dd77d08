package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageUnitStart    Stage = "UNIT_START"
	StageUnitDone     Stage = "UNIT_DONE"
	StageUnitFailed   Stage = "UNIT_FAILED"
	StageUnitReleased Stage = "UNIT_RELEASED"
	StagePointDone    Stage = "POINT_DONE"
	StagePointError   Stage = "POINT_ERROR"
	StageSessionReset Stage = "SESSION_RESET"
)

// Event captures one step of scrape progress.
type Event struct {
	// RunID identifies the run in 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Worker is the index of the emitting worker.
	Worker int
	// City and Term identify the work unit; empty for session events.
	City string
	Term string
	// Point is the grid index the event refers to.
	Point int
	// Accepted, Duplicates and Rejected count admissions for a grid point.
	Accepted   int64
	Duplicates int64
	Rejected   int64
	// Dur is the latency of the point or the whole unit.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageUnitStart, StageUnitDone, StageUnitFailed, StageUnitReleased,
		StagePointDone, StagePointError:
		if e.City == "" || e.Term == "" {
			return fmt.Errorf("%s requires city and term", e.Stage)
		}
	case StageSessionReset:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Point < 0 {
		return errors.New("point must be >= 0")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event closes out a unit attempt.
func (e Event) Terminal() bool {
	return e.Stage == StageUnitDone || e.Stage == StageUnitFailed
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID converts a textual run ID into the Event form. Run IDs that are
// not UUIDs are hashed into a stable name-based UUID.
func ParseRunID(runID string) [16]byte {
	if id, err := uuid.Parse(runID); err == nil {
		return UUIDToBytes(id)
	}
	return UUIDToBytes(uuid.NewSHA1(uuid.NameSpaceOID, []byte(runID)))
}
