package worker

// State is the lifecycle phase of a Worker.
type State int32

// Worker states. A unit moves Fetching -> Draining for every grid point:
// Fetching while the page loads, Draining once listings are yielded and handed
// to the dedup gateway. A canceled run also reports Draining while the point
// in flight finishes. Failed lasts until the unit failure is persisted.
const (
	StateIdle State = iota
	StateFetching
	StateDraining
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
