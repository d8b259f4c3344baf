// Package transfer implements the upload and download state machines.
// A transfer owns its file handle exclusively; the handle is closed on
// completion, failure, or teardown, never shared, and teardown is
// idempotent.
package transfer

// State is the lifecycle of a transfer.
type State int

const (
	StateIdle State = iota
	StateActive
	StateCompleted
	StateFailed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// NegotiateResume decides the starting offset for a download given the
// requester's reported partial size and the source size. A partial at
// least as large as the source means the transfer is already complete;
// a partial larger than the source is untrustworthy and restarts from
// zero.
func NegotiateResume(reported, sourceSize int64) (offset int64, alreadyComplete bool) {
	switch {
	case reported >= sourceSize:
		if reported > sourceSize {
			return 0, false
		}
		return sourceSize, true
	case reported < 0:
		return 0, false
	default:
		return reported, false
	}
}
