package call

// State is where the local participant is in the join lifecycle.
type State int

const (
	Idle State = iota
	Requesting
	PendingApproval
	Active
	Rejected
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case PendingApproval:
		return "pending approval"
	case Active:
		return "active"
	case Rejected:
		return "rejected"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// canJoin reports whether Join may start a new Requesting cycle from s.
func (s State) canJoin() bool {
	return s == Idle || s == Rejected
}

// waiting reports whether a join-room request is outstanding.
func (s State) waiting() bool {
	return s == Requesting || s == PendingApproval
}
