package pipeline

// Phase is the state of an invocation.
//
//	NotStarted -> Entering(0..n-1) -> Handler -> Exiting(n-1..0) -> Done
//	Entering(i) -> Aborting(i) -> Exiting(i-1..0) -> Failed
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseEntering
	PhaseHandler
	PhaseExiting
	PhaseAborting
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseEntering:
		return "entering"
	case PhaseHandler:
		return "handler"
	case PhaseExiting:
		return "exiting"
	case PhaseAborting:
		return "aborting"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether p ends an invocation.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Transition describes a state change of one invocation. Index is the stage
// position, or -1 when the transition is not tied to a stage.
type Transition struct {
	RequestID string
	Phase     Phase
	Stage     string
	Index     int
}
