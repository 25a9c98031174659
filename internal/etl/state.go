package etl

// State is a stage of the coordinator's micro-batch cycle.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateTransforming
	StateQuarantining
	StateCommitting
	StateRetrying
	StateCheckpointAdvance
	StateFatal
)

var stateNames = [...]string{
	StateIdle:              "Idle",
	StatePolling:           "Polling",
	StateTransforming:      "Transforming",
	StateQuarantining:      "Quarantining",
	StateCommitting:        "Committing",
	StateRetrying:          "Retrying",
	StateCheckpointAdvance: "CheckpointAdvance",
	StateFatal:             "Fatal",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// validTransitions lists the edges of the cycle. Any state may move to Fatal.
// Polling goes straight to CheckpointAdvance when a replayed batch is
// already present in the sink.
var validTransitions = map[State][]State{
	StateIdle:              {StatePolling},
	StatePolling:           {StateIdle, StateTransforming, StateCheckpointAdvance},
	StateTransforming:      {StateQuarantining, StateCommitting, StateCheckpointAdvance},
	StateQuarantining:      {StateTransforming, StateCommitting, StateCheckpointAdvance},
	StateCommitting:        {StateRetrying, StateCheckpointAdvance},
	StateRetrying:          {StateCommitting},
	StateCheckpointAdvance: {StateIdle},
}

// CanTransition reports whether the cycle allows moving from s to next.
func (s State) CanTransition(next State) bool {
	if next == StateFatal {
		return s != StateFatal
	}
	for _, t := range validTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}
