package compaction

// Trigger names what started a compaction
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerAuto   Trigger = "auto"
	TriggerSweep  Trigger = "sweep"
)

// Outcome is the tag of a Result
type Outcome int

const (
	OutcomeApplied Outcome = iota + 1
	OutcomeNoOp
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeNoOp:
		return "noop"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NoOp reasons
const (
	ReasonWithinThreshold = "history within threshold"
	ReasonNothingNew      = "nothing new to compact"
	ReasonCancelled       = "compaction cancelled before start"
)

// Result is the outcome of one compaction attempt. Which fields are meaningful
// depends on Outcome:
//   - Applied: Compacted, Kept, Telemetry
//   - NoOp: Reason
//   - Failed: Kind, Err
type Result struct {
	Outcome    Outcome
	SessionKey string
	Trigger    Trigger

	Compacted int
	Kept      int
	Telemetry Telemetry

	Reason string

	Kind FailureKind
	Err  error
}

func (r Result) Applied() bool { return r.Outcome == OutcomeApplied }
func (r Result) NoOp() bool    { return r.Outcome == OutcomeNoOp }
func (r Result) Failed() bool  { return r.Outcome == OutcomeFailed }

func appliedResult(key string, trigger Trigger, compacted, kept int, t Telemetry) Result {
	return Result{
		Outcome:    OutcomeApplied,
		SessionKey: key,
		Trigger:    trigger,
		Compacted:  compacted,
		Kept:       kept,
		Telemetry:  t,
	}
}

func noOpResult(key string, trigger Trigger, reason string) Result {
	return Result{Outcome: OutcomeNoOp, SessionKey: key, Trigger: trigger, Reason: reason}
}

func failedResult(key string, trigger Trigger, kind FailureKind, op string, err error) Result {
	return Result{
		Outcome:    OutcomeFailed,
		SessionKey: key,
		Trigger:    trigger,
		Kind:       kind,
		Err:        &CompactionError{Op: op, SessionKey: key, Kind: kind, Err: err},
	}
}
