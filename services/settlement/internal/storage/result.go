package storage

// TransitionOutcome distinguishes an applied transition from the expected
// no-ops under at-least-once delivery. Stale requests are normal returns,
// not errors.
type TransitionOutcome int

const (
	TransitionApplied TransitionOutcome = iota
	TransitionAlreadyApplied
	TransitionRejected
)

func (o TransitionOutcome) String() string {
	switch o {
	case TransitionApplied:
		return "applied"
	case TransitionAlreadyApplied:
		return "already_applied"
	case TransitionRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type TransitionResult struct {
	Outcome   TransitionOutcome
	From      OrderStatus
	To        OrderStatus
	Reason    string
	RetryLeft int
}

func applied(from, to OrderStatus) TransitionResult {
	return TransitionResult{Outcome: TransitionApplied, From: from, To: to}
}

func alreadyApplied(current OrderStatus) TransitionResult {
	return TransitionResult{Outcome: TransitionAlreadyApplied, From: current, To: current}
}

func rejected(current OrderStatus, reason string) TransitionResult {
	return TransitionResult{Outcome: TransitionRejected, From: current, To: current, Reason: reason}
}
