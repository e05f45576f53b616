package delivery

// State is a position in the delivery state machine.
type State int

const (
	StateIdle State = iota
	StateAttempting
	StateRecoverableFailure
	StateBackoffWait
	// Terminal states.
	StateSuccess
	StateAuthFailure
	StateRetryExhausted
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateRecoverableFailure:
		return "recoverable_failure"
	case StateBackoffWait:
		return "backoff_wait"
	case StateSuccess:
		return "success"
	case StateAuthFailure:
		return "auth_failure"
	case StateRetryExhausted:
		return "retry_exhausted"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the machine stops in s.
func (s State) Terminal() bool {
	return s >= StateSuccess
}

// FellBack reports whether s rewrites the artifact to the fallback URL.
func (s State) FellBack() bool {
	return s == StateAuthFailure || s == StateRetryExhausted || s == StateDisabled
}
