package dedupe

// State is a coordination step a request passes through
type State int

const (
	StateReceived State = iota
	StateCacheProbe
	StateShortCircuit
	StateAdmissionCheck
	StateRejectedBusy
	StateLockAttempt
	StateLockAcquired
	StateRejectedDuplicate
	StateCompleting
	StateReleased
	StateFailOpen
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateCacheProbe:
		return "cache_probe"
	case StateShortCircuit:
		return "short_circuit"
	case StateAdmissionCheck:
		return "admission_check"
	case StateRejectedBusy:
		return "rejected_busy"
	case StateLockAttempt:
		return "lock_attempt"
	case StateLockAcquired:
		return "lock_acquired"
	case StateRejectedDuplicate:
		return "rejected_duplicate"
	case StateCompleting:
		return "completing"
	case StateReleased:
		return "released"
	case StateFailOpen:
		return "fail_open"
	default:
		return "unknown"
	}
}
