package stream

// Phase is the lifecycle position of the connection.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseRetrying     Phase = "retrying"
	PhaseDisconnected Phase = "disconnected"
)

// State is the connection state reported to consumers.
type State struct {
	Phase        Phase
	IsConnected  bool
	IsConnecting bool
	IsRetrying   bool
	RetryAttempt int
	Err          error
}

func newState(phase Phase, attempt int, err error) State {
	return State{
		Phase:        phase,
		IsConnected:  phase == PhaseConnected,
		IsConnecting: phase == PhaseConnecting,
		IsRetrying:   phase == PhaseRetrying,
		RetryAttempt: attempt,
		Err:          err,
	}
}
