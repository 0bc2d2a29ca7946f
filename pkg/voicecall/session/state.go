package session

import "fmt"

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateAnalyzing    State = "analyzing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transitions are possible for a call
// that has been started.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed:
		return true
	}
	return false
}

type trigger int

const (
	trigStart trigger = iota + 1
	trigConnectFailed
	trigHandshake
	trigFailure
	trigEnd
	trigTooShort
	trigAnalyzed
	trigAnalysisFailed
	trigAbort
)

func (t trigger) String() string {
	switch t {
	case trigStart:
		return "start"
	case trigConnectFailed:
		return "connect_failed"
	case trigHandshake:
		return "handshake"
	case trigFailure:
		return "failure"
	case trigEnd:
		return "end"
	case trigTooShort:
		return "too_short"
	case trigAnalyzed:
		return "analyzed"
	case trigAnalysisFailed:
		return "analysis_failed"
	case trigAbort:
		return "abort"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

type effect int

const (
	effAcquireMic effect = iota + 1
	effOpenTransport
	effSendInitiation
	effStartCapture
	effRelease
	effDiscardTranscript
	effRunPipeline
)

// transition is the whole call lifecycle: given the current state and a
// trigger it returns the next state and the side effects to run, in order.
func transition(s State, t trigger) (State, []effect, error) {
	switch {
	case s == StateDisconnected && t == trigStart:
		return StateConnecting, []effect{effAcquireMic, effOpenTransport}, nil
	case s == StateConnecting && t == trigConnectFailed:
		return StateDisconnected, []effect{effRelease}, nil
	case s == StateConnecting && t == trigHandshake:
		return StateConnected, []effect{effSendInitiation, effStartCapture}, nil
	case (s == StateConnecting || s == StateConnected) && (t == trigFailure || t == trigAbort):
		return StateDisconnected, []effect{effRelease, effDiscardTranscript}, nil
	case s == StateConnected && t == trigEnd:
		return StateAnalyzing, []effect{effRelease, effRunPipeline}, nil
	case s == StateAnalyzing && (t == trigTooShort || t == trigAnalysisFailed):
		return StateFailed, nil, nil
	case s == StateAnalyzing && t == trigAnalyzed:
		return StateCompleted, nil, nil
	}
	return s, nil, fmt.Errorf("invalid transition: %s on %s", t, s)
}
