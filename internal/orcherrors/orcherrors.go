// Package orcherrors defines the orchestration core's error-kind
// taxonomy as typed, errors.Is-friendly sentinels, following the
// teacher's grpc_client.go habit of package-level `var errX = errors.New(...)`
// sentinels instead of ad-hoc string matching.
package orcherrors

import "errors"

// Kind classifies an error into one of the taxonomy's fixed set so
// callers (chiefly the Orchestrator) can decide recovery vs. surfacing
// without string matching.
type Kind string

const (
	KindInvalidInput         Kind = "invalid_input"
	KindUnauthorized         Kind = "unauthorized"
	KindNoSuchTool           Kind = "no_such_tool"
	KindInvalidArgs          Kind = "invalid_args"
	KindToolTimeout          Kind = "tool_timeout"
	KindToolFailed           Kind = "tool_failed"
	KindLLMUnavailable       Kind = "llm_unavailable"
	KindAgentParseFailed     Kind = "agent_parse_failed"
	KindCancelled            Kind = "cancelled"
	KindTurnBudgetExceeded   Kind = "turn_budget_exceeded"
	KindGoalPreconditionFail Kind = "goal_precondition_failed"
	KindSubscriberBackpressure Kind = "subscriber_backpressure"
	KindInternal             Kind = "internal"
)

var (
	ErrInvalidInput         = errors.New(string(KindInvalidInput))
	ErrUnauthorized         = errors.New(string(KindUnauthorized))
	ErrNoSuchTool           = errors.New(string(KindNoSuchTool))
	ErrInvalidArgs          = errors.New(string(KindInvalidArgs))
	ErrToolTimeout          = errors.New(string(KindToolTimeout))
	ErrToolFailed           = errors.New(string(KindToolFailed))
	ErrLLMUnavailable       = errors.New(string(KindLLMUnavailable))
	ErrAgentParseFailed     = errors.New(string(KindAgentParseFailed))
	ErrCancelled            = errors.New(string(KindCancelled))
	ErrTurnBudgetExceeded   = errors.New(string(KindTurnBudgetExceeded))
	ErrGoalPreconditionFail = errors.New(string(KindGoalPreconditionFail))
	ErrSubscriberBackpressure = errors.New(string(KindSubscriberBackpressure))
	ErrInternal             = errors.New(string(KindInternal))
)

var kindBySentinel = map[error]Kind{
	ErrInvalidInput:           KindInvalidInput,
	ErrUnauthorized:           KindUnauthorized,
	ErrNoSuchTool:             KindNoSuchTool,
	ErrInvalidArgs:            KindInvalidArgs,
	ErrToolTimeout:            KindToolTimeout,
	ErrToolFailed:             KindToolFailed,
	ErrLLMUnavailable:         KindLLMUnavailable,
	ErrAgentParseFailed:       KindAgentParseFailed,
	ErrCancelled:              KindCancelled,
	ErrTurnBudgetExceeded:     KindTurnBudgetExceeded,
	ErrGoalPreconditionFail:   KindGoalPreconditionFail,
	ErrSubscriberBackpressure: KindSubscriberBackpressure,
	ErrInternal:               KindInternal,
}

// KindOf classifies err against the taxonomy's sentinels via errors.Is.
// An err matching none of them classifies as KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for sentinel, kind := range kindBySentinel {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

// Recoverable reports whether the orchestrator should attempt local
// recovery for this kind rather than surface it (§7 propagation policy).
func Recoverable(k Kind) bool {
	switch k {
	case KindToolTimeout, KindAgentParseFailed, KindLLMUnavailable, KindSubscriberBackpressure:
		return true
	default:
		return false
	}
}

// TerminatesTurn reports whether this kind ends a Turn outright rather
// than surfacing as a single step failure.
func TerminatesTurn(k Kind) bool {
	switch k {
	case KindCancelled, KindTurnBudgetExceeded, KindInternal:
		return true
	default:
		return false
	}
}
