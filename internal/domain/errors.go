package domain

import "errors"

var (
	// ErrInvalidEvent is matched by every validation failure on an inbound event.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrStoreUnavailable wraps session store I/O failures; callers may retry the whole event.
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrPartialUpdate means the participant was written but a later step of the answer failed.
	ErrPartialUpdate = errors.New("answer partially applied")
	// ErrParticipantNotFound is returned when a heartbeat targets an absent participant.
	ErrParticipantNotFound = errors.New("participant not found in session")
	// ErrNotJoined is returned on a push connection that sends events before joining.
	ErrNotJoined = errors.New("connection has not joined a session")
	// ErrIdentityMismatch is returned when a push event names another participant than the connection's.
	ErrIdentityMismatch = errors.New("event does not match the joined participant")
)

// FieldProblem describes one failing field of an inbound event.
type FieldProblem struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func (p FieldProblem) String() string {
	if p.Rule == "required" {
		return "missing required field: " + p.Field
	}
	return p.Field + " failed " + p.Rule
}

// ValidationError lists every failing field of a rejected event.
type ValidationError struct {
	Problems []FieldProblem
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return ErrInvalidEvent.Error()
	}
	return e.Problems[0].String()
}

// Is lets errors.Is(err, ErrInvalidEvent) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidEvent
}

// Details renders each problem for error responses.
func (e *ValidationError) Details() []string {
	out := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		out = append(out, p.String())
	}
	return out
}

// NewValidationError builds a single-field validation error.
func NewValidationError(field, rule string) *ValidationError {
	return &ValidationError{Problems: []FieldProblem{{Field: field, Rule: rule}}}
}
