package domain

// AnswerType discriminates how an answer is tallied.
type AnswerType string

const (
	AnswerMultipleChoice AnswerType = "multiple-choice"
	AnswerCalculation    AnswerType = "calculation"
)

// EventKind is the explicit tag of an inbound event.
type EventKind string

const (
	EventJoin      EventKind = "join"
	EventAnswer    EventKind = "answer"
	EventLeave     EventKind = "leave"
	EventHeartbeat EventKind = "heartbeat"
)

// JoinEvent enters (or re-enters) a session.
type JoinEvent struct {
	SessionID   string `json:"sessionId" validate:"required"`
	UserID      string `json:"userId" validate:"required"`
	DisplayName string `json:"userName" validate:"required"`
}

// AnswerEvent reports progress together with one submitted answer.
// Pointer fields distinguish an absent value from a zero value; an empty userName or
// questionText is accepted and replaced by a default.
type AnswerEvent struct {
	SessionID      string     `json:"sessionId" validate:"required"`
	UserID         string     `json:"userId" validate:"required"`
	DisplayName    *string    `json:"userName" validate:"required"`
	Score          *int       `json:"score" validate:"required,min=0"`
	Attempted      *int       `json:"attempted" validate:"required,min=0"`
	Progress       *float64   `json:"progress" validate:"required"`
	QuestionID     string     `json:"questionId" validate:"required"`
	QuestionText   *string    `json:"questionText" validate:"required"`
	AnswerType     AnswerType `json:"answerType" validate:"required,oneof=multiple-choice calculation"`
	AnswerOptionID string     `json:"answerOptionId,omitempty"`
	AnswerLabel    string     `json:"answerLabel,omitempty"`
	IsCorrect      *bool      `json:"isCorrect" validate:"required"`
}

// LeaveEvent removes a participant.
type LeaveEvent struct {
	SessionID string `json:"sessionId" validate:"required"`
	UserID    string `json:"userId" validate:"required"`
}

// HeartbeatEvent keeps a participant inside the staleness window without changing its stats.
type HeartbeatEvent struct {
	SessionID string `json:"sessionId" validate:"required"`
	UserID    string `json:"userId" validate:"required"`
}
