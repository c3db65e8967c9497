package app

import (
	"context"
	"time"

	"tvm-live-service/internal/domain"
)

const (
	// DefaultSessionTTL is how long every key of a session lives after its last refreshing write.
	DefaultSessionTTL = time.Hour
	// DefaultRecentCap is the number of recent answers kept per session.
	DefaultRecentCap = 50
	// DefaultRecentLimit is the number of recent answers surfaced to viewers.
	DefaultRecentLimit = 20
	// DefaultStaleAfter is the staleness threshold for live participant views.
	DefaultStaleAfter = 30 * time.Second
)

// KeyKind names one storage namespace under a session.
type KeyKind int

const (
	KeyParticipants KeyKind = iota
	KeyTallyCounts
	KeyTallyMeta
	KeyQuestionRegistry
	KeyRecentAnswers
)

func (k KeyKind) String() string {
	switch k {
	case KeyParticipants:
		return "participants"
	case KeyTallyCounts:
		return "tally-counts"
	case KeyTallyMeta:
		return "tally-meta"
	case KeyQuestionRegistry:
		return "questions"
	case KeyRecentAnswers:
		return "recent-answers"
	default:
		return "unknown"
	}
}

// Key identifies one storage namespace of a session. QuestionID is set for the tally kinds only.
type Key struct {
	Kind       KeyKind
	QuestionID string
}

// ParticipantsKey and the helpers below build Keys for TouchTTL.
func ParticipantsKey() Key { return Key{Kind: KeyParticipants} }

func TallyCountsKey(questionID string) Key { return Key{Kind: KeyTallyCounts, QuestionID: questionID} }

func TallyMetaKey(questionID string) Key { return Key{Kind: KeyTallyMeta, QuestionID: questionID} }

func QuestionRegistryKey() Key { return Key{Kind: KeyQuestionRegistry} }

func RecentAnswersKey() Key { return Key{Kind: KeyRecentAnswers} }

// SessionStore abstracts where live session records are kept (in-memory, Redis, Postgres).
// Implementations wrap every I/O failure with domain.ErrStoreUnavailable and never retry.
type SessionStore interface {
	// UpsertParticipant replaces the participant record keyed by UserID.
	UpsertParticipant(ctx context.Context, sessionID string, p domain.Participant) error
	// GetParticipant reports ok=false for absent or unreadable records.
	GetParticipant(ctx context.Context, sessionID, userID string) (domain.Participant, bool, error)
	// GetParticipants returns participants ordered by (JoinedAt, UserID); unknown sessions yield an empty list.
	GetParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)
	// RemoveParticipant is idempotent.
	RemoveParticipant(ctx context.Context, sessionID, userID string) error
	// IncrementTally atomically adds one to an option count and records label and question text.
	IncrementTally(ctx context.Context, sessionID, questionID, optionID, label, questionText string) error
	// GetTallies returns an empty tally when nothing was recorded.
	GetTallies(ctx context.Context, sessionID, questionID string) (domain.QuestionTally, error)
	RegisterQuestion(ctx context.Context, sessionID, questionID string) error
	ListQuestions(ctx context.Context, sessionID string) ([]string, error)
	// PushRecentAnswer prepends and trims to the store's cap as one operation.
	PushRecentAnswer(ctx context.Context, sessionID string, entry domain.RecentAnswer) error
	// RecentAnswers returns up to limit entries, newest first.
	RecentAnswers(ctx context.Context, sessionID string, limit int) ([]domain.RecentAnswer, error)
	// TouchTTL resets the expiry of the given keys to the store's session TTL.
	TouchTTL(ctx context.Context, sessionID string, keys ...Key) error
}

// Purger is implemented by stores whose expired records must be swept explicitly.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}
