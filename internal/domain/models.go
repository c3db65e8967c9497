package domain

import (
	"fmt"
	"time"
)

const (
	// DefaultDisplayName replaces blank participant names.
	DefaultDisplayName = "Anonymous"
	// EmptyAnswerLabel is stored instead of an empty answer label.
	EmptyAnswerLabel = "—"
	// DefaultQuestionText is rendered when a tally has no recorded question text.
	DefaultQuestionText = "Question"
)

// Participant is one quiz-taker's live state within a session.
type Participant struct {
	SessionID         string    `json:"sessionId"`
	UserID            string    `json:"id"`
	DisplayName       string    `json:"name"`
	Score             int       `json:"score"`
	Attempted         int       `json:"attempted"`
	Progress          float64   `json:"progress"` // percentage 0-100
	JoinedAt          time.Time `json:"joinedAt"`
	LastUpdate        time.Time `json:"lastUpdate"`
	LastQuestionID    string    `json:"lastQuestionId,omitempty"`
	LastAnswerLabel   string    `json:"lastAnswerLabel,omitempty"`
	LastAnswerCorrect *bool     `json:"lastAnswerIsCorrect,omitempty"`
}

// Ratio is score/attempted, zero when nothing was attempted.
func (p Participant) Ratio() float64 {
	if p.Attempted <= 0 {
		return 0
	}
	return float64(p.Score) / float64(p.Attempted)
}

// OptionTally holds the response count for one multiple-choice option.
type OptionTally struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// QuestionTally aggregates responses to one multiple-choice question within a session.
type QuestionTally struct {
	QuestionID   string                 `json:"questionId"`
	QuestionText string                 `json:"questionText"`
	Options      map[string]OptionTally `json:"options"`
}

// TotalResponses sums all option counts.
func (t QuestionTally) TotalResponses() int64 {
	var total int64
	for _, opt := range t.Options {
		total += opt.Count
	}
	return total
}

// RecentAnswer is an immutable activity log entry.
type RecentAnswer struct {
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName"`
	QuestionID   string    `json:"questionId"`
	QuestionText string    `json:"questionText"`
	AnswerLabel  string    `json:"answerLabel"`
	IsCorrect    bool      `json:"isCorrect"`
	Timestamp    time.Time `json:"timestamp"`
}

// ChoiceStat is one option in a question breakdown.
type ChoiceStat struct {
	OptionID string  `json:"optionId"`
	Label    string  `json:"label"`
	Count    int64   `json:"count"`
	Share    float64 `json:"share"` // fraction of totalResponses, 0-1
}

// QuestionStat is the derived breakdown for one question.
type QuestionStat struct {
	QuestionID     string       `json:"questionId"`
	QuestionText   string       `json:"questionText"`
	TotalResponses int64        `json:"totalResponses"`
	Choices        []ChoiceStat `json:"choices"`
}

// ScoreBands labels the SessionStats.Distribution buckets.
var ScoreBands = [4]string{"0-25%", "26-50%", "51-75%", "76-100%"}

// SessionStats are aggregate numbers computed from a participant snapshot.
type SessionStats struct {
	AverageProgress float64   `json:"averageProgress"`
	AverageScore    float64   `json:"averageScore"` // percent, over participants with attempts
	Distribution    [4]int    `json:"distribution"`
	Bands           [4]string `json:"bands"`
}

// SessionView is everything a viewer of a session needs in one read.
type SessionView struct {
	SessionID         string                  `json:"sessionId"`
	Participants      []Participant           `json:"participants"`
	TotalParticipants int                     `json:"totalParticipants"`
	QuestionStats     map[string]QuestionStat `json:"questionStats"`
	RecentAnswers     []RecentAnswer          `json:"recentAnswers"`
	Stats             SessionStats            `json:"stats"`
	Partial           bool                    `json:"partial,omitempty"`
}

// OptionFallbackLabel is rendered when an option has no stored label.
func OptionFallbackLabel(optionID string) string {
	return fmt.Sprintf("Option %s", optionID)
}
