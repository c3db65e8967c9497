// Package keyspace is the key layout shared by the key-value session stores.
//
//	quiz:{session}:participants                 hash  userId -> participant JSON
//	quiz:{session}:question:{question}:counts   hash  option:{id} -> count
//	quiz:{session}:question:{question}:meta     hash  option:{id} -> label, __questionText -> text
//	quiz:{session}:questions                    set   question ids with tally data
//	quiz:{session}:recentAnswers                list  answer JSON, newest first
package keyspace

import (
	"strings"

	"tvm-live-service/internal/app"
)

const (
	prefix = "quiz:"

	// OptionFieldPrefix prefixes option ids inside the counts and meta hashes.
	OptionFieldPrefix = "option:"
	// QuestionTextField holds the question text inside the meta hash.
	QuestionTextField = "__questionText"
)

func Participants(sessionID string) string {
	return prefix + sessionID + ":participants"
}

func TallyCounts(sessionID, questionID string) string {
	return prefix + sessionID + ":question:" + questionID + ":counts"
}

func TallyMeta(sessionID, questionID string) string {
	return prefix + sessionID + ":question:" + questionID + ":meta"
}

func Questions(sessionID string) string {
	return prefix + sessionID + ":questions"
}

func RecentAnswers(sessionID string) string {
	return prefix + sessionID + ":recentAnswers"
}

// Resolve maps a typed store key to its concrete name.
func Resolve(sessionID string, key app.Key) string {
	switch key.Kind {
	case app.KeyParticipants:
		return Participants(sessionID)
	case app.KeyTallyCounts:
		return TallyCounts(sessionID, key.QuestionID)
	case app.KeyTallyMeta:
		return TallyMeta(sessionID, key.QuestionID)
	case app.KeyQuestionRegistry:
		return Questions(sessionID)
	case app.KeyRecentAnswers:
		return RecentAnswers(sessionID)
	default:
		return ""
	}
}

// OptionField is the hash field of an option id.
func OptionField(optionID string) string {
	return OptionFieldPrefix + optionID
}

// OptionID strips the field prefix; ok is false for non-option fields.
func OptionID(field string) (string, bool) {
	if !strings.HasPrefix(field, OptionFieldPrefix) {
		return "", false
	}
	return strings.TrimPrefix(field, OptionFieldPrefix), true
}
