package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"tvm-live-service/internal/domain"
)

// IngestService validates client events and applies them to the session store.
// It is the only writer of session records.
type IngestService struct {
	store    SessionStore
	notifier Notifier
	validate *validator.Validate
	now      func() time.Time
	log      logrus.FieldLogger
}

func NewIngestService(store SessionStore, notifier Notifier, log logrus.FieldLogger) *IngestService {
	return NewIngestServiceWithClock(store, notifier, log, time.Now)
}

// NewIngestServiceWithClock allows deterministic timestamps in tests.
func NewIngestServiceWithClock(store SessionStore, notifier Notifier, log logrus.FieldLogger, now func() time.Time) *IngestService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &IngestService{
		store:    store,
		notifier: notifier,
		validate: newValidator(),
		now:      now,
		log:      log.WithField("component", "ingest"),
	}
}

// Join registers a participant or refreshes an existing one.
// A rejoin keeps score, attempts, progress and answer history.
func (s *IngestService) Join(ctx context.Context, event domain.JoinEvent) (domain.Participant, error) {
	if err := checkEvent(s.validate, event); err != nil {
		return domain.Participant{}, err
	}

	existing, found, err := s.store.GetParticipant(ctx, event.SessionID, event.UserID)
	if err != nil {
		return domain.Participant{}, err
	}

	now := s.now()
	participant := existing
	if !found {
		participant = domain.Participant{UserID: event.UserID, JoinedAt: now}
	}
	participant.SessionID = event.SessionID
	participant.DisplayName = sanitizeDisplayName(event.DisplayName)
	participant.LastUpdate = latest(now, existing.LastUpdate)

	if err := s.store.UpsertParticipant(ctx, event.SessionID, participant); err != nil {
		return domain.Participant{}, err
	}
	s.touch(ctx, event.SessionID, ParticipantsKey())
	s.notifier.SessionChanged(ctx, event.SessionID)

	s.log.WithFields(logrus.Fields{"session": event.SessionID, "user": event.UserID, "rejoin": found}).Debug("participant joined")
	return participant, nil
}

// SubmitAnswer stores the participant's new stats, tallies multiple-choice answers and logs the answer.
// When the participant write succeeds but a later step fails the error matches domain.ErrPartialUpdate.
func (s *IngestService) SubmitAnswer(ctx context.Context, event domain.AnswerEvent) (domain.Participant, error) {
	if err := checkEvent(s.validate, event); err != nil {
		return domain.Participant{}, err
	}
	if *event.Score > *event.Attempted {
		return domain.Participant{}, domain.NewValidationError("score", "ltefield=attempted")
	}

	existing, found, err := s.store.GetParticipant(ctx, event.SessionID, event.UserID)
	if err != nil {
		return domain.Participant{}, err
	}

	now := s.now()
	name := sanitizeDisplayName(stringValue(event.DisplayName))
	questionText := stringValue(event.QuestionText)
	label := sanitizeAnswerLabel(event.AnswerLabel)
	correct := *event.IsCorrect

	participant := existing
	if !found {
		participant = domain.Participant{UserID: event.UserID, JoinedAt: now}
	}
	participant.SessionID = event.SessionID
	participant.DisplayName = name
	participant.Score = *event.Score
	participant.Attempted = *event.Attempted
	participant.Progress = clampProgress(*event.Progress)
	participant.LastUpdate = latest(now, existing.LastUpdate)
	participant.LastQuestionID = event.QuestionID
	participant.LastAnswerLabel = label
	participant.LastAnswerCorrect = &correct

	if err := s.store.UpsertParticipant(ctx, event.SessionID, participant); err != nil {
		return domain.Participant{}, err
	}
	s.touch(ctx, event.SessionID, ParticipantsKey())
	defer s.notifier.SessionChanged(ctx, event.SessionID)

	var failures []error
	if event.AnswerType == domain.AnswerMultipleChoice && event.AnswerOptionID != "" {
		if err := s.recordChoice(ctx, event, label, questionText); err != nil {
			failures = append(failures, fmt.Errorf("tally: %w", err))
		}
	}

	entry := domain.RecentAnswer{
		UserID:       event.UserID,
		UserName:     name,
		QuestionID:   event.QuestionID,
		QuestionText: questionText,
		AnswerLabel:  label,
		IsCorrect:    correct,
		Timestamp:    now,
	}
	if err := s.store.PushRecentAnswer(ctx, event.SessionID, entry); err != nil {
		failures = append(failures, fmt.Errorf("recent answers: %w", err))
	} else {
		s.touch(ctx, event.SessionID, RecentAnswersKey())
	}

	if len(failures) > 0 {
		err := fmt.Errorf("%w: %w", domain.ErrPartialUpdate, errors.Join(failures...))
		s.log.WithError(err).WithFields(logrus.Fields{"session": event.SessionID, "user": event.UserID}).Warn("answer partially applied")
		return participant, err
	}
	return participant, nil
}

func (s *IngestService) recordChoice(ctx context.Context, event domain.AnswerEvent, label, questionText string) error {
	if err := s.store.IncrementTally(ctx, event.SessionID, event.QuestionID, event.AnswerOptionID, label, questionText); err != nil {
		return err
	}
	if err := s.store.RegisterQuestion(ctx, event.SessionID, event.QuestionID); err != nil {
		return err
	}
	s.touch(ctx, event.SessionID,
		TallyCountsKey(event.QuestionID),
		TallyMetaKey(event.QuestionID),
		QuestionRegistryKey(),
	)
	return nil
}

// Leave removes the participant; leaving twice is not an error.
func (s *IngestService) Leave(ctx context.Context, event domain.LeaveEvent) error {
	if err := checkEvent(s.validate, event); err != nil {
		return err
	}
	if err := s.store.RemoveParticipant(ctx, event.SessionID, event.UserID); err != nil {
		return err
	}
	s.notifier.SessionChanged(ctx, event.SessionID)
	s.log.WithFields(logrus.Fields{"session": event.SessionID, "user": event.UserID}).Debug("participant left")
	return nil
}

// Heartbeat refreshes LastUpdate so an idle participant is not treated as stale.
// It returns domain.ErrParticipantNotFound when the record is gone; callers may rejoin.
func (s *IngestService) Heartbeat(ctx context.Context, event domain.HeartbeatEvent) error {
	if err := checkEvent(s.validate, event); err != nil {
		return err
	}
	participant, found, err := s.store.GetParticipant(ctx, event.SessionID, event.UserID)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrParticipantNotFound
	}
	participant.LastUpdate = latest(s.now(), participant.LastUpdate)
	if err := s.store.UpsertParticipant(ctx, event.SessionID, participant); err != nil {
		return err
	}
	s.touch(ctx, event.SessionID, ParticipantsKey())
	return nil
}

// touch refreshes key expiry. Failures are logged and never fail the write.
func (s *IngestService) touch(ctx context.Context, sessionID string, keys ...Key) {
	if err := s.store.TouchTTL(ctx, sessionID, keys...); err != nil {
		s.log.WithError(err).WithField("session", sessionID).Warn("ttl refresh failed")
	}
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
