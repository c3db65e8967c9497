package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"tvm-live-service/internal/app"
	"tvm-live-service/internal/domain"
	"tvm-live-service/internal/infra/keyspace"
)

// SessionStore keeps live session records in Redis so every server process sees the same state.
// Layout is described in package keyspace. Records that fail to decode are skipped.
type SessionStore struct {
	client    *redis.Client
	ttl       time.Duration
	recentCap int
	log       logrus.FieldLogger
}

func NewSessionStore(client *redis.Client, ttl time.Duration, recentCap int, log logrus.FieldLogger) *SessionStore {
	if recentCap <= 0 {
		recentCap = app.DefaultRecentCap
	}
	return &SessionStore{
		client:    client,
		ttl:       ttl,
		recentCap: recentCap,
		log:       log.WithField("component", "redis-store"),
	}
}

func (s *SessionStore) UpsertParticipant(ctx context.Context, sessionID string, p domain.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode participant: %w", err)
	}
	if err := s.client.HSet(ctx, keyspace.Participants(sessionID), p.UserID, data).Err(); err != nil {
		return storeErr("upsert participant", err)
	}
	return nil
}

func (s *SessionStore) GetParticipant(ctx context.Context, sessionID, userID string) (domain.Participant, bool, error) {
	raw, err := s.client.HGet(ctx, keyspace.Participants(sessionID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Participant{}, false, nil
	}
	if err != nil {
		return domain.Participant{}, false, storeErr("get participant", err)
	}
	p, ok := s.decodeParticipant(sessionID, userID, raw)
	return p, ok, nil
}

func (s *SessionStore) GetParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	raw, err := s.client.HGetAll(ctx, keyspace.Participants(sessionID)).Result()
	if err != nil {
		return nil, storeErr("list participants", err)
	}
	out := make([]domain.Participant, 0, len(raw))
	for userID, value := range raw {
		if p, ok := s.decodeParticipant(sessionID, userID, value); ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *SessionStore) decodeParticipant(sessionID, userID, raw string) (domain.Participant, bool) {
	var p domain.Participant
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"session": sessionID, "user": userID}).Debug("skipping malformed participant")
		return domain.Participant{}, false
	}
	p.UserID = userID
	p.SessionID = sessionID
	return p, true
}

func (s *SessionStore) RemoveParticipant(ctx context.Context, sessionID, userID string) error {
	if err := s.client.HDel(ctx, keyspace.Participants(sessionID), userID).Err(); err != nil {
		return storeErr("remove participant", err)
	}
	return nil
}

// IncrementTally uses HINCRBY so concurrent submitters never lose a count.
func (s *SessionStore) IncrementTally(ctx context.Context, sessionID, questionID, optionID, label, questionText string) error {
	field := keyspace.OptionField(optionID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, keyspace.TallyCounts(sessionID, questionID), field, 1)
		pipe.HSet(ctx, keyspace.TallyMeta(sessionID, questionID),
			field, label,
			keyspace.QuestionTextField, questionText,
		)
		return nil
	})
	if err != nil {
		return storeErr("increment tally", err)
	}
	return nil
}

func (s *SessionStore) GetTallies(ctx context.Context, sessionID, questionID string) (domain.QuestionTally, error) {
	var countsCmd, metaCmd *redis.MapStringStringCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		countsCmd = pipe.HGetAll(ctx, keyspace.TallyCounts(sessionID, questionID))
		metaCmd = pipe.HGetAll(ctx, keyspace.TallyMeta(sessionID, questionID))
		return nil
	})
	if err != nil {
		return domain.QuestionTally{}, storeErr("get tallies", err)
	}

	meta := metaCmd.Val()
	tally := domain.QuestionTally{
		QuestionID:   questionID,
		QuestionText: meta[keyspace.QuestionTextField],
		Options:      make(map[string]domain.OptionTally),
	}
	for field, value := range countsCmd.Val() {
		optionID, ok := keyspace.OptionID(field)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		tally.Options[optionID] = domain.OptionTally{Label: meta[field], Count: n}
	}
	return tally, nil
}

func (s *SessionStore) RegisterQuestion(ctx context.Context, sessionID, questionID string) error {
	if err := s.client.SAdd(ctx, keyspace.Questions(sessionID), questionID).Err(); err != nil {
		return storeErr("register question", err)
	}
	return nil
}

func (s *SessionStore) ListQuestions(ctx context.Context, sessionID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, keyspace.Questions(sessionID)).Result()
	if err != nil {
		return nil, storeErr("list questions", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// PushRecentAnswer runs LPUSH and LTRIM in one MULTI so the trim always sees its own push.
func (s *SessionStore) PushRecentAnswer(ctx context.Context, sessionID string, entry domain.RecentAnswer) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode recent answer: %w", err)
	}
	key := keyspace.RecentAnswers(sessionID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(s.recentCap-1))
		return nil
	})
	if err != nil {
		return storeErr("push recent answer", err)
	}
	return nil
}

func (s *SessionStore) RecentAnswers(ctx context.Context, sessionID string, limit int) ([]domain.RecentAnswer, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raw, err := s.client.LRange(ctx, keyspace.RecentAnswers(sessionID), 0, stop).Result()
	if err != nil {
		return nil, storeErr("recent answers", err)
	}
	out := make([]domain.RecentAnswer, 0, len(raw))
	for _, value := range raw {
		var entry domain.RecentAnswer
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			s.log.WithError(err).WithField("session", sessionID).Debug("skipping malformed recent answer")
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *SessionStore) TouchTTL(ctx context.Context, sessionID string, keys ...app.Key) error {
	if s.ttl <= 0 || len(keys) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Expire(ctx, keyspace.Resolve(sessionID, key), s.ttl)
		}
		return nil
	})
	if err != nil {
		return storeErr("refresh ttl", err)
	}
	return nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStoreUnavailable, op, err)
}
