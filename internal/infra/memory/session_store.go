package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tvm-live-service/internal/app"
	"tvm-live-service/internal/domain"
	"tvm-live-service/internal/infra/keyspace"
)

// SessionStore is an in-process implementation of app.SessionStore. It mirrors the Redis
// layout key for key, including per-key expiry, so both backends age sessions the same way.
// State is process-local: run a single instance or use the Redis store.
type SessionStore struct {
	ttl       time.Duration
	recentCap int
	now       func() time.Time

	mu    sync.Mutex
	items map[string]*item
}

// item holds the value of one key; only the fields of the key's kind are used.
type item struct {
	participants map[string]domain.Participant
	counts       map[string]int64
	labels       map[string]string
	questionText string
	members      map[string]struct{}
	answers      []domain.RecentAnswer
	expiresAt    time.Time // zero means no expiry
}

func NewSessionStore(ttl time.Duration, recentCap int) *SessionStore {
	return NewSessionStoreWithClock(ttl, recentCap, time.Now)
}

// NewSessionStoreWithClock lets tests move time forward.
func NewSessionStoreWithClock(ttl time.Duration, recentCap int, now func() time.Time) *SessionStore {
	if recentCap <= 0 {
		recentCap = app.DefaultRecentCap
	}
	return &SessionStore{
		ttl:       ttl,
		recentCap: recentCap,
		now:       now,
		items:     make(map[string]*item),
	}
}

func (s *SessionStore) UpsertParticipant(_ context.Context, sessionID string, p domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.ensureLocked(keyspace.Participants(sessionID))
	if it.participants == nil {
		it.participants = make(map[string]domain.Participant)
	}
	it.participants[p.UserID] = p
	return nil
}

func (s *SessionStore) GetParticipant(_ context.Context, sessionID, userID string) (domain.Participant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.lookupLocked(keyspace.Participants(sessionID))
	if it == nil {
		return domain.Participant{}, false, nil
	}
	p, ok := it.participants[userID]
	return p, ok, nil
}

func (s *SessionStore) GetParticipants(_ context.Context, sessionID string) ([]domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Participant, 0)
	it := s.lookupLocked(keyspace.Participants(sessionID))
	if it == nil {
		return out, nil
	}
	for _, p := range it.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *SessionStore) RemoveParticipant(_ context.Context, sessionID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyspace.Participants(sessionID)
	it := s.lookupLocked(key)
	if it == nil {
		return nil
	}
	delete(it.participants, userID)
	if len(it.participants) == 0 {
		// Redis drops a hash with no fields.
		delete(s.items, key)
	}
	return nil
}

func (s *SessionStore) IncrementTally(_ context.Context, sessionID, questionID, optionID, label, questionText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := s.ensureLocked(keyspace.TallyCounts(sessionID, questionID))
	if counts.counts == nil {
		counts.counts = make(map[string]int64)
	}
	counts.counts[optionID]++

	meta := s.ensureLocked(keyspace.TallyMeta(sessionID, questionID))
	if meta.labels == nil {
		meta.labels = make(map[string]string)
	}
	meta.labels[optionID] = label
	meta.questionText = questionText
	return nil
}

func (s *SessionStore) GetTallies(_ context.Context, sessionID, questionID string) (domain.QuestionTally, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tally := domain.QuestionTally{QuestionID: questionID, Options: make(map[string]domain.OptionTally)}
	counts := s.lookupLocked(keyspace.TallyCounts(sessionID, questionID))
	if counts == nil {
		return tally, nil
	}
	meta := s.lookupLocked(keyspace.TallyMeta(sessionID, questionID))
	for optionID, n := range counts.counts {
		opt := domain.OptionTally{Count: n}
		if meta != nil {
			opt.Label = meta.labels[optionID]
		}
		tally.Options[optionID] = opt
	}
	if meta != nil {
		tally.QuestionText = meta.questionText
	}
	return tally, nil
}

func (s *SessionStore) RegisterQuestion(_ context.Context, sessionID, questionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.ensureLocked(keyspace.Questions(sessionID))
	if it.members == nil {
		it.members = make(map[string]struct{})
	}
	it.members[questionID] = struct{}{}
	return nil
}

func (s *SessionStore) ListQuestions(_ context.Context, sessionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0)
	it := s.lookupLocked(keyspace.Questions(sessionID))
	if it == nil {
		return out, nil
	}
	for id := range it.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *SessionStore) PushRecentAnswer(_ context.Context, sessionID string, entry domain.RecentAnswer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.ensureLocked(keyspace.RecentAnswers(sessionID))
	answers := make([]domain.RecentAnswer, 0, len(it.answers)+1)
	answers = append(answers, entry)
	answers = append(answers, it.answers...)
	if len(answers) > s.recentCap {
		answers = answers[:s.recentCap]
	}
	it.answers = answers
	return nil
}

func (s *SessionStore) RecentAnswers(_ context.Context, sessionID string, limit int) ([]domain.RecentAnswer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RecentAnswer, 0)
	it := s.lookupLocked(keyspace.RecentAnswers(sessionID))
	if it == nil {
		return out, nil
	}
	n := len(it.answers)
	if limit > 0 && limit < n {
		n = limit
	}
	return append(out, it.answers[:n]...), nil
}

func (s *SessionStore) TouchTTL(_ context.Context, sessionID string, keys ...app.Key) error {
	if s.ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt := s.now().Add(s.ttl)
	for _, key := range keys {
		// Like EXPIRE, touching a missing key is a no-op.
		if it := s.lookupLocked(keyspace.Resolve(sessionID, key)); it != nil {
			it.expiresAt = expiresAt
		}
	}
	return nil
}

// PurgeExpired drops every expired key and reports how many were removed.
func (s *SessionStore) PurgeExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var removed int64
	for key, it := range s.items {
		if it.expired(now) {
			delete(s.items, key)
			removed++
		}
	}
	return removed, nil
}

func (s *SessionStore) lookupLocked(key string) *item {
	it, ok := s.items[key]
	if !ok {
		return nil
	}
	if it.expired(s.now()) {
		delete(s.items, key)
		return nil
	}
	return it
}

func (s *SessionStore) ensureLocked(key string) *item {
	if it := s.lookupLocked(key); it != nil {
		return it
	}
	it := &item{}
	s.items[key] = it
	return it
}

func (it *item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}
