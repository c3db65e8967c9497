package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"
	"tvm-live-service/internal/app"
	"tvm-live-service/internal/domain"
)

// SessionStore keeps live session records in Postgres. Every row carries expires_at; reads
// ignore expired rows and PurgeExpired reclaims them. Schema lives in the migrations package.
type SessionStore struct {
	pool      *pgxpool.Pool
	ttl       time.Duration
	recentCap int
	log       logrus.FieldLogger
}

func NewSessionStore(pool *pgxpool.Pool, ttl time.Duration, recentCap int, log logrus.FieldLogger) *SessionStore {
	if recentCap <= 0 {
		recentCap = app.DefaultRecentCap
	}
	if ttl <= 0 {
		ttl = app.DefaultSessionTTL
	}
	return &SessionStore{
		pool:      pool,
		ttl:       ttl,
		recentCap: recentCap,
		log:       log.WithField("component", "postgres-store"),
	}
}

func (s *SessionStore) ttlSeconds() float64 {
	return s.ttl.Seconds()
}

func (s *SessionStore) UpsertParticipant(ctx context.Context, sessionID string, p domain.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode participant: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO live_participants (session_id, user_id, data, joined_at, expires_at)
		VALUES ($1, $2, $3, $4, now() + $5 * interval '1 second')
		ON CONFLICT (session_id, user_id) DO UPDATE
		SET data = EXCLUDED.data, joined_at = EXCLUDED.joined_at, expires_at = EXCLUDED.expires_at`,
		sessionID, p.UserID, string(data), p.JoinedAt, s.ttlSeconds())
	if err != nil {
		return storeErr("upsert participant", err)
	}
	return nil
}

func (s *SessionStore) GetParticipant(ctx context.Context, sessionID, userID string) (domain.Participant, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT data FROM live_participants
		WHERE session_id = $1 AND user_id = $2 AND expires_at > now()`,
		sessionID, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Participant{}, false, nil
	}
	if err != nil {
		return domain.Participant{}, false, storeErr("get participant", err)
	}
	p, ok := s.decodeParticipant(sessionID, userID, raw)
	return p, ok, nil
}

func (s *SessionStore) GetParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, data FROM live_participants
		WHERE session_id = $1 AND expires_at > now()
		ORDER BY joined_at, user_id`, sessionID)
	if err != nil {
		return nil, storeErr("list participants", err)
	}
	defer rows.Close()

	out := make([]domain.Participant, 0)
	for rows.Next() {
		var userID string
		var raw []byte
		if err := rows.Scan(&userID, &raw); err != nil {
			return nil, storeErr("scan participant", err)
		}
		if p, ok := s.decodeParticipant(sessionID, userID, raw); ok {
			out = append(out, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list participants", err)
	}
	return out, nil
}

func (s *SessionStore) decodeParticipant(sessionID, userID string, raw []byte) (domain.Participant, bool) {
	var p domain.Participant
	if err := json.Unmarshal(raw, &p); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"session": sessionID, "user": userID}).Debug("skipping malformed participant")
		return domain.Participant{}, false
	}
	p.UserID = userID
	p.SessionID = sessionID
	return p, true
}

func (s *SessionStore) RemoveParticipant(ctx context.Context, sessionID, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM live_participants WHERE session_id = $1 AND user_id = $2`, sessionID, userID)
	if err != nil {
		return storeErr("remove participant", err)
	}
	return nil
}

// IncrementTally relies on the row lock taken by ON CONFLICT DO UPDATE, so concurrent
// increments of one option serialize. An expired row restarts from one.
func (s *SessionStore) IncrementTally(ctx context.Context, sessionID, questionID, optionID, label, questionText string) error {
	labels, err := json.Marshal(map[string]string{optionID: label})
	if err != nil {
		return fmt.Errorf("encode label: %w", err)
	}
	err = s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO live_tally_counts (session_id, question_id, option_id, count, expires_at)
			VALUES ($1, $2, $3, 1, now() + $4 * interval '1 second')
			ON CONFLICT (session_id, question_id, option_id) DO UPDATE
			SET count = CASE WHEN live_tally_counts.expires_at <= now() THEN 1 ELSE live_tally_counts.count + 1 END,
			    expires_at = EXCLUDED.expires_at`,
			sessionID, questionID, optionID, s.ttlSeconds()); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO live_tally_meta (session_id, question_id, question_text, labels, expires_at)
			VALUES ($1, $2, $3, $4, now() + $5 * interval '1 second')
			ON CONFLICT (session_id, question_id) DO UPDATE
			SET question_text = EXCLUDED.question_text,
			    labels = CASE WHEN live_tally_meta.expires_at <= now() THEN EXCLUDED.labels
			                  ELSE live_tally_meta.labels || EXCLUDED.labels END,
			    expires_at = EXCLUDED.expires_at`,
			sessionID, questionID, questionText, string(labels), s.ttlSeconds())
		return err
	})
	if err != nil {
		return storeErr("increment tally", err)
	}
	return nil
}

func (s *SessionStore) GetTallies(ctx context.Context, sessionID, questionID string) (domain.QuestionTally, error) {
	tally := domain.QuestionTally{QuestionID: questionID, Options: make(map[string]domain.OptionTally)}

	labels := map[string]string{}
	var rawLabels []byte
	err := s.pool.QueryRow(ctx, `
		SELECT question_text, labels FROM live_tally_meta
		WHERE session_id = $1 AND question_id = $2 AND expires_at > now()`,
		sessionID, questionID).Scan(&tally.QuestionText, &rawLabels)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return domain.QuestionTally{}, storeErr("get tally meta", err)
	default:
		if err := json.Unmarshal(rawLabels, &labels); err != nil {
			s.log.WithError(err).WithField("session", sessionID).Debug("skipping malformed tally labels")
		}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT option_id, count FROM live_tally_counts
		WHERE session_id = $1 AND question_id = $2 AND expires_at > now()`,
		sessionID, questionID)
	if err != nil {
		return domain.QuestionTally{}, storeErr("get tally counts", err)
	}
	defer rows.Close()
	for rows.Next() {
		var optionID string
		var count int64
		if err := rows.Scan(&optionID, &count); err != nil {
			return domain.QuestionTally{}, storeErr("scan tally", err)
		}
		tally.Options[optionID] = domain.OptionTally{Label: labels[optionID], Count: count}
	}
	if err := rows.Err(); err != nil {
		return domain.QuestionTally{}, storeErr("get tally counts", err)
	}
	return tally, nil
}

func (s *SessionStore) RegisterQuestion(ctx context.Context, sessionID, questionID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO live_questions (session_id, question_id, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 second')
		ON CONFLICT (session_id, question_id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		sessionID, questionID, s.ttlSeconds())
	if err != nil {
		return storeErr("register question", err)
	}
	return nil
}

func (s *SessionStore) ListQuestions(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT question_id FROM live_questions
		WHERE session_id = $1 AND expires_at > now()
		ORDER BY question_id`, sessionID)
	if err != nil {
		return nil, storeErr("list questions", err)
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan question", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list questions", err)
	}
	return ids, nil
}

// PushRecentAnswer inserts and trims under a per-session advisory lock so concurrent pushes
// cannot interleave their trims.
func (s *SessionStore) PushRecentAnswer(ctx context.Context, sessionID string, entry domain.RecentAnswer) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode recent answer: %w", err)
	}
	err = s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "recent:"+sessionID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO live_recent_answers (session_id, data, expires_at)
			VALUES ($1, $2, now() + $3 * interval '1 second')`,
			sessionID, string(data), s.ttlSeconds()); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			DELETE FROM live_recent_answers
			WHERE session_id = $1 AND id NOT IN (
				SELECT id FROM live_recent_answers
				WHERE session_id = $1 AND expires_at > now()
				ORDER BY id DESC LIMIT $2)`,
			sessionID, s.recentCap)
		return err
	})
	if err != nil {
		return storeErr("push recent answer", err)
	}
	return nil
}

func (s *SessionStore) RecentAnswers(ctx context.Context, sessionID string, limit int) ([]domain.RecentAnswer, error) {
	if limit <= 0 || limit > s.recentCap {
		limit = s.recentCap
	}
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM live_recent_answers
		WHERE session_id = $1 AND expires_at > now()
		ORDER BY id DESC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, storeErr("recent answers", err)
	}
	defer rows.Close()
	out := make([]domain.RecentAnswer, 0, limit)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, storeErr("scan recent answer", err)
		}
		var entry domain.RecentAnswer
		if err := json.Unmarshal(raw, &entry); err != nil {
			s.log.WithError(err).WithField("session", sessionID).Debug("skipping malformed recent answer")
			continue
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("recent answers", err)
	}
	return out, nil
}

// TouchTTL extends the unexpired rows behind each key. Expired rows stay expired, like a
// Redis key that is gone before EXPIRE runs.
func (s *SessionStore) TouchTTL(ctx context.Context, sessionID string, keys ...app.Key) error {
	if len(keys) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, key := range keys {
		switch key.Kind {
		case app.KeyParticipants:
			batch.Queue(`UPDATE live_participants SET expires_at = now() + $2 * interval '1 second'
				WHERE session_id = $1 AND expires_at > now()`, sessionID, s.ttlSeconds())
		case app.KeyTallyCounts:
			batch.Queue(`UPDATE live_tally_counts SET expires_at = now() + $3 * interval '1 second'
				WHERE session_id = $1 AND question_id = $2 AND expires_at > now()`, sessionID, key.QuestionID, s.ttlSeconds())
		case app.KeyTallyMeta:
			batch.Queue(`UPDATE live_tally_meta SET expires_at = now() + $3 * interval '1 second'
				WHERE session_id = $1 AND question_id = $2 AND expires_at > now()`, sessionID, key.QuestionID, s.ttlSeconds())
		case app.KeyQuestionRegistry:
			batch.Queue(`UPDATE live_questions SET expires_at = now() + $2 * interval '1 second'
				WHERE session_id = $1 AND expires_at > now()`, sessionID, s.ttlSeconds())
		case app.KeyRecentAnswers:
			batch.Queue(`UPDATE live_recent_answers SET expires_at = now() + $2 * interval '1 second'
				WHERE session_id = $1 AND expires_at > now()`, sessionID, s.ttlSeconds())
		}
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return storeErr("refresh ttl", err)
		}
	}
	return nil
}

// PurgeExpired deletes expired rows from every table.
func (s *SessionStore) PurgeExpired(ctx context.Context) (int64, error) {
	var removed int64
	for _, table := range []string{"live_participants", "live_tally_counts", "live_tally_meta", "live_questions", "live_recent_answers"} {
		tag, err := s.pool.Exec(ctx, `DELETE FROM `+table+` WHERE expires_at <= now()`)
		if err != nil {
			return removed, storeErr("purge "+table, err)
		}
		removed += tag.RowsAffected()
	}
	return removed, nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStoreUnavailable, op, err)
}
