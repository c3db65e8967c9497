package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"tvm-live-service/internal/app"
	"tvm-live-service/internal/domain"
)

func newTestStore(t *testing.T, ttl time.Duration, recentCap int) (*SessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewSessionStore(client, ttl, recentCap, log), mr
}

func TestSessionStoreParticipantsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, time.Hour, 50)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	correct := true
	alice := domain.Participant{UserID: "u1", DisplayName: "Alice", Score: 2, Attempted: 3, Progress: 40, JoinedAt: base, LastUpdate: base, LastAnswerCorrect: &correct}
	bob := domain.Participant{UserID: "u2", DisplayName: "Bob", JoinedAt: base.Add(time.Second), LastUpdate: base}
	if err := store.UpsertParticipant(ctx, "s1", bob); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpsertParticipant(ctx, "s1", alice); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !mr.Exists("quiz:s1:participants") {
		t.Fatalf("expected participants hash")
	}

	got, err := store.GetParticipants(ctx, "s1")
	if err != nil {
		t.Fatalf("get participants: %v", err)
	}
	if len(got) != 2 || got[0].UserID != "u1" || got[1].UserID != "u2" {
		t.Fatalf("expected u1,u2 in join order, got %+v", got)
	}
	if got[0].Score != 2 || got[0].SessionID != "s1" || got[0].LastAnswerCorrect == nil || !*got[0].LastAnswerCorrect {
		t.Fatalf("unexpected decoded participant: %+v", got[0])
	}

	if err := store.RemoveParticipant(ctx, "s1", "u1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, err := store.GetParticipant(ctx, "s1", "u1"); ok || err != nil {
		t.Fatalf("expected u1 absent, ok=%v err=%v", ok, err)
	}
}

func TestSessionStoreSkipsMalformedRecords(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, time.Hour, 50)

	_ = store.UpsertParticipant(ctx, "s1", domain.Participant{UserID: "u1", DisplayName: "Alice"})
	mr.HSet("quiz:s1:participants", "broken", "{not json")
	mr.Lpush("quiz:s1:recentAnswers", "garbage")

	got, err := store.GetParticipants(ctx, "s1")
	if err != nil {
		t.Fatalf("get participants: %v", err)
	}
	if len(got) != 1 || got[0].UserID != "u1" {
		t.Fatalf("expected malformed record skipped, got %+v", got)
	}
	if _, ok, err := store.GetParticipant(ctx, "s1", "broken"); ok || err != nil {
		t.Fatalf("expected malformed record treated as absent, ok=%v err=%v", ok, err)
	}
	answers, err := store.RecentAnswers(ctx, "s1", 10)
	if err != nil || len(answers) != 0 {
		t.Fatalf("expected malformed answer skipped, got %v (%v)", answers, err)
	}
}

func TestSessionStoreTalliesUseKeyLayout(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, time.Hour, 50)

	_ = store.IncrementTally(ctx, "s1", "q1", "b", "4%", "What is the rate?")
	_ = store.IncrementTally(ctx, "s1", "q1", "b", "4%", "What is the rate?")
	_ = store.IncrementTally(ctx, "s1", "q1", "a", "3%", "What is the rate?")
	_ = store.RegisterQuestion(ctx, "s1", "q1")

	if v := mr.HGet("quiz:s1:question:q1:counts", "option:b"); v != "2" {
		t.Fatalf("expected option:b count 2, got %q", v)
	}
	if v := mr.HGet("quiz:s1:question:q1:meta", "__questionText"); v != "What is the rate?" {
		t.Fatalf("unexpected question text %q", v)
	}

	tally, err := store.GetTallies(ctx, "s1", "q1")
	if err != nil {
		t.Fatalf("get tallies: %v", err)
	}
	if tally.TotalResponses() != 3 || tally.Options["a"].Label != "3%" {
		t.Fatalf("unexpected tally %+v", tally)
	}

	questions, err := store.ListQuestions(ctx, "s1")
	if err != nil || len(questions) != 1 || questions[0] != "q1" {
		t.Fatalf("expected [q1], got %v (%v)", questions, err)
	}
}

func TestSessionStoreRecentAnswersTrimmed(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, time.Hour, 3)

	for _, q := range []string{"q1", "q2", "q3", "q4", "q5"} {
		if err := store.PushRecentAnswer(ctx, "s1", domain.RecentAnswer{QuestionID: q}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	list, err := mr.List("quiz:s1:recentAnswers")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected list trimmed to 3, got %d", len(list))
	}
	got, _ := store.RecentAnswers(ctx, "s1", 2)
	if len(got) != 2 || got[0].QuestionID != "q5" || got[1].QuestionID != "q4" {
		t.Fatalf("expected newest first, got %+v", got)
	}
}

func TestSessionStoreTouchTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, time.Hour, 50)

	_ = store.UpsertParticipant(ctx, "s1", domain.Participant{UserID: "u1"})
	_ = store.IncrementTally(ctx, "s1", "q1", "a", "A", "Q")
	if err := store.TouchTTL(ctx, "s1", app.ParticipantsKey(), app.TallyCountsKey("q1"), app.TallyMetaKey("q1")); err != nil {
		t.Fatalf("touch: %v", err)
	}
	for _, key := range []string{"quiz:s1:participants", "quiz:s1:question:q1:counts", "quiz:s1:question:q1:meta"} {
		if ttl := mr.TTL(key); ttl != time.Hour {
			t.Fatalf("expected %s ttl 1h, got %v", key, ttl)
		}
	}

	mr.FastForward(time.Hour + time.Second)
	got, err := store.GetParticipants(ctx, "s1")
	if err != nil || len(got) != 0 {
		t.Fatalf("expected session expired, got %v (%v)", got, err)
	}
}

func TestSessionStoreWrapsConnectionErrors(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	store := NewSessionStore(client, time.Hour, 50, logrus.New())
	mr.Close()

	_, err = store.GetParticipants(context.Background(), "s1")
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
