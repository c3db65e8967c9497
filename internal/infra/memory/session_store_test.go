package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"tvm-live-service/internal/app"
	"tvm-live-service/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSessionStoreParticipantLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore(time.Hour, 50)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	_ = store.UpsertParticipant(ctx, "s1", domain.Participant{UserID: "u2", DisplayName: "Bob", JoinedAt: base})
	_ = store.UpsertParticipant(ctx, "s1", domain.Participant{UserID: "u1", DisplayName: "Alice", JoinedAt: base})
	_ = store.UpsertParticipant(ctx, "s1", domain.Participant{UserID: "u0", DisplayName: "Zed", JoinedAt: base.Add(time.Second)})

	got, err := store.GetParticipants(ctx, "s1")
	if err != nil {
		t.Fatalf("get participants: %v", err)
	}
	if len(got) != 3 || got[0].UserID != "u1" || got[1].UserID != "u2" || got[2].UserID != "u0" {
		t.Fatalf("expected join order u1,u2,u0, got %+v", got)
	}

	if err := store.RemoveParticipant(ctx, "s1", "u2"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.RemoveParticipant(ctx, "s1", "u2"); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
	if _, ok, _ := store.GetParticipant(ctx, "s1", "u2"); ok {
		t.Fatalf("expected u2 removed")
	}

	empty, err := store.GetParticipants(ctx, "unknown")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil list for unknown session, got %v (%v)", empty, err)
	}
}

func TestSessionStoreKeysExpireAfterTTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewSessionStoreWithClock(time.Minute, 50, clock.Now)

	_ = store.UpsertParticipant(ctx, "s1", domain.Participant{UserID: "u1"})
	_ = store.TouchTTL(ctx, "s1", app.ParticipantsKey())
	_ = store.IncrementTally(ctx, "s1", "q1", "a", "A", "Q1")
	_ = store.TouchTTL(ctx, "s1", app.TallyCountsKey("q1"))

	clock.Advance(30 * time.Second)
	// Refreshing participants only; the tally keeps its original deadline.
	_ = store.TouchTTL(ctx, "s1", app.ParticipantsKey())
	clock.Advance(45 * time.Second)

	if _, ok, _ := store.GetParticipant(ctx, "s1", "u1"); !ok {
		t.Fatalf("expected refreshed participant to survive")
	}
	tally, _ := store.GetTallies(ctx, "s1", "q1")
	if tally.TotalResponses() != 0 {
		t.Fatalf("expected tally counts to expire, got %+v", tally)
	}

	clock.Advance(time.Minute)
	got, _ := store.GetParticipants(ctx, "s1")
	if len(got) != 0 {
		t.Fatalf("expected participants to expire, got %+v", got)
	}
}

func TestSessionStoreTouchMissingKeyIsNoop(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore(time.Minute, 50)
	if err := store.TouchTTL(ctx, "s1", app.RecentAnswersKey(), app.QuestionRegistryKey()); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if n, _ := store.PurgeExpired(ctx); n != 0 {
		t.Fatalf("expected nothing to purge, got %d", n)
	}
	qs, _ := store.ListQuestions(ctx, "s1")
	if len(qs) != 0 {
		t.Fatalf("touch must not create keys, got %v", qs)
	}
}

func TestSessionStoreConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore(time.Hour, 50)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.IncrementTally(ctx, "s1", "q1", "b", "B", "Q1")
		}()
	}
	wg.Wait()

	tally, err := store.GetTallies(ctx, "s1", "q1")
	if err != nil {
		t.Fatalf("get tallies: %v", err)
	}
	if got := tally.Options["b"].Count; got != n {
		t.Fatalf("expected %d, got %d", n, got)
	}
	if tally.QuestionText != "Q1" || tally.Options["b"].Label != "B" {
		t.Fatalf("unexpected tally metadata: %+v", tally)
	}
}

func TestSessionStoreRecentAnswersCapped(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore(time.Hour, 5)
	for i := 0; i < 8; i++ {
		_ = store.PushRecentAnswer(ctx, "s1", domain.RecentAnswer{QuestionID: string(rune('a' + i))})
	}
	all, _ := store.RecentAnswers(ctx, "s1", 0)
	if len(all) != 5 {
		t.Fatalf("expected 5 retained, got %d", len(all))
	}
	if all[0].QuestionID != "h" || all[4].QuestionID != "d" {
		t.Fatalf("expected newest first h..d, got %s..%s", all[0].QuestionID, all[4].QuestionID)
	}
	two, _ := store.RecentAnswers(ctx, "s1", 2)
	if len(two) != 2 || two[0].QuestionID != "h" {
		t.Fatalf("expected 2 newest, got %+v", two)
	}
}

func TestSessionStorePurgeExpired(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewSessionStoreWithClock(time.Minute, 50, clock.Now)

	_ = store.RegisterQuestion(ctx, "s1", "q1")
	_ = store.PushRecentAnswer(ctx, "s1", domain.RecentAnswer{})
	_ = store.TouchTTL(ctx, "s1", app.QuestionRegistryKey(), app.RecentAnswersKey())
	_ = store.RegisterQuestion(ctx, "s2", "q1")

	clock.Advance(2 * time.Minute)
	removed, err := store.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 expired keys purged, got %d", removed)
	}
	if qs, _ := store.ListQuestions(ctx, "s2"); len(qs) != 1 {
		t.Fatalf("expected key without ttl to survive, got %v", qs)
	}
}
