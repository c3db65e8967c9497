package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"tvm-live-service/internal/app"
	"tvm-live-service/internal/domain"
	"tvm-live-service/internal/infra/memory"
)

func TestRankOrdersByRatio(t *testing.T) {
	participants := []domain.Participant{
		{UserID: "a", Score: 3, Attempted: 4},
		{UserID: "b", Score: 1, Attempted: 2},
		{UserID: "c", Score: 0, Attempted: 5},
		{UserID: "d", Score: 2, Attempted: 2},
	}
	app.Rank(participants)

	want := []string{"d", "a", "b", "c"}
	for i, id := range want {
		if participants[i].UserID != id {
			t.Fatalf("position %d: expected %s, got %s (%+v)", i, id, participants[i].UserID, participants)
		}
	}
}

func TestRankKeepsInputOrderOnTies(t *testing.T) {
	participants := []domain.Participant{
		{UserID: "first", Score: 0, Attempted: 0},
		{UserID: "second", Score: 1, Attempted: 2},
		{UserID: "third", Score: 0, Attempted: 3},
		{UserID: "fourth", Score: 2, Attempted: 4},
	}
	app.Rank(participants)

	want := []string{"second", "fourth", "first", "third"}
	for i, id := range want {
		if participants[i].UserID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, participants[i].UserID)
		}
	}
}

func TestParticipantsExcludesAndEvictsStale(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := memory.NewSessionStoreWithClock(time.Hour, 50, clock.Now)
	ingest := app.NewIngestServiceWithClock(store, nil, quietLogger(), clock.Now)
	agg := app.NewAggregator(store, quietLogger(), app.WithClock(clock.Now), app.WithStaleAfter(30*time.Second))

	_, _ = ingest.Join(ctx, domain.JoinEvent{SessionID: "s1", UserID: "idle", DisplayName: "Idle"})
	clock.Advance(20 * time.Second)
	_, _ = ingest.Join(ctx, domain.JoinEvent{SessionID: "s1", UserID: "busy", DisplayName: "Busy"})
	clock.Advance(11 * time.Second)

	live, err := agg.Participants(ctx, "s1")
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	if len(live) != 1 || live[0].UserID != "busy" {
		t.Fatalf("expected only busy participant, got %+v", live)
	}

	agg.Wait()
	if _, ok, _ := store.GetParticipant(ctx, "s1", "idle"); ok {
		t.Fatalf("expected stale participant evicted")
	}
	if _, ok, _ := store.GetParticipant(ctx, "s1", "busy"); !ok {
		t.Fatalf("live participant must not be evicted")
	}
}

// failingRemoveStore makes background eviction fail.
type failingRemoveStore struct {
	*memory.SessionStore
}

func (failingRemoveStore) RemoveParticipant(context.Context, string, string) error {
	return errInjected
}

func TestEvictionFailureDoesNotFailRead(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := failingRemoveStore{memory.NewSessionStoreWithClock(time.Hour, 50, clock.Now)}
	ingest := app.NewIngestServiceWithClock(store, nil, quietLogger(), clock.Now)
	agg := app.NewAggregator(store, quietLogger(), app.WithClock(clock.Now))

	_, _ = ingest.Join(ctx, domain.JoinEvent{SessionID: "s1", UserID: "u1", DisplayName: "Alice"})
	clock.Advance(time.Minute)

	live, err := agg.Participants(ctx, "s1")
	if err != nil {
		t.Fatalf("read must succeed when eviction fails: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("stale participant must still be hidden, got %+v", live)
	}
	agg.Wait()
}

func TestQuestionBreakdownSharesAndOrder(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSessionStore(time.Hour, 50)
	agg := app.NewAggregator(store, quietLogger())

	_ = store.IncrementTally(ctx, "s1", "q1", "a", "", "")
	for i := 0; i < 3; i++ {
		_ = store.IncrementTally(ctx, "s1", "q1", "b", "4%", "")
	}

	stat, ok, err := agg.QuestionBreakdown(ctx, "s1", "q1", false)
	if err != nil || !ok {
		t.Fatalf("breakdown: ok=%v err=%v", ok, err)
	}
	if stat.TotalResponses != 4 || len(stat.Choices) != 2 {
		t.Fatalf("unexpected breakdown %+v", stat)
	}
	if stat.Choices[0].OptionID != "b" || stat.Choices[0].Share != 0.75 {
		t.Fatalf("expected b first with 75%%, got %+v", stat.Choices[0])
	}
	if stat.Choices[1].Label != "Option a" {
		t.Fatalf("expected fallback label, got %q", stat.Choices[1].Label)
	}
	if stat.QuestionText != domain.DefaultQuestionText {
		t.Fatalf("expected fallback question text, got %q", stat.QuestionText)
	}

	if _, ok, _ := agg.QuestionBreakdown(ctx, "s1", "missing", false); ok {
		t.Fatalf("empty question must be omitted")
	}
	empty, ok, _ := agg.QuestionBreakdown(ctx, "s1", "missing", true)
	if !ok || empty.TotalResponses != 0 || len(empty.Choices) != 0 || empty.QuestionID != "missing" {
		t.Fatalf("expected empty breakdown when requested, got %+v", empty)
	}
}

func TestComputeStats(t *testing.T) {
	stats := app.ComputeStats([]domain.Participant{
		{Score: 1, Attempted: 4, Progress: 10},  // 25%
		{Score: 1, Attempted: 2, Progress: 20},  // 50%
		{Score: 3, Attempted: 4, Progress: 30},  // 75%
		{Score: 4, Attempted: 4, Progress: 100}, // 100%
		{Score: 0, Attempted: 0, Progress: 0},   // no attempts
	})
	if stats.Distribution != [4]int{2, 1, 1, 1} {
		t.Fatalf("unexpected distribution %v", stats.Distribution)
	}
	if stats.AverageProgress != 32 {
		t.Fatalf("expected average progress 32, got %v", stats.AverageProgress)
	}
	if stats.AverageScore != 62.5 {
		t.Fatalf("expected average score 62.5, got %v", stats.AverageScore)
	}

	empty := app.ComputeStats(nil)
	if empty.AverageScore != 0 || empty.Distribution != [4]int{} || empty.Bands != domain.ScoreBands {
		t.Fatalf("unexpected empty stats %+v", empty)
	}
}

func TestRecentAnswersClampedToViewLimit(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSessionStore(time.Hour, 50)
	agg := app.NewAggregator(store, quietLogger(), app.WithRecentLimit(3))
	for i := 0; i < 10; i++ {
		_ = store.PushRecentAnswer(ctx, "s1", domain.RecentAnswer{})
	}
	got, err := agg.RecentAnswers(ctx, "s1", 100)
	if err != nil || len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d (%v)", len(got), err)
	}
}

func TestEndToEndScenario(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSessionStore(time.Hour, 50)
	ingest := app.NewIngestService(store, nil, quietLogger())
	agg := app.NewAggregator(store, quietLogger())

	if _, err := ingest.Join(ctx, domain.JoinEvent{SessionID: "s1", UserID: "u1", DisplayName: "Alice"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	view, err := agg.Snapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if view.TotalParticipants != 1 || view.Participants[0].Score != 0 || view.Participants[0].Attempted != 0 {
		t.Fatalf("expected Alice at 0/0, got %+v", view.Participants)
	}

	if _, err := ingest.SubmitAnswer(ctx, answer("u1", "Alice", 1, 1, 10, "q1", "optA", "Option A", true)); err != nil {
		t.Fatalf("answer: %v", err)
	}
	view, _ = agg.Snapshot(ctx, "s1")
	if p := view.Participants[0]; p.Score != 1 || p.Attempted != 1 || p.Ratio() != 1 {
		t.Fatalf("expected Alice at 1/1, got %+v", p)
	}
	q1, ok := view.QuestionStats["q1"]
	if !ok || q1.TotalResponses != 1 || q1.Choices[0].OptionID != "optA" || q1.Choices[0].Count != 1 {
		t.Fatalf("unexpected q1 stats %+v", q1)
	}

	if _, err := ingest.SubmitAnswer(ctx, answer("u2", "Bob", 0, 1, 10, "q1", "optA", "Option A", false)); err != nil {
		t.Fatalf("answer: %v", err)
	}
	stat, _, _ := agg.QuestionBreakdown(ctx, "s1", "q1", false)
	if stat.Choices[0].Count != 2 || stat.TotalResponses != 2 {
		t.Fatalf("expected optA count 2, got %+v", stat)
	}

	if err := ingest.Leave(ctx, domain.LeaveEvent{SessionID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("leave: %v", err)
	}
	view, _ = agg.Snapshot(ctx, "s1")
	if view.TotalParticipants != 1 || view.Participants[0].UserID != "u2" {
		t.Fatalf("expected only u2, got %+v", view.Participants)
	}
	if len(view.RecentAnswers) != 2 || view.RecentAnswers[0].UserID != "u2" {
		t.Fatalf("expected recent answers newest first, got %+v", view.RecentAnswers)
	}
	if view.Partial {
		t.Fatalf("healthy snapshot must not be partial")
	}
}

// brokenFeedStore fails the recent-answer read.
type brokenFeedStore struct {
	*memory.SessionStore
}

func (brokenFeedStore) RecentAnswers(context.Context, string, int) ([]domain.RecentAnswer, error) {
	return nil, errInjected
}

// brokenParticipantsStore fails the participant read.
type brokenParticipantsStore struct {
	*memory.SessionStore
}

func (brokenParticipantsStore) GetParticipants(context.Context, string) ([]domain.Participant, error) {
	return nil, errInjected
}

func TestSnapshotDegradesOnSectionFailure(t *testing.T) {
	ctx := context.Background()
	store := brokenFeedStore{memory.NewSessionStore(time.Hour, 50)}
	ingest := app.NewIngestService(store, nil, quietLogger())
	agg := app.NewAggregator(store, quietLogger())

	_, _ = ingest.Join(ctx, domain.JoinEvent{SessionID: "s1", UserID: "u1", DisplayName: "Alice"})
	view, err := agg.Snapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("snapshot must degrade, got %v", err)
	}
	if !view.Partial || view.RecentAnswers == nil || len(view.RecentAnswers) != 0 || view.TotalParticipants != 1 {
		t.Fatalf("expected partial view with empty feed, got %+v", view)
	}

	failing := app.NewAggregator(brokenParticipantsStore{memory.NewSessionStore(time.Hour, 50)}, quietLogger())
	if _, err := failing.Snapshot(ctx, "s1"); !errors.Is(err, errInjected) {
		t.Fatalf("participant failure must fail the snapshot, got %v", err)
	}
}

// gatedStore blocks participant reads until released or until the read's ctx ends.
type gatedStore struct {
	*memory.SessionStore
	entered chan struct{}
	release chan struct{}
}

func (s gatedStore) GetParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.release:
		return s.SessionStore.GetParticipants(ctx, sessionID)
	}
}

func TestSnapshotSurvivesAnotherViewersCancellation(t *testing.T) {
	store := gatedStore{
		SessionStore: memory.NewSessionStore(time.Hour, 50),
		entered:      make(chan struct{}, 1),
		release:      make(chan struct{}),
	}
	ingest := app.NewIngestService(store.SessionStore, nil, quietLogger())
	agg := app.NewAggregator(store, quietLogger())
	_, _ = ingest.Join(context.Background(), domain.JoinEvent{SessionID: "s1", UserID: "u1", DisplayName: "Alice"})

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := agg.Snapshot(ctxA, "s1")
		errA <- err
	}()
	<-store.entered

	type result struct {
		view domain.SessionView
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		view, err := agg.Snapshot(context.Background(), "s1")
		resB <- result{view, err}
	}()
	// Let the second viewer join the in-flight read.
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelled viewer: expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("cancelled viewer did not return")
	}

	close(store.release)
	select {
	case res := <-resB:
		if res.err != nil {
			t.Fatalf("other viewer must still get the view, got %v", res.err)
		}
		if res.view.TotalParticipants != 1 {
			t.Fatalf("unexpected view %+v", res.view)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("other viewer did not return")
	}
}
