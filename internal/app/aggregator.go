package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"tvm-live-service/internal/domain"
)

const (
	evictTimeout       = 5 * time.Second
	snapshotTimeout    = 10 * time.Second
	questionFetchLimit = 8
)

// Aggregator projects store records into the views viewers need. It never writes,
// except for best-effort eviction of stale participants.
type Aggregator struct {
	store       SessionStore
	staleAfter  time.Duration
	recentLimit int
	now         func() time.Time
	log         logrus.FieldLogger

	sf        singleflight.Group
	evictions sync.WaitGroup
}

// AggregatorOption customizes an Aggregator.
type AggregatorOption func(*Aggregator)

// WithStaleAfter sets the staleness threshold.
func WithStaleAfter(d time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if d > 0 {
			a.staleAfter = d
		}
	}
}

// WithRecentLimit caps how many recent answers a view carries.
func WithRecentLimit(n int) AggregatorOption {
	return func(a *Aggregator) {
		if n > 0 {
			a.recentLimit = n
		}
	}
}

// WithClock is used by tests for deterministic staleness.
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

func NewAggregator(store SessionStore, log logrus.FieldLogger, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		store:       store,
		staleAfter:  DefaultStaleAfter,
		recentLimit: DefaultRecentLimit,
		now:         time.Now,
		log:         log.WithField("component", "aggregator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Participants returns the live participants of a session in leaderboard order.
// Stale records are left out of the result and evicted in the background.
func (a *Aggregator) Participants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	all, err := a.store.GetParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := a.now()
	live := make([]domain.Participant, 0, len(all))
	var stale []string
	for _, p := range all {
		if a.isStale(p, now) {
			stale = append(stale, p.UserID)
			continue
		}
		live = append(live, p)
	}
	if len(stale) > 0 {
		a.evict(ctx, sessionID, stale)
	}

	Rank(live)
	return live, nil
}

func (a *Aggregator) isStale(p domain.Participant, now time.Time) bool {
	return now.Sub(p.LastUpdate) > a.staleAfter
}

// evict removes stale participants without blocking or failing the read that found them.
func (a *Aggregator) evict(ctx context.Context, sessionID string, userIDs []string) {
	a.evictions.Add(1)
	go func() {
		defer a.evictions.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), evictTimeout)
		defer cancel()

		for _, userID := range userIDs {
			log := a.log.WithFields(logrus.Fields{"session": sessionID, "user": userID})
			// Re-read so a participant that just refreshed is kept.
			p, found, err := a.store.GetParticipant(ctx, sessionID, userID)
			if err != nil {
				log.WithError(err).Warn("stale participant check failed")
				continue
			}
			if !found || !a.isStale(p, a.now()) {
				continue
			}
			if err := a.store.RemoveParticipant(ctx, sessionID, userID); err != nil {
				log.WithError(err).Warn("failed to remove stale participant")
				continue
			}
			log.Debug("removed stale participant")
		}
	}()
}

// Wait blocks until background evictions have finished.
func (a *Aggregator) Wait() {
	a.evictions.Wait()
}

// Rank orders participants by score/attempted, highest first. Ties keep their input order.
func Rank(participants []domain.Participant) {
	sort.SliceStable(participants, func(i, j int) bool {
		return participants[i].Ratio() > participants[j].Ratio()
	})
}

// QuestionBreakdown returns the choice breakdown of one question. A question without responses
// is reported as absent unless includeEmpty is set.
func (a *Aggregator) QuestionBreakdown(ctx context.Context, sessionID, questionID string, includeEmpty bool) (domain.QuestionStat, bool, error) {
	tally, err := a.store.GetTallies(ctx, sessionID, questionID)
	if err != nil {
		return domain.QuestionStat{}, false, err
	}
	if tally.TotalResponses() == 0 && !includeEmpty {
		return domain.QuestionStat{}, false, nil
	}
	if tally.QuestionID == "" {
		tally.QuestionID = questionID
	}
	return BuildQuestionStat(tally), true, nil
}

// BuildQuestionStat computes shares and orders choices by count, most chosen first.
func BuildQuestionStat(tally domain.QuestionTally) domain.QuestionStat {
	total := tally.TotalResponses()
	choices := make([]domain.ChoiceStat, 0, len(tally.Options))
	for optionID, opt := range tally.Options {
		label := opt.Label
		if label == "" {
			label = domain.OptionFallbackLabel(optionID)
		}
		var share float64
		if total > 0 {
			share = float64(opt.Count) / float64(total)
		}
		choices = append(choices, domain.ChoiceStat{
			OptionID: optionID,
			Label:    label,
			Count:    opt.Count,
			Share:    share,
		})
	}
	sort.Slice(choices, func(i, j int) bool {
		if choices[i].Count != choices[j].Count {
			return choices[i].Count > choices[j].Count
		}
		return choices[i].OptionID < choices[j].OptionID
	})

	text := tally.QuestionText
	if text == "" {
		text = domain.DefaultQuestionText
	}
	return domain.QuestionStat{
		QuestionID:     tally.QuestionID,
		QuestionText:   text,
		TotalResponses: total,
		Choices:        choices,
	}
}

// QuestionStats returns the breakdown of every registered question that has responses.
func (a *Aggregator) QuestionStats(ctx context.Context, sessionID string) (map[string]domain.QuestionStat, error) {
	questionIDs, err := a.store.ListQuestions(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	stats := make(map[string]domain.QuestionStat, len(questionIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(questionFetchLimit)
	for _, questionID := range questionIDs {
		questionID := questionID
		g.Go(func() error {
			stat, ok, err := a.QuestionBreakdown(gctx, sessionID, questionID, false)
			if err != nil || !ok {
				return err
			}
			mu.Lock()
			stats[questionID] = stat
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

// RecentAnswers returns the newest entries of the activity feed. n is clamped to the view limit.
func (a *Aggregator) RecentAnswers(ctx context.Context, sessionID string, n int) ([]domain.RecentAnswer, error) {
	if n <= 0 || n > a.recentLimit {
		n = a.recentLimit
	}
	return a.store.RecentAnswers(ctx, sessionID, n)
}

// ComputeStats derives averages and the score histogram from a participant snapshot.
func ComputeStats(participants []domain.Participant) domain.SessionStats {
	stats := domain.SessionStats{Bands: domain.ScoreBands}
	if len(participants) == 0 {
		return stats
	}

	var progress, scoreSum float64
	withAttempts := 0
	for _, p := range participants {
		progress += p.Progress
		percent := p.Ratio() * 100
		if p.Attempted > 0 {
			scoreSum += percent
			withAttempts++
		}
		switch {
		case percent <= 25:
			stats.Distribution[0]++
		case percent <= 50:
			stats.Distribution[1]++
		case percent <= 75:
			stats.Distribution[2]++
		default:
			stats.Distribution[3]++
		}
	}
	stats.AverageProgress = progress / float64(len(participants))
	if withAttempts > 0 {
		stats.AverageScore = scoreSum / float64(withAttempts)
	}
	return stats
}

// Snapshot builds the full view of a session. Concurrent snapshots of the same session share
// one store round-trip; the returned slices and maps must not be mutated.
// Failing to read participants fails the snapshot; the other sections degrade to empty.
// The shared read is detached from every caller: a caller whose ctx ends gets ctx.Err()
// while the others still receive the view.
func (a *Aggregator) Snapshot(ctx context.Context, sessionID string) (domain.SessionView, error) {
	ch := a.sf.DoChan(sessionID, func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotTimeout)
		defer cancel()
		return a.snapshot(sctx, sessionID)
	})
	select {
	case <-ctx.Done():
		return domain.SessionView{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.SessionView{}, res.Err
		}
		return res.Val.(domain.SessionView), nil
	}
}

func (a *Aggregator) snapshot(ctx context.Context, sessionID string) (domain.SessionView, error) {
	participants, err := a.Participants(ctx, sessionID)
	if err != nil {
		return domain.SessionView{}, err
	}

	view := domain.SessionView{
		SessionID:         sessionID,
		Participants:      participants,
		TotalParticipants: len(participants),
		Stats:             ComputeStats(participants),
	}
	log := a.log.WithField("session", sessionID)

	view.QuestionStats, err = a.QuestionStats(ctx, sessionID)
	if err != nil {
		log.WithError(err).Warn("question stats unavailable")
		view.QuestionStats = map[string]domain.QuestionStat{}
		view.Partial = true
	}

	view.RecentAnswers, err = a.RecentAnswers(ctx, sessionID, a.recentLimit)
	if err != nil {
		log.WithError(err).Warn("recent answers unavailable")
		view.Partial = true
	}
	if view.RecentAnswers == nil {
		view.RecentAnswers = []domain.RecentAnswer{}
	}
	return view, nil
}
