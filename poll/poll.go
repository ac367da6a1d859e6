// Package poll drives the periodic fetch-filter-dispatch cycle across all
// subscribed subreddits.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"subreddit-notifier/pkg/relay"
	"subreddit-notifier/reddit"
)

// ErrCycleInProgress is returned by CheckAll when a poll cycle is already
// running. Cycles must never overlap or the same post could be dispatched
// twice from two snapshots of the same marker.
var ErrCycleInProgress = errors.New("poll: cycle already in progress")

// Fetcher returns new posts for a subreddit, oldest first.
type Fetcher interface {
	FetchNew(ctx context.Context, subreddit string, marker *relay.Marker) ([]*relay.Post, error)
}

// Store lists the current subscriptions.
type Store interface {
	List(ctx context.Context) ([]*relay.Subscription, error)
}

// Deliverer filters and dispatches a fetched batch for one subscription.
type Deliverer interface {
	Deliver(ctx context.Context, sub *relay.Subscription, posts []*relay.Post) ([]relay.DeliveryResult, error)
}

// Scheduler runs the poll loop. It holds no subscription state between
// ticks; the store is the single source of truth, which makes restarts
// safe without any recovery step.
type Scheduler struct {
	fetcher   Fetcher
	store     Store
	deliverer Deliverer
	logger    *slog.Logger
	interval  time.Duration

	// Held for the duration of a cycle; /pollz can race the ticker.
	running sync.Mutex
}

// New creates a scheduler that ticks at the given interval.
func New(fetcher Fetcher, store Store, deliverer Deliverer, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		fetcher:   fetcher,
		store:     store,
		deliverer: deliverer,
		logger:    logger,
		interval:  interval,
	}
}

// Run executes poll cycles until the context is cancelled. A tick runs to
// completion before the next is considered, so cycles never overlap for
// the same subscription. The in-flight cycle finishes its current marker
// commits before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Poll scheduler starting", "interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// First cycle immediately rather than waiting a full interval.
	if err := s.CheckAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("Poll cycle failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Poll scheduler stopping", "error", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			err := s.CheckAll(ctx)
			switch {
			case err == nil || errors.Is(err, context.Canceled):
			case errors.Is(err, ErrCycleInProgress):
				s.logger.Warn("Previous poll cycle still running, skipping tick")
			default:
				s.logger.Error("Poll cycle failed", "error", err)
			}
		}
	}
}

// CheckAll runs one poll cycle: snapshot the subscription list and process
// every subscription independently. Subscriptions share no mutable state,
// so they run concurrently; a failure in one never blocks or aborts the
// others in the same tick.
//
// Only one cycle runs at a time. A call while a cycle is in flight returns
// ErrCycleInProgress instead of dispatching from a stale marker snapshot.
func (s *Scheduler) CheckAll(ctx context.Context) error {
	if !s.running.TryLock() {
		return ErrCycleInProgress
	}
	defer s.running.Unlock()

	subs, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	now := time.Now()
	s.logger.Info("Checking subscriptions", "count", len(subs), "timestamp", now.Format(time.RFC3339))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		failed  int
		skipped int
	)

	for _, sub := range subs {
		wg.Add(1)
		go func(sub *relay.Subscription) {
			defer wg.Done()

			err := s.checkSubreddit(ctx, sub)
			if err == nil {
				return
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, reddit.ErrRateLimited):
				// Back off this subreddit only; try again next tick.
				skipped++
				s.logger.Warn("Subreddit rate limited, skipping this cycle", "subreddit", sub.Subreddit)
			case errors.Is(err, reddit.ErrNotFound):
				// Surface to the operator; never auto-unsubscribe.
				failed++
				s.logger.Warn("Subreddit gone (deleted, banned, or private) - subscription needs attention",
					"subreddit", sub.Subreddit, "error", err)
			default:
				failed++
				s.logger.Warn("Subscription check failed", "subreddit", sub.Subreddit, "error", err)
			}
		}(sub)
	}

	wg.Wait()

	s.logger.Info("Poll cycle completed",
		"total", len(subs),
		"failed", failed,
		"rate_limited", skipped,
		"duration_ms", time.Since(now).Milliseconds())

	return ctx.Err()
}

func (s *Scheduler) checkSubreddit(ctx context.Context, sub *relay.Subscription) error {
	s.logger.Debug("Starting subscription check",
		"subreddit", sub.Subreddit,
		"bootstrap", sub.Marker == nil)

	posts, err := s.fetcher.FetchNew(ctx, sub.Subreddit, sub.Marker)
	if err != nil {
		return fmt.Errorf("fetch new posts: %w", err)
	}

	if len(posts) == 0 {
		s.logger.Debug("No posts returned", "subreddit", sub.Subreddit)
		return nil
	}

	results, err := s.deliverer.Deliver(ctx, sub, posts)

	var delivered, duplicates, failures int
	for _, r := range results {
		switch r.Outcome {
		case relay.OutcomeDelivered:
			delivered++
		case relay.OutcomeDuplicate:
			duplicates++
		case relay.OutcomeFailed:
			failures++
		}
	}

	s.logger.Info("Subscription check completed",
		"subreddit", sub.Subreddit,
		"fetched", len(posts),
		"delivered", delivered,
		"duplicates", duplicates,
		"failed", failures)

	if err != nil {
		return fmt.Errorf("deliver batch: %w", err)
	}
	return nil
}
