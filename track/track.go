// Package track decides which fetched posts are new and advances the
// persisted delivery marker as each one is dispatched.
package track

import (
	"context"
	"fmt"
	"log/slog"

	"subreddit-notifier/pkg/relay"
)

// Dispatcher delivers a single post to the subscription's channel.
type Dispatcher interface {
	Send(ctx context.Context, sub *relay.Subscription, post *relay.Post) error
}

// MarkerStore durably records the newest delivered post per subscription.
type MarkerStore interface {
	SetMarker(ctx context.Context, subreddit string, m relay.Marker) error
}

// Tracker filters duplicates out of fetched batches and commits the cursor
// after each successful dispatch.
type Tracker struct {
	store      MarkerStore
	dispatcher Dispatcher
	logger     *slog.Logger
}

// New creates a tracker.
func New(store MarkerStore, dispatcher Dispatcher, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Filter returns the posts strictly newer than the marker, preserving the
// oldest-first input order. Fetchers may return results that overlap the
// previous cycle; anything at or before the marker is dropped here.
//
// A nil marker is the bootstrap case: only the newest post survives, so a
// fresh subscription starts "from now" instead of replaying history.
func Filter(posts []*relay.Post, marker *relay.Marker) []*relay.Post {
	if marker == nil {
		if len(posts) == 0 {
			return nil
		}
		return posts[len(posts)-1:]
	}

	var fresh []*relay.Post
	for _, p := range posts {
		if marker.Before(p) {
			fresh = append(fresh, p)
		}
	}
	return fresh
}

// Deliver dispatches every new post in chronological order, advancing the
// subscription's marker after each individual success. Committing per post
// rather than per batch bounds redelivery after a crash to the single post
// that was dispatched but not yet committed.
//
// Delivery stops at the first failure: a later post must never advance the
// marker past an undelivered earlier one. The failed post is retried on the
// next cycle. A store write failure likewise stops the batch without
// touching the in-memory marker, preserving at-least-once delivery.
func (t *Tracker) Deliver(ctx context.Context, sub *relay.Subscription, posts []*relay.Post) ([]relay.DeliveryResult, error) {
	results := make([]relay.DeliveryResult, 0, len(posts))

	fresh := Filter(posts, sub.Marker)
	freshIDs := make(map[string]bool, len(fresh))
	for _, p := range fresh {
		freshIDs[p.ID] = true
	}
	for _, p := range posts {
		if !freshIDs[p.ID] {
			t.logger.Debug("Skipping already delivered post", "subreddit", sub.Subreddit, "post_id", p.ID)
			results = append(results, relay.DeliveryResult{PostID: p.ID, Outcome: relay.OutcomeDuplicate})
		}
	}

	for i, post := range fresh {
		// Stop between posts on shutdown; the previous post's marker
		// commit has already completed.
		if err := ctx.Err(); err != nil {
			for _, rest := range fresh[i:] {
				results = append(results, relay.DeliveryResult{PostID: rest.ID, Outcome: relay.OutcomeFailed})
			}
			return results, fmt.Errorf("delivery interrupted: %w", err)
		}

		if err := t.dispatcher.Send(ctx, sub, post); err != nil {
			t.logger.Warn("Dispatch failed, marker not advanced",
				"subreddit", sub.Subreddit,
				"post_id", post.ID,
				"error", err)
			for _, rest := range fresh[i:] {
				results = append(results, relay.DeliveryResult{PostID: rest.ID, Outcome: relay.OutcomeFailed})
			}
			return results, fmt.Errorf("dispatch post %s: %w", post.ID, err)
		}

		marker := relay.Marker{CreatedAt: post.CreatedAt, PostID: post.ID}

		// The dispatch already happened; finish the commit even if the
		// surrounding context was cancelled mid-flight, otherwise the
		// post would be redelivered on restart.
		if err := t.store.SetMarker(context.WithoutCancel(ctx), sub.Subreddit, marker); err != nil {
			t.logger.Error("Marker write failed, stopping batch",
				"subreddit", sub.Subreddit,
				"post_id", post.ID,
				"error", err)
			results = append(results, relay.DeliveryResult{PostID: post.ID, Outcome: relay.OutcomeDelivered})
			for _, rest := range fresh[i+1:] {
				results = append(results, relay.DeliveryResult{PostID: rest.ID, Outcome: relay.OutcomeFailed})
			}
			return results, fmt.Errorf("persist marker for post %s: %w", post.ID, err)
		}

		sub.Marker = &marker
		results = append(results, relay.DeliveryResult{PostID: post.ID, Outcome: relay.OutcomeDelivered})

		t.logger.Info("Post delivered",
			"subreddit", sub.Subreddit,
			"post_id", post.ID,
			"title", post.Title)
	}

	return results, nil
}
