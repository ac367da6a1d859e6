package poll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"subreddit-notifier/pkg/relay"
	"subreddit-notifier/reddit"
)

type fakeStore struct {
	subs []*relay.Subscription
	err  error
}

func (s *fakeStore) List(_ context.Context) ([]*relay.Subscription, error) {
	return s.subs, s.err
}

type fakeFetcher struct {
	mu      sync.Mutex
	posts   map[string][]*relay.Post
	errs    map[string]error
	fetched []string
}

func (f *fakeFetcher) FetchNew(_ context.Context, subreddit string, _ *relay.Marker) ([]*relay.Post, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, subreddit)
	f.mu.Unlock()
	if err := f.errs[subreddit]; err != nil {
		return nil, err
	}
	return f.posts[subreddit], nil
}

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered map[string][]string
	errs      map[string]error

	// When set, Deliver signals enter and blocks until release is closed.
	enter   chan struct{}
	release chan struct{}
}

func (d *fakeDeliverer) Deliver(_ context.Context, sub *relay.Subscription, posts []*relay.Post) ([]relay.DeliveryResult, error) {
	if d.enter != nil {
		d.enter <- struct{}{}
		<-d.release
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.delivered == nil {
		d.delivered = make(map[string][]string)
	}
	var results []relay.DeliveryResult
	for _, p := range posts {
		d.delivered[sub.Subreddit] = append(d.delivered[sub.Subreddit], p.ID)
		results = append(results, relay.DeliveryResult{PostID: p.ID, Outcome: relay.OutcomeDelivered})
	}
	return results, d.errs[sub.Subreddit]
}

func newScheduler(f Fetcher, s Store, d Deliverer) *Scheduler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(f, s, d, time.Minute, logger)
}

func sub(name string) *relay.Subscription {
	return &relay.Subscription{Subreddit: name, WebhookURL: "https://discord.com/api/webhooks/1/a"}
}

func post(id string, sec int64) *relay.Post {
	return &relay.Post{ID: id, CreatedAt: time.Unix(sec, 0).UTC()}
}

// TestCheckAllIsolation: a fetch failure on one subreddit must not prevent
// the others from being processed in the same tick.
func TestCheckAllIsolation(t *testing.T) {
	store := &fakeStore{subs: []*relay.Subscription{sub("broken"), sub("golang"), sub("rust")}}
	fetcher := &fakeFetcher{
		posts: map[string][]*relay.Post{
			"golang": {post("g1", 10)},
			"rust":   {post("r1", 10)},
		},
		errs: map[string]error{
			"broken": fmt.Errorf("fetch: %w", reddit.ErrUnavailable),
		},
	}
	deliverer := &fakeDeliverer{}
	s := newScheduler(fetcher, store, deliverer)

	if err := s.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}

	if len(deliverer.delivered["golang"]) != 1 {
		t.Errorf("golang delivered = %v, want 1 post", deliverer.delivered["golang"])
	}
	if len(deliverer.delivered["rust"]) != 1 {
		t.Errorf("rust delivered = %v, want 1 post", deliverer.delivered["rust"])
	}
	if len(deliverer.delivered["broken"]) != 0 {
		t.Errorf("broken delivered = %v, want none", deliverer.delivered["broken"])
	}
}

// TestCheckAllRateLimitSkipsOnlyThatSubreddit: a rate-limited subreddit is
// skipped for the cycle while others proceed.
func TestCheckAllRateLimitSkipsOnlyThatSubreddit(t *testing.T) {
	store := &fakeStore{subs: []*relay.Subscription{sub("busy"), sub("golang")}}
	fetcher := &fakeFetcher{
		posts: map[string][]*relay.Post{"golang": {post("g1", 10)}},
		errs:  map[string]error{"busy": fmt.Errorf("fetch: %w", reddit.ErrRateLimited)},
	}
	deliverer := &fakeDeliverer{}
	s := newScheduler(fetcher, store, deliverer)

	if err := s.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}

	if len(deliverer.delivered["golang"]) != 1 {
		t.Errorf("golang delivered = %v, want 1 post", deliverer.delivered["golang"])
	}
}

// TestCheckAllDeliveryFailureIsolated: a webhook failure on one
// subscription does not abort the others.
func TestCheckAllDeliveryFailureIsolated(t *testing.T) {
	store := &fakeStore{subs: []*relay.Subscription{sub("flaky"), sub("golang")}}
	fetcher := &fakeFetcher{
		posts: map[string][]*relay.Post{
			"flaky":  {post("f1", 10)},
			"golang": {post("g1", 10)},
		},
	}
	deliverer := &fakeDeliverer{errs: map[string]error{"flaky": errors.New("webhook rejected")}}
	s := newScheduler(fetcher, store, deliverer)

	if err := s.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}

	if len(deliverer.delivered["golang"]) != 1 {
		t.Errorf("golang delivered = %v, want 1 post", deliverer.delivered["golang"])
	}
}

func TestCheckAllProcessesEverySubscription(t *testing.T) {
	names := []string{"a1", "b2", "c3", "d4", "e5"}
	subs := make([]*relay.Subscription, 0, len(names))
	for _, n := range names {
		subs = append(subs, sub(n))
	}
	store := &fakeStore{subs: subs}
	fetcher := &fakeFetcher{}
	s := newScheduler(fetcher, store, &fakeDeliverer{})

	if err := s.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}

	if len(fetcher.fetched) != len(names) {
		t.Errorf("fetched %d subreddits, want %d", len(fetcher.fetched), len(names))
	}
}

func TestCheckAllListFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("bucket unavailable")}
	s := newScheduler(&fakeFetcher{}, store, &fakeDeliverer{})

	if err := s.CheckAll(context.Background()); err == nil {
		t.Fatal("CheckAll() expected error when listing fails")
	}
}

// TestCheckAllRejectsOverlappingCycle: a second cycle started while one is
// in flight must be refused, otherwise both snapshot the same marker and
// dispatch the same post twice.
func TestCheckAllRejectsOverlappingCycle(t *testing.T) {
	store := &fakeStore{subs: []*relay.Subscription{sub("golang")}}
	fetcher := &fakeFetcher{posts: map[string][]*relay.Post{"golang": {post("g1", 10)}}}
	deliverer := &fakeDeliverer{enter: make(chan struct{}), release: make(chan struct{})}
	s := newScheduler(fetcher, store, deliverer)

	first := make(chan error, 1)
	go func() { first <- s.CheckAll(context.Background()) }()

	<-deliverer.enter // first cycle is mid-dispatch

	if err := s.CheckAll(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("concurrent CheckAll() error = %v, want ErrCycleInProgress", err)
	}

	close(deliverer.release)
	if err := <-first; err != nil {
		t.Fatalf("first CheckAll() error = %v", err)
	}

	if got := deliverer.delivered["golang"]; len(got) != 1 {
		t.Errorf("delivered = %v, want the post dispatched exactly once", got)
	}

	// The lock is released; a fresh cycle proceeds.
	deliverer.enter = nil
	if err := s.CheckAll(context.Background()); err != nil {
		t.Errorf("follow-up CheckAll() error = %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := &fakeStore{}
	s := newScheduler(&fakeFetcher{}, store, &fakeDeliverer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}
