// Package reddit fetches new subreddit posts through the Reddit API.
package reddit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/loganintech/go-reddit/v2/reddit"
	"golang.org/x/time/rate"

	"subreddit-notifier/pkg/relay"
)

var (
	// ErrRateLimited signals the caller should back off this subreddit only.
	ErrRateLimited = errors.New("reddit: rate limited")

	// ErrNotFound means the subreddit is gone (deleted, banned, or private).
	ErrNotFound = errors.New("reddit: subreddit not found")

	// ErrUnavailable is a transient source failure; retry next cycle.
	ErrUnavailable = errors.New("reddit: source unavailable")
)

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}

// Credentials holds the Reddit API credentials supplied externally.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	UserAgent    string
}

// Fetcher retrieves new posts for a subreddit since a marker.
type Fetcher struct {
	client   *reddit.Client
	limiter  *rate.Limiter
	media    *mediaExtractor
	logger   *slog.Logger
	maxPosts int
}

// New creates a Reddit API fetcher. maxPosts bounds the page size per call.
func New(creds Credentials, maxPosts int, logger *slog.Logger) (*Fetcher, error) {
	client, err := reddit.NewClient(reddit.Credentials{
		ID:       creds.ClientID,
		Secret:   creds.ClientSecret,
		Username: creds.Username,
		Password: creds.Password,
	}, reddit.WithUserAgent(creds.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("create reddit client: %w", err)
	}

	// Reddit allows ~60 requests/min for OAuth clients; stay under it.
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)

	return &Fetcher{
		client:   client,
		limiter:  limiter,
		media:    newMediaExtractor(creds.UserAgent, logger),
		logger:   logger,
		maxPosts: maxPosts,
	}, nil
}

// FetchNew returns posts for the subreddit ordered oldest first. When marker
// is nil (bootstrap) only the single most recent post is requested, so a
// fresh subscription never floods its channel with backlog. The returned
// sequence is not filtered against the marker; that is the tracker's job.
func (f *Fetcher) FetchNew(ctx context.Context, subreddit string, marker *relay.Marker) ([]*relay.Post, error) {
	limit := f.maxPosts
	if marker == nil {
		limit = 1
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	startTime := time.Now()
	posts, resp, err := f.client.Subreddit.NewPosts(ctx, subreddit, &reddit.ListOptions{Limit: limit})
	duration := time.Since(startTime)

	if err != nil {
		f.logger.Warn("Reddit API request failed",
			"subreddit", subreddit,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, classify(resp, subreddit, err)
	}

	f.logger.Debug("Reddit API request completed",
		"subreddit", subreddit,
		"limit", limit,
		"returned", len(posts),
		"duration_ms", duration.Milliseconds())

	result := make([]*relay.Post, 0, len(posts))
	for _, p := range posts {
		result = append(result, convert(p))
	}
	sortPosts(result)
	f.attachMedia(ctx, subreddit, limit, result)
	return result, nil
}

// attachMedia fills in gallery and preview images for posts that are not
// direct image links. A lookup failure is non-fatal; the posts go out
// without media rather than not at all.
func (f *Fetcher) attachMedia(ctx context.Context, subreddit string, limit int, posts []*relay.Post) {
	needed := false
	for _, p := range posts {
		if len(p.MediaURLs) == 0 {
			needed = true
			break
		}
	}
	if !needed {
		return
	}

	media, err := f.media.lookup(ctx, subreddit, limit)
	if err != nil {
		f.logger.Warn("Media lookup failed, delivering without images", "subreddit", subreddit, "error", err)
		return
	}

	for _, p := range posts {
		if len(p.MediaURLs) == 0 {
			p.MediaURLs = media[p.ID]
		}
	}
}

// Latest returns the single most recent post, used to verify a subreddit
// exists at subscribe time.
func (f *Fetcher) Latest(ctx context.Context, subreddit string) (*relay.Post, error) {
	posts, err := f.FetchNew(ctx, subreddit, nil)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, nil
	}
	return posts[len(posts)-1], nil
}

// classify maps a Reddit API failure onto the fetch error taxonomy.
func classify(resp *reddit.Response, subreddit string, err error) error {
	if resp == nil || resp.Response == nil {
		return fmt.Errorf("%w: r/%s: %v", ErrUnavailable, subreddit, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: r/%s", ErrRateLimited, subreddit)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: r/%s (HTTP %d)", ErrNotFound, subreddit, resp.StatusCode)
	default:
		return fmt.Errorf("%w: r/%s (HTTP %d): %v", ErrUnavailable, subreddit, resp.StatusCode, err)
	}
}

func convert(p *reddit.Post) *relay.Post {
	var createdAt time.Time
	if p.Created != nil {
		createdAt = p.Created.Time.UTC()
	}

	permalink := p.Permalink
	if permalink != "" && !strings.HasPrefix(permalink, "http") {
		permalink = "https://www.reddit.com" + permalink
	}

	post := &relay.Post{
		ID:        p.ID,
		Subreddit: p.SubredditName,
		Title:     p.Title,
		Author:    p.Author,
		URL:       p.URL,
		Permalink: permalink,
		SelfText:  p.Body,
		CreatedAt: createdAt,
	}

	if u := imageURL(p.URL); u != "" {
		post.MediaURLs = []string{u}
	}

	return post
}

// imageURL returns the URL if its path points directly at an image. The
// extension check runs on the parsed path so query parameters (as on
// preview.redd.it links) don't hide it.
func imageURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	lower := strings.ToLower(parsed.Path)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return u
		}
	}
	return ""
}

// sortPosts orders posts oldest first by creation time, tie-broken by ID.
// The listing endpoint usually returns newest first, but ordering is our
// contract, not the API's.
func sortPosts(posts []*relay.Post) {
	sort.Slice(posts, func(i, j int) bool {
		if !posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].CreatedAt.Before(posts[j].CreatedAt)
		}
		return posts[i].ID < posts[j].ID
	})
}
