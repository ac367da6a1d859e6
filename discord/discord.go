// Package discord delivers posts to Discord channels via webhooks.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"subreddit-notifier/pkg/relay"
)

// ErrRejected indicates a permanent webhook rejection (malformed payload,
// deleted webhook). Not retried; the marker stays put so the post is
// re-attempted on the next poll cycle.
var ErrRejected = errors.New("discord: webhook rejected")

const (
	defaultAvatarURL = "https://www.redditstatic.com/avatars/avatar_default_02_46A508.png"
	embedColorBlue   = 0x3498DB

	// Discord limits embed descriptions to 2048 characters.
	maxDescriptionLen = 2048
	maxImageEmbeds    = 4
)

// RetryPolicy bounds dispatch retries for transient transport errors.
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultRetryPolicy retries transient failures a few times with
// exponential backoff before giving up for the cycle.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// Webhook sends posts to Discord webhook URLs.
type Webhook struct {
	client *http.Client
	logger *slog.Logger
	policy RetryPolicy
}

// NewWebhook creates a webhook dispatcher with the given retry policy.
func NewWebhook(policy RetryPolicy, logger *slog.Logger) *Webhook {
	return &Webhook{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
		policy: policy,
	}
}

type message struct {
	Content    string      `json:"content,omitempty"`
	Username   string      `json:"username,omitempty"`
	AvatarURL  string      `json:"avatar_url,omitempty"`
	Embeds     []embed     `json:"embeds,omitempty"`
	Components []component `json:"components,omitempty"`
}

type embed struct {
	Title       string       `json:"title,omitempty"`
	URL         string       `json:"url,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Author      *embedAuthor `json:"author,omitempty"`
	Image       *embedImage  `json:"image,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
}

type embedAuthor struct {
	Name    string `json:"name"`
	IconURL string `json:"icon_url,omitempty"`
}

type embedImage struct {
	URL string `json:"url"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type component struct {
	Type       int         `json:"type"`
	Components []component `json:"components,omitempty"`
	Label      string      `json:"label,omitempty"`
	Style      int         `json:"style,omitempty"`
	URL        string      `json:"url,omitempty"`
}

// buildMessage formats a post as a webhook payload: one embed per image (up
// to four), or a single embed carrying the selftext, plus a link button to
// the post.
func buildMessage(sub *relay.Subscription, post *relay.Post) message {
	author := &embedAuthor{Name: post.Author, IconURL: defaultAvatarURL}
	footer := &embedFooter{Text: "Subreddit: r/" + post.Subreddit}

	var embeds []embed
	switch {
	case len(post.MediaURLs) > 0:
		images := post.MediaURLs
		if len(images) > maxImageEmbeds {
			images = images[:maxImageEmbeds]
		}
		for _, u := range images {
			embeds = append(embeds, embed{
				Title:     post.Title,
				URL:       post.Permalink,
				Color:     embedColorBlue,
				Timestamp: post.CreatedAt.Format(time.RFC3339),
				Author:    author,
				Image:     &embedImage{URL: u},
				Footer:    footer,
			})
		}
	default:
		// Discord's limit counts characters, so truncate on rune
		// boundaries; a byte slice could split a multi-byte rune.
		description := post.SelfText
		if runes := []rune(description); len(runes) > maxDescriptionLen {
			description = string(runes[:maxDescriptionLen])
		}
		embeds = append(embeds, embed{
			Title:       post.Title,
			URL:         post.Permalink,
			Description: description,
			Color:       embedColorBlue,
			Timestamp:   post.CreatedAt.Format(time.RFC3339),
			Author:      author,
			Footer:      footer,
		})
	}

	return message{
		Username:  sub.BotName,
		AvatarURL: sub.BotAvatar,
		Embeds:    embeds,
		Components: []component{
			{
				Type: 1, // Action row
				Components: []component{
					{
						Type:  2, // Button
						Label: "Post Link",
						Style: 5, // Link button
						URL:   post.Permalink,
					},
				},
			},
		},
	}
}

// Send delivers one post to the subscription's webhook. Transient transport
// errors (timeouts, 5xx, 429) are retried with exponential backoff per the
// policy; other 4xx responses fail immediately with ErrRejected.
func (w *Webhook) Send(ctx context.Context, sub *relay.Subscription, post *relay.Post) error {
	jsonData, err := json.Marshal(buildMessage(sub, post))
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	err = retry.Do(
		func() error {
			w.logger.Info("Webhook request starting",
				"method", "POST",
				"subreddit", sub.Subreddit,
				"post_id", post.ID)

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.WebhookURL, bytes.NewReader(jsonData))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")

			startTime := time.Now()
			resp, err := w.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				w.logger.Warn("Webhook request failed, will retry",
					"subreddit", sub.Subreddit,
					"post_id", post.ID,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					w.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				w.logger.Info("Webhook request completed",
					"subreddit", sub.Subreddit,
					"post_id", post.ID,
					"status_code", resp.StatusCode,
					"duration_ms", duration.Milliseconds())
				return nil
			case resp.StatusCode == http.StatusTooManyRequests:
				w.logger.Warn("Webhook rate limited, will retry",
					"subreddit", sub.Subreddit,
					"retry_after", resp.Header.Get("Retry-After"))
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			case resp.StatusCode >= 400 && resp.StatusCode < 500:
				w.logger.Warn("Webhook rejected the request",
					"subreddit", sub.Subreddit,
					"post_id", post.ID,
					"status_code", resp.StatusCode)
				return retry.Unrecoverable(fmt.Errorf("%w: HTTP %d", ErrRejected, resp.StatusCode))
			default:
				w.logger.Warn("Webhook returned server error, will retry",
					"subreddit", sub.Subreddit,
					"status_code", resp.StatusCode)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}
		},
		retry.Attempts(w.policy.Attempts),
		retry.Delay(w.policy.Delay),
		retry.MaxDelay(w.policy.MaxDelay),
		retry.MaxJitter(w.policy.Delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			w.logger.Info("Retrying webhook delivery after error", "attempt", n, "post_id", post.ID, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("deliver post %s after retries: %w", post.ID, err)
	}

	return nil
}

// IsRejected reports whether delivery failed permanently.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
