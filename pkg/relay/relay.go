// Package relay contains the core domain types for the subreddit relay service.
package relay

import "time"

// Post represents a single subreddit submission.
type Post struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`        // Platform-unique post ID
	Subreddit string    `json:"subreddit"` // Normalized subreddit name (no r/ prefix)
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	URL       string    `json:"url"`       // Link target (external URL or self link)
	Permalink string    `json:"permalink"` // Canonical reddit.com URL for the post
	SelfText  string    `json:"self_text,omitempty"`
	MediaURLs []string  `json:"media_urls,omitempty"`
}

// Marker records the newest post already delivered for a subscription.
// Ordering is by creation time, tie-broken by post ID.
type Marker struct {
	CreatedAt time.Time `json:"created_at"`
	PostID    string    `json:"post_id"`
}

// Before reports whether the marker is strictly before the given post.
// A post that Before returns false for has already been delivered.
func (m Marker) Before(p *Post) bool {
	if p.CreatedAt.After(m.CreatedAt) {
		return true
	}
	return p.CreatedAt.Equal(m.CreatedAt) && p.ID > m.PostID
}

// Subscription pairs a subreddit with the Discord webhook it feeds.
type Subscription struct {
	AddedAt    time.Time `json:"added_at"`
	Marker     *Marker   `json:"marker,omitempty"` // Nil until the first delivery
	Subreddit  string    `json:"subreddit"`
	WebhookURL string    `json:"webhook_url"`
	BotName    string    `json:"bot_name,omitempty"`   // Webhook username override
	BotAvatar  string    `json:"bot_avatar,omitempty"` // Webhook avatar override
}

// Outcome classifies what happened to a single post within one cycle.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeDuplicate Outcome = "skipped-duplicate"
	OutcomeFailed    Outcome = "failed"
)

// DeliveryResult records the fate of one post in one poll cycle.
// It is ephemeral and exists only for logging.
type DeliveryResult struct {
	PostID  string
	Outcome Outcome
}
