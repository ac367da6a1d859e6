package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const publicBaseURL = "https://www.reddit.com"

// mediaExtractor pulls gallery and preview image URLs out of the public
// listing JSON. The typed API client does not surface those fields, so one
// supplemental listing request per fetch fills them in.
type mediaExtractor struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	userAgent  string
	baseURL    string
}

func newMediaExtractor(userAgent string, logger *slog.Logger) *mediaExtractor {
	return &mediaExtractor{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Public JSON endpoint is stricter than OAuth: 1 req / 2 seconds.
		limiter:   rate.NewLimiter(rate.Every(2*time.Second), 1),
		logger:    logger,
		userAgent: userAgent,
		baseURL:   publicBaseURL,
	}
}

type mediaListing struct {
	Data struct {
		Children []struct {
			Data struct {
				ID          string `json:"id"`
				GalleryData *struct {
					Items []struct {
						MediaID string `json:"media_id"`
					} `json:"items"`
				} `json:"gallery_data"`
				MediaMetadata map[string]struct {
					Source struct {
						URL string `json:"u"`
					} `json:"s"`
				} `json:"media_metadata"`
				Preview *struct {
					Images []struct {
						Source struct {
							URL string `json:"url"`
						} `json:"source"`
					} `json:"images"`
				} `json:"preview"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// lookup returns image URLs keyed by post ID for the subreddit's newest
// posts. Posts without gallery or preview media have no entry.
func (m *mediaExtractor) lookup(ctx context.Context, subreddit string, limit int) (map[string][]string, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	url := fmt.Sprintf("%s/r/%s/new.json?limit=%d", m.baseURL, subreddit, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create listing request: %w", err)
	}
	req.Header.Set("User-Agent", m.userAgent)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch listing: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			m.logger.Warn("Failed to close listing response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing status %d", resp.StatusCode)
	}

	var listing mediaListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}

	return mediaFromListing(&listing), nil
}

// mediaFromListing extracts gallery items in their declared order, falling
// back to the first preview image. Reddit HTML-escapes media URLs in the
// listing payload.
func mediaFromListing(l *mediaListing) map[string][]string {
	media := make(map[string][]string)
	for _, child := range l.Data.Children {
		d := child.Data
		switch {
		case d.GalleryData != nil && len(d.MediaMetadata) > 0:
			for _, item := range d.GalleryData.Items {
				meta, ok := d.MediaMetadata[item.MediaID]
				if !ok || meta.Source.URL == "" {
					continue
				}
				media[d.ID] = append(media[d.ID], html.UnescapeString(meta.Source.URL))
			}
		case d.Preview != nil && len(d.Preview.Images) > 0:
			if u := d.Preview.Images[0].Source.URL; u != "" {
				media[d.ID] = []string{html.UnescapeString(u)}
			}
		}
	}
	return media
}
