// Package storage handles persistence of subreddit subscriptions.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"subreddit-notifier/pkg/relay"
)

var (
	// ErrAlreadySubscribed is returned by Add when the subreddit has a subscription.
	ErrAlreadySubscribed = errors.New("storage: already subscribed")

	// ErrNotSubscribed is returned when no subscription exists for the subreddit.
	ErrNotSubscribed = errors.New("storage: not subscribed")

	errNotFound = errors.New("storage: object doesn't exist")

	subredditNameRegex = regexp.MustCompile(`^[a-z0-9_]{2,21}$`)
)

// Store handles subscription persistence in a GCS bucket, or on the local
// filesystem when localPath is set (development mode).
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// NormalizeSubreddit lowercases a subreddit name and strips any r/ prefix.
func NormalizeSubreddit(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimPrefix(name, "/")
	name = strings.TrimPrefix(name, "r/")
	return strings.TrimSuffix(name, "/")
}

// subscriptionKey generates a stable object name from a subreddit name.
// Validates the name so it can never escape the storage prefix.
func subscriptionKey(subreddit string) string {
	if !subredditNameRegex.MatchString(subreddit) {
		return ""
	}
	return fmt.Sprintf("sub-%s.json", subreddit)
}

// Add creates a new subscription. The subreddit name is normalized first.
// Fails with ErrAlreadySubscribed if a subscription already exists; the
// stored document never carries a marker at creation time, so the first
// poll uses the bootstrap policy.
func (s *Store) Add(ctx context.Context, sub *relay.Subscription) (*relay.Subscription, error) {
	sub.Subreddit = NormalizeSubreddit(sub.Subreddit)
	key := subscriptionKey(sub.Subreddit)
	if key == "" {
		return nil, fmt.Errorf("invalid subreddit name %q", sub.Subreddit)
	}

	sub.AddedAt = time.Now().UTC()
	sub.Marker = nil

	// Exclusive create; two concurrent subscribes for the same subreddit
	// must not both succeed.
	if err := s.save(ctx, sub, true); err != nil {
		if errors.Is(err, ErrAlreadySubscribed) {
			return nil, fmt.Errorf("r/%s: %w", sub.Subreddit, ErrAlreadySubscribed)
		}
		return nil, err
	}
	s.logger.Info("Subscription added", "subreddit", sub.Subreddit)
	return sub, nil
}

// Remove deletes a subscription and its marker with it. Fails with
// ErrNotSubscribed when no subscription exists.
func (s *Store) Remove(ctx context.Context, subreddit string) error {
	subreddit = NormalizeSubreddit(subreddit)
	key := subscriptionKey(subreddit)
	if key == "" {
		return fmt.Errorf("invalid subreddit name %q", subreddit)
	}

	if _, err := s.load(ctx, key); err != nil {
		if IsNotFound(err) {
			return fmt.Errorf("r/%s: %w", subreddit, ErrNotSubscribed)
		}
		return fmt.Errorf("check existing subscription: %w", err)
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		s.logger.Info("Subscription deleted from local storage", "path", filePath, "subreddit", subreddit)
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				// Don't retry on "not found" errors - deletion is idempotent
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(fmt.Errorf("delete from storage: %w", deleteErr))
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying delete operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}

	s.logger.Info("Subscription deleted", "key", key, "subreddit", subreddit)
	return nil
}

// Get loads a single subscription by subreddit name.
func (s *Store) Get(ctx context.Context, subreddit string) (*relay.Subscription, error) {
	subreddit = NormalizeSubreddit(subreddit)
	key := subscriptionKey(subreddit)
	if key == "" {
		return nil, errNotFound
	}
	sub, err := s.load(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("r/%s: %w", subreddit, ErrNotSubscribed)
		}
		return nil, err
	}
	return sub, nil
}

// SetMarker durably records the newest delivered post for a subscription.
// The write is idempotent and last-write-wins; it completes before the call
// returns so a crash after a confirmed dispatch never loses the advance.
func (s *Store) SetMarker(ctx context.Context, subreddit string, m relay.Marker) error {
	subreddit = NormalizeSubreddit(subreddit)
	key := subscriptionKey(subreddit)
	if key == "" {
		return fmt.Errorf("invalid subreddit name %q", subreddit)
	}

	sub, err := s.load(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return fmt.Errorf("r/%s: %w", subreddit, ErrNotSubscribed)
		}
		return fmt.Errorf("load for marker update: %w", err)
	}

	sub.Marker = &m
	if err := s.save(ctx, sub, false); err != nil {
		return fmt.Errorf("persist marker: %w", err)
	}

	s.logger.Debug("Marker advanced",
		"subreddit", subreddit,
		"post_id", m.PostID,
		"created_at", m.CreatedAt.Format(time.RFC3339))
	return nil
}

// List lists all subscriptions.
func (s *Store) List(ctx context.Context) ([]*relay.Subscription, error) {
	var subs []*relay.Subscription

	// Local filesystem storage
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), "sub-") || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}

			sub, err := s.load(ctx, entry.Name())
			if err != nil {
				s.logger.Warn("Failed to load subscription", "file", entry.Name(), "error", err)
				continue
			}

			subs = append(subs, sub)
		}

		return subs, nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: "sub-",
	})

	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}

		sub, err := s.load(ctx, attrs.Name)
		if err != nil {
			s.logger.Warn("Failed to load subscription", "key", attrs.Name, "error", err)
			continue
		}

		subs = append(subs, sub)
	}

	return subs, nil
}

// save persists a subscription document. With mustNotExist set the write is
// an exclusive create and fails with ErrAlreadySubscribed when a document
// for the subreddit already exists, even against a concurrent writer.
func (s *Store) save(ctx context.Context, sub *relay.Subscription, mustNotExist bool) error {
	key := subscriptionKey(sub.Subreddit)
	if key == "" {
		return fmt.Errorf("invalid subreddit name %q", sub.Subreddit)
	}
	s.logger.Debug("Saving subscription", "key", key, "subreddit", sub.Subreddit)

	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if mustNotExist {
			f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
			if err != nil {
				if os.IsExist(err) {
					return ErrAlreadySubscribed
				}
				return fmt.Errorf("create in local storage: %w", err)
			}
			if _, err := f.Write(data); err != nil {
				if closeErr := f.Close(); closeErr != nil {
					s.logger.Warn("Failed to close file after write error", "error", closeErr)
				}
				return fmt.Errorf("write to local storage: %w", err)
			}
			return f.Close()
		}
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			obj := s.client.Bucket(s.bucket).Object(key)
			if mustNotExist {
				obj = obj.If(storage.Conditions{DoesNotExist: true})
			}
			w := obj.NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				// Precondition failures are surfaced on Close.
				if isPreconditionFailed(closeErr) {
					return retry.Unrecoverable(ErrAlreadySubscribed)
				}
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrAlreadySubscribed) {
			return ErrAlreadySubscribed
		}
		return fmt.Errorf("save after retries: %w", err)
	}

	return nil
}

// isPreconditionFailed reports whether a GCS write was rejected by an
// IfGenerationMatch/DoesNotExist precondition.
func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func (s *Store) load(ctx context.Context, key string) (*relay.Subscription, error) {
	if key == "" {
		return nil, errors.New("invalid key format")
	}

	var data []byte

	// Local filesystem storage
	if s.localPath != "" {
		var err error
		filePath := filepath.Join(s.localPath, key)
		data, err = os.ReadFile(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		// Cloud Storage with retry logic for reliability
		var readData []byte
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					// Don't retry on "not found" errors
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(errNotFound)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				readData, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(2*time.Minute),
			retry.MaxJitter(10*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
			}),
		)
		if err != nil {
			if errors.Is(err, errNotFound) {
				return nil, errNotFound
			}
			return nil, fmt.Errorf("load after retries: %w", err)
		}
		data = readData
	}

	var sub relay.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscription: %w", err)
	}

	return &sub, nil
}

// IsNotFound checks if an error indicates a subscription was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, errNotFound) || errors.Is(err, ErrNotSubscribed)
}
