// Package main implements a service that polls subreddits via the Reddit API
// and forwards new posts to Discord channels through webhooks.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/joho/godotenv"

	"subreddit-notifier/discord"
	"subreddit-notifier/poll"
	"subreddit-notifier/reddit"
	"subreddit-notifier/server"
	"subreddit-notifier/storage"
	"subreddit-notifier/track"
)

const (
	defaultPollInterval = 60 * time.Second
	defaultMaxPosts     = 25
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional .env for local development; ignore if absent
	_ = godotenv.Load()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	localStorage := os.Getenv("LOCAL_STORAGE")
	bucket := os.Getenv("STORAGE_BUCKET")

	// Default to local development mode if no bucket specified
	if bucket == "" && localStorage == "" {
		localStorage = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", localStorage)
	}

	var storageClient *gcs.Client
	if localStorage != "" {
		logger.Info("Running in local development mode", "storage_path", localStorage)
		if err := os.MkdirAll(localStorage, 0o755); err != nil {
			logger.Error("Failed to create local storage directory", "error", err)
			os.Exit(1)
		}
	} else {
		var err error
		storageClient, err = gcs.NewClient(ctx)
		if err != nil {
			logger.Error("Failed to initialize Storage client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
	}

	store := storage.New(storageClient, bucket, localStorage, logger)

	creds := reddit.Credentials{
		ClientID:     os.Getenv("REDDIT_CLIENT_ID"),
		ClientSecret: os.Getenv("REDDIT_CLIENT_SECRET"),
		Username:     os.Getenv("REDDIT_USERNAME"),
		Password:     os.Getenv("REDDIT_PASSWORD"),
		UserAgent:    os.Getenv("REDDIT_USER_AGENT"),
	}
	if creds.ClientID == "" || creds.ClientSecret == "" || creds.UserAgent == "" {
		logger.Error("REDDIT_CLIENT_ID, REDDIT_CLIENT_SECRET, and REDDIT_USER_AGENT are required")
		os.Exit(1)
	}

	maxPosts := intFromEnv("MAX_POSTS_PER_FETCH", defaultMaxPosts)
	fetcher, err := reddit.New(creds, maxPosts, logger)
	if err != nil {
		logger.Error("Failed to initialize Reddit client", "error", err)
		os.Exit(1)
	}

	policy := discord.DefaultRetryPolicy()
	if v := intFromEnv("DISPATCH_ATTEMPTS", 0); v > 0 {
		policy.Attempts = uint(v)
	}
	if v := durationFromEnv("DISPATCH_DELAY", 0); v > 0 {
		policy.Delay = v
	}

	var dispatcher track.Dispatcher
	if os.Getenv("MOCK_DISCORD") != "" {
		logger.Info("Mock Discord mode enabled (MOCK_DISCORD set)")
		dispatcher = discord.NewMockSender(logger)
	} else {
		dispatcher = discord.NewWebhook(policy, logger)
	}

	tracker := track.New(store, dispatcher, logger)

	interval := durationFromEnv("POLL_INTERVAL", defaultPollInterval)
	scheduler := poll.New(fetcher, store, tracker, interval, logger)

	srv := server.New(&server.Config{
		Fetcher:          fetcher,
		Store:            store,
		Poller:           scheduler,
		Logger:           logger,
		IsSourceNotFound: func(err error) bool { return errors.Is(err, reddit.ErrNotFound) },
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	go func() {
		if err := srv.ListenAndServe(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			stop()
		}
	}()

	// The scheduler blocks until shutdown; the in-flight cycle commits its
	// current marker before Run returns.
	if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Scheduler stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func intFromEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", v)
		return fallback
	}
	return n
}

func durationFromEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Invalid duration in environment, using default", "key", key, "value", v)
		return fallback
	}
	return d
}
