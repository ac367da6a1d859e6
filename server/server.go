// Package server handles HTTP endpoints for subscription management.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"subreddit-notifier/pkg/relay"
	"subreddit-notifier/poll"
)

var (
	subredditRegex  = regexp.MustCompile(`^(r/)?[A-Za-z0-9_]{2,21}$`)
	webhookURLRegex = regexp.MustCompile(`^https://(discord\.com|discordapp\.com)/api/webhooks/\d+/[\w\-]+$`)
)

// Fetcher interface for verifying subreddits at subscribe time.
type Fetcher interface {
	Latest(ctx context.Context, subreddit string) (*relay.Post, error)
}

// Store interface for subscription management.
type Store interface {
	Add(ctx context.Context, sub *relay.Subscription) (*relay.Subscription, error)
	Remove(ctx context.Context, subreddit string) error
	List(ctx context.Context) ([]*relay.Subscription, error)
}

// Poller interface for triggering checks.
type Poller interface {
	CheckAll(ctx context.Context) error
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	fetcher          Fetcher
	store            Store
	poller           Poller
	logger           *slog.Logger
	isSourceNotFound IsNotFound
}

// Config holds server configuration.
type Config struct {
	Fetcher          Fetcher
	Store            Store
	Poller           Poller
	Logger           *slog.Logger
	IsSourceNotFound IsNotFound
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		fetcher:          cfg.Fetcher,
		store:            cfg.Store,
		poller:           cfg.Poller,
		logger:           cfg.Logger,
		isSourceNotFound: cfg.IsSourceNotFound,
	}
}

// Routes returns the request mux for all endpoints.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/subscribe", s.handleSubscribe)
	mux.HandleFunc("/unsubscribe", s.handleUnsubscribe)
	mux.HandleFunc("/subscriptions", s.handleList)
	return mux
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Routes(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	if err := s.poller.CheckAll(r.Context()); err != nil {
		if errors.Is(err, poll.ErrCycleInProgress) {
			s.writeError(w, http.StatusConflict, "poll cycle already running")
			return
		}
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"completed"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	subs, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("Failed to list subscriptions", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if subs == nil {
		subs = []*relay.Subscription{}
	}

	s.writeJSON(w, http.StatusOK, subs)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func isValidSubreddit(name string) bool {
	return subredditRegex.MatchString(name)
}

func isValidWebhookURL(u string) bool {
	return webhookURLRegex.MatchString(u)
}
