package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"subreddit-notifier/pkg/relay"
	"subreddit-notifier/storage"
)

type subscribeRequest struct {
	Subreddit  string `json:"subreddit"`
	WebhookURL string `json:"webhook_url"`
	BotName    string `json:"bot_name,omitempty"`
	BotAvatar  string `json:"bot_avatar,omitempty"`
}

type unsubscribeRequest struct {
	Subreddit string `json:"subreddit"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.Subreddit = strings.TrimSpace(req.Subreddit)
	req.WebhookURL = strings.TrimSpace(req.WebhookURL)

	if !isValidSubreddit(req.Subreddit) {
		s.writeError(w, http.StatusBadRequest, "invalid subreddit name")
		return
	}
	if !isValidWebhookURL(req.WebhookURL) {
		s.writeError(w, http.StatusBadRequest, "invalid Discord webhook URL")
		return
	}

	// Verify the subreddit exists before storing anything.
	if _, err := s.fetcher.Latest(r.Context(), req.Subreddit); err != nil {
		s.logger.Warn("Failed to verify subreddit", "subreddit", req.Subreddit, "error", err)
		if s.isSourceNotFound(err) {
			s.writeError(w, http.StatusNotFound, "subreddit not found")
			return
		}
		s.writeError(w, http.StatusBadGateway, "could not verify subreddit")
		return
	}

	sub, err := s.store.Add(r.Context(), &relay.Subscription{
		Subreddit:  req.Subreddit,
		WebhookURL: req.WebhookURL,
		BotName:    req.BotName,
		BotAvatar:  req.BotAvatar,
	})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadySubscribed) {
			s.writeError(w, http.StatusConflict, "already subscribed")
			return
		}
		s.logger.Error("Failed to save subscription", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}

	s.logger.Info("Subscription created", "subreddit", sub.Subreddit)
	s.writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req unsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.Subreddit = strings.TrimSpace(req.Subreddit)
	if !isValidSubreddit(req.Subreddit) {
		s.writeError(w, http.StatusBadRequest, "invalid subreddit name")
		return
	}

	if err := s.store.Remove(r.Context(), req.Subreddit); err != nil {
		if errors.Is(err, storage.ErrNotSubscribed) {
			s.writeError(w, http.StatusNotFound, "not subscribed")
			return
		}
		s.logger.Error("Failed to delete subscription", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to unsubscribe")
		return
	}

	s.logger.Info("Subscription removed", "subreddit", storage.NormalizeSubreddit(req.Subreddit))
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}
