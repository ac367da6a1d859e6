package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"subreddit-notifier/pkg/relay"
	"subreddit-notifier/poll"
	"subreddit-notifier/storage"
)

type fakeFetcher struct {
	err error
}

func (f *fakeFetcher) Latest(_ context.Context, _ string) (*relay.Post, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &relay.Post{ID: "p1"}, nil
}

type fakeStore struct {
	subs      map[string]*relay.Subscription
	addErr    error
	removeErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{subs: make(map[string]*relay.Subscription)}
}

func (s *fakeStore) Add(_ context.Context, sub *relay.Subscription) (*relay.Subscription, error) {
	if s.addErr != nil {
		return nil, s.addErr
	}
	name := storage.NormalizeSubreddit(sub.Subreddit)
	if _, ok := s.subs[name]; ok {
		return nil, storage.ErrAlreadySubscribed
	}
	sub.Subreddit = name
	s.subs[name] = sub
	return sub, nil
}

func (s *fakeStore) Remove(_ context.Context, subreddit string) error {
	if s.removeErr != nil {
		return s.removeErr
	}
	name := storage.NormalizeSubreddit(subreddit)
	if _, ok := s.subs[name]; !ok {
		return storage.ErrNotSubscribed
	}
	delete(s.subs, name)
	return nil
}

func (s *fakeStore) List(_ context.Context) ([]*relay.Subscription, error) {
	var out []*relay.Subscription
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out, nil
}

type fakePoller struct {
	called bool
	err    error
}

func (p *fakePoller) CheckAll(_ context.Context) error {
	p.called = true
	return p.err
}

var errSourceNotFound = errors.New("subreddit not found")

func newTestServer(fetcher Fetcher, store Store, poller Poller) *Server {
	return New(&Config{
		Fetcher: fetcher,
		Store:   store,
		Poller:  poller,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		IsSourceNotFound: func(err error) bool {
			return errors.Is(err, errSourceNotFound)
		},
	})
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(&fakeFetcher{}, newFakeStore(), &fakePoller{})

	w := doRequest(t, s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "healthy") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestHandleSubscribe(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		fetcherErr error
		wantStatus int
	}{
		{
			name:       "valid subscription",
			method:     http.MethodPost,
			body:       `{"subreddit":"golang","webhook_url":"https://discord.com/api/webhooks/123/abc-def"}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "r/ prefix accepted",
			method:     http.MethodPost,
			body:       `{"subreddit":"r/golang","webhook_url":"https://discord.com/api/webhooks/123/abc"}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "invalid subreddit name",
			method:     http.MethodPost,
			body:       `{"subreddit":"no spaces here","webhook_url":"https://discord.com/api/webhooks/123/abc"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid webhook URL",
			method:     http.MethodPost,
			body:       `{"subreddit":"golang","webhook_url":"https://example.com/hook"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "webhook URL must be https discord",
			method:     http.MethodPost,
			body:       `{"subreddit":"golang","webhook_url":"http://discord.com/api/webhooks/123/abc"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed JSON",
			method:     http.MethodPost,
			body:       `{"subreddit":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "GET not allowed",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "subreddit does not exist",
			method:     http.MethodPost,
			body:       `{"subreddit":"gone","webhook_url":"https://discord.com/api/webhooks/123/abc"}`,
			fetcherErr: fmt.Errorf("verify: %w", errSourceNotFound),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "source unavailable",
			method:     http.MethodPost,
			body:       `{"subreddit":"golang","webhook_url":"https://discord.com/api/webhooks/123/abc"}`,
			fetcherErr: errors.New("timeout"),
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeFetcher{err: tt.fetcherErr}, newFakeStore(), &fakePoller{})
			w := doRequest(t, s, tt.method, "/subscribe", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body: %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestHandleSubscribeConflict(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(&fakeFetcher{}, store, &fakePoller{})
	body := `{"subreddit":"golang","webhook_url":"https://discord.com/api/webhooks/123/abc"}`

	if w := doRequest(t, s, http.MethodPost, "/subscribe", body); w.Code != http.StatusCreated {
		t.Fatalf("first subscribe status = %d", w.Code)
	}
	if w := doRequest(t, s, http.MethodPost, "/subscribe", body); w.Code != http.StatusConflict {
		t.Errorf("second subscribe status = %d, want 409", w.Code)
	}
}

func TestHandleUnsubscribe(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(&fakeFetcher{}, store, &fakePoller{})

	subscribeBody := `{"subreddit":"golang","webhook_url":"https://discord.com/api/webhooks/123/abc"}`
	if w := doRequest(t, s, http.MethodPost, "/subscribe", subscribeBody); w.Code != http.StatusCreated {
		t.Fatalf("subscribe status = %d", w.Code)
	}

	if w := doRequest(t, s, http.MethodPost, "/unsubscribe", `{"subreddit":"r/GOLANG"}`); w.Code != http.StatusOK {
		t.Errorf("unsubscribe status = %d, want 200 (body: %s)", w.Code, w.Body.String())
	}

	if w := doRequest(t, s, http.MethodPost, "/unsubscribe", `{"subreddit":"golang"}`); w.Code != http.StatusNotFound {
		t.Errorf("repeat unsubscribe status = %d, want 404", w.Code)
	}
}

func TestHandleList(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(&fakeFetcher{}, store, &fakePoller{})

	w := doRequest(t, s, http.MethodGet, "/subscriptions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("empty list body = %q, want []", got)
	}

	subscribeBody := `{"subreddit":"golang","webhook_url":"https://discord.com/api/webhooks/123/abc"}`
	doRequest(t, s, http.MethodPost, "/subscribe", subscribeBody)

	w = doRequest(t, s, http.MethodGet, "/subscriptions", "")
	if !strings.Contains(w.Body.String(), `"golang"`) {
		t.Errorf("list body = %q, want golang entry", w.Body.String())
	}
}

func TestHandlePollz(t *testing.T) {
	poller := &fakePoller{}
	s := newTestServer(&fakeFetcher{}, newFakeStore(), poller)

	w := doRequest(t, s, http.MethodPost, "/pollz", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if !poller.called {
		t.Error("poller was not triggered")
	}

	if w := doRequest(t, s, http.MethodGet, "/pollz", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", w.Code)
	}
}

func TestHandlePollzWhileCycleRunning(t *testing.T) {
	poller := &fakePoller{err: poll.ErrCycleInProgress}
	s := newTestServer(&fakeFetcher{}, newFakeStore(), poller)

	w := doRequest(t, s, http.MethodPost, "/pollz", "")
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 when a cycle is already running", w.Code)
	}
}

func TestIsValidWebhookURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://discord.com/api/webhooks/123456/token-abc_def", true},
		{"https://discordapp.com/api/webhooks/123456/token", true},
		{"https://discord.com/api/webhooks/abc/token", false},
		{"https://evil.com/api/webhooks/123/token", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := isValidWebhookURL(tt.url); got != tt.want {
			t.Errorf("isValidWebhookURL(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}
