package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/restsync/internal/types"
)

type capturedRequest struct {
	method string
	path   string
	query  string
	auth   string
	ctype  string
	body   string
}

func newServer(t *testing.T, status int, response string) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, capturedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			auth:   r.Header.Get("Authorization"),
			ctype:  r.Header.Get("Content-Type"),
			body:   string(body),
		})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

func TestDo_Success(t *testing.T) {
	srv, reqs := newServer(t, http.StatusOK, `{"ID":1}`)
	c := New(srv.URL+"/", "secret")

	body, err := types.Call(context.Background(), c.Do, &types.Request{
		APIVersion: "1.2",
		Method:     "post",
		Path:       "/sites/s/posts/new",
		Query:      "context=edit",
		Body:       types.Body(`{"title":"t"}`),
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if string(body) != `{"ID":1}` {
		t.Errorf("body = %s", body)
	}

	if len(reqs()) != 1 {
		t.Fatalf("server got %d requests", len(reqs()))
	}
	got := reqs()[0]
	if got.method != "POST" || got.path != "/rest/v1.2/sites/s/posts/new" || got.query != "context=edit" {
		t.Errorf("request = %+v", got)
	}
	if got.auth != "Bearer secret" || got.ctype != "application/json" || got.body != `{"title":"t"}` {
		t.Errorf("headers/body = %+v", got)
	}
}

func TestDo_DefaultsVersionAndMethod(t *testing.T) {
	srv, reqs := newServer(t, http.StatusOK, `{}`)
	c := New(srv.URL, "")

	if _, err := types.Call(context.Background(), c.Do, &types.Request{Path: "/me"}); err != nil {
		t.Fatal(err)
	}
	got := reqs()[0]
	if got.method != "GET" || got.path != "/rest/v1.1/me" || got.auth != "" {
		t.Errorf("request = %+v", got)
	}
}

func TestDo_APIError(t *testing.T) {
	srv, _ := newServer(t, http.StatusForbidden, `{"error":"unauthorized","message":"nope"}`)
	c := New(srv.URL, "bad")

	_, err := types.Call(context.Background(), c.Do, &types.Request{Method: "GET", Path: "/me"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "unauthorized" || apiErr.Message != "nope" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestDo_APIErrorWithoutEnvelope(t *testing.T) {
	srv, _ := newServer(t, http.StatusBadGateway, `upstream down`)
	c := New(srv.URL, "")

	_, err := types.Call(context.Background(), c.Do, &types.Request{Path: "/me"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Message != http.StatusText(http.StatusBadGateway) || string(apiErr.Body) != "upstream down" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestDo_EmptyBody(t *testing.T) {
	srv, _ := newServer(t, http.StatusNoContent, ``)
	c := New(srv.URL, "")

	body, err := types.Call(context.Background(), c.Do, &types.Request{Method: "DELETE", Path: "/x"})
	if err != nil || body != nil {
		t.Errorf("Do = %s, %v; want nil, nil", body, err)
	}
}

func TestDo_ConnectionError(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, `{}`)
	url := srv.URL
	srv.Close()

	c := New(url, "", WithTimeout(time.Second))
	if _, err := types.Call(context.Background(), c.Do, &types.Request{Path: "/me"}); err == nil {
		t.Error("expected error from closed server")
	}
}

func TestDo_RateLimitHonoursContext(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, `{}`)
	c := New(srv.URL, "", WithRateLimit(0.001, 1))

	// The first request spends the only token.
	if _, err := types.Call(context.Background(), c.Do, &types.Request{Path: "/me"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := types.Call(ctx, c.Do, &types.Request{Path: "/me"}); err == nil {
		t.Error("expected rate limit error")
	}
}

func TestURL(t *testing.T) {
	c := New("https://api.example.com/", "")

	got := c.URL(&types.Request{APIVersion: "1.1", Path: "/sites/s/posts", Query: "?number=2"})
	if want := "https://api.example.com/rest/v1.1/sites/s/posts?number=2"; got != want {
		t.Errorf("URL = %q, want %q", got, want)
	}
}
