package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPGetter_Get(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			if r.Header.Get("Cache-Control") != "no-cache" {
				http.Error(w, "cache header missing", http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte("<oAuth2/>"))
		case "/large":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		case "/missing":
			http.NotFound(w, r)
		case "/slow":
			time.Sleep(200 * time.Millisecond)
			_, _ = w.Write([]byte("late"))
		}
	}))
	t.Cleanup(server.Close)

	tests := []struct {
		name     string
		path     string
		timeout  time.Duration
		maxBytes int64
		want     string
		wantErr  error
		anyErr   bool
	}{
		{name: "success", path: "/ok", want: "<oAuth2/>"},
		{name: "exactly at cap", path: "/large", maxBytes: 64, want: strings.Repeat("x", 64)},
		{name: "over cap", path: "/large", maxBytes: 63, wantErr: ErrDocumentTooLarge},
		{name: "not found", path: "/missing", wantErr: ErrUnexpectedStatus},
		{name: "timeout", path: "/slow", timeout: 50 * time.Millisecond, anyErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			g := NewHTTPGetter(tt.timeout, tt.maxBytes)
			got, err := g.Get(context.Background(), server.URL+tt.path)

			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Expected %v, got %v", tt.wantErr, err)
				}
			case tt.anyErr:
				if err == nil {
					t.Error("Expected an error")
				}
			default:
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				if got != tt.want {
					t.Errorf("Expected %q, got %q", tt.want, got)
				}
			}
		})
	}
}

func TestHTTPGetter_RefusesHTTPSDowngrade(t *testing.T) {
	t.Parallel()

	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<oAuth2/>"))
	}))
	t.Cleanup(plain.Close)

	secure := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, plain.URL+"/config", http.StatusFound)
	}))
	t.Cleanup(secure.Close)

	g := NewHTTPGetter(time.Second, 0, WithTransport(secure.Client().Transport))
	if _, err := g.Get(context.Background(), secure.URL); !errors.Is(err, ErrInsecureRedirect) {
		t.Errorf("Expected ErrInsecureRedirect, got %v", err)
	}
}

func TestHTTPGetter_LimitsRedirects(t *testing.T) {
	t.Parallel()

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, server.URL+"/loop", http.StatusFound)
	}))
	t.Cleanup(server.Close)

	g := NewHTTPGetter(time.Second, 0)
	if _, err := g.Get(context.Background(), server.URL); err == nil {
		t.Error("Expected redirect loop to fail")
	}
}

func TestCandidateURLs(t *testing.T) {
	t.Parallel()

	got := CandidateURLs("example.com")
	want := []string{
		"https://autoconfig.example.com/mail/config-v1.1.xml?emailaddress=user@example.com",
		"https://example.com/.well-known/autoconfig/mail/config-v1.1.xml",
		"https://autoconfig.thunderbird.net/v1.1/example.com",
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d candidates, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Candidate %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
