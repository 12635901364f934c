package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pranicsoil/fieldvoice/internal/resilience"
)

func TestElevenLabs_SignedURL(t *testing.T) {
	t.Parallel()

	type seen struct {
		path, agent, key string
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- seen{r.URL.Path, r.URL.Query().Get("agent_id"), r.Header.Get("xi-api-key")}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"signed_url":"wss://convai.example/abc?token=1"}`))
	}))
	t.Cleanup(srv.Close)

	el := NewElevenLabs("secret-key", "agent 7", WithBaseURL(srv.URL+"/"))
	signed, err := el.SignedURL(context.Background())
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if signed != "wss://convai.example/abc?token=1" {
		t.Errorf("signed url = %q", signed)
	}
	s := <-got
	if s.path != "/v1/convai/conversation/get_signed_url" {
		t.Errorf("path = %q", s.path)
	}
	if s.agent != "agent 7" {
		t.Errorf("agent_id = %q, want %q", s.agent, "agent 7")
	}
	if s.key != "secret-key" {
		t.Errorf("xi-api-key = %q", s.key)
	}
}

func TestElevenLabs_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		body     string
		upstream bool
	}{
		{name: "upstream rejects", status: http.StatusUnauthorized, body: `invalid api key`, upstream: true},
		{name: "upstream down", status: http.StatusBadGateway, body: `bad gateway`, upstream: true},
		{name: "missing signed url", status: http.StatusOK, body: `{}`},
		{name: "not json", status: http.StatusOK, body: `<html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)

			_, err := NewElevenLabs("k", "a", WithBaseURL(srv.URL)).SignedURL(context.Background())
			if err == nil {
				t.Fatal("SignedURL: expected error")
			}
			var ue *UpstreamError
			if errors.As(err, &ue) != tt.upstream {
				t.Fatalf("UpstreamError = %v, want %v (err: %v)", !tt.upstream, tt.upstream, err)
			}
			if tt.upstream {
				if ue.StatusCode != tt.status {
					t.Errorf("StatusCode = %d, want %d", ue.StatusCode, tt.status)
				}
				if want := "ElevenLabs API error: " + tt.body; ue.Error() != want {
					t.Errorf("Error() = %q, want %q", ue.Error(), want)
				}
			}
		})
	}
}

func TestElevenLabs_BreakerOpens(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	br := resilience.New(resilience.Config{Name: "test", MaxFailures: 2, ResetTimeout: time.Hour})
	el := NewElevenLabs("k", "a", WithBaseURL(srv.URL), WithBreaker(br))
	if el.Breaker() != br {
		t.Fatal("Breaker() did not return the configured breaker")
	}

	for range 2 {
		if _, err := el.SignedURL(context.Background()); err == nil {
			t.Fatal("expected upstream error")
		}
	}
	_, err := el.SignedURL(context.Background())
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("upstream hits = %d, want 2", n)
	}
	if err := br.Check(context.Background()); err == nil {
		t.Error("Check: expected error while open")
	}
}
