package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/leasehold/internal/apierr"
)

func TestClientHeadersAndCreate(t *testing.T) {
	var gotReqID, gotSecret, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReqID = r.Header.Get(HeaderRequestID)
		gotSecret = r.Header.Get(HeaderInternalSecret)
		var body struct {
			UserID string `json:"userId"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotUser = body.UserID
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"sess-1","machine_id":"m1"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "shh", time.Second, zerolog.Nop())
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-42")

	sess, err := c.CreateSession(ctx, "u1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if sess.ID != "sess-1" {
		t.Errorf("session id = %q", sess.ID)
	}
	if gotReqID != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", gotReqID)
	}
	if gotSecret != "shh" {
		t.Errorf("X-Internal-Secret = %q", gotSecret)
	}
	if gotUser != "u1" {
		t.Errorf("userId = %q", gotUser)
	}
}

func TestClientGeneratesRequestID(t *testing.T) {
	var gotReqID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReqID = r.Header.Get(HeaderRequestID)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second, zerolog.Nop())
	if err := c.DeleteSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if gotReqID == "" {
		t.Error("expected a generated request id")
	}
}

func TestClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sessions/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/sessions":
			w.Write([]byte(`{"machine_id":"m1"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("boom"))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second, zerolog.Nop())
	ctx := context.Background()

	_, err := c.GetSession(ctx, "missing")
	if !errors.Is(err, apierr.ErrEngineUnavailable) || !IsNotFound(err) {
		t.Errorf("get missing err = %v", err)
	}

	_, err = c.StartSession(ctx, "broken", nil)
	if !errors.Is(err, apierr.ErrEngineUnavailable) || IsNotFound(err) {
		t.Errorf("start err = %v", err)
	}

	if _, err := c.CreateSession(ctx, "u1", nil); !errors.Is(err, apierr.ErrEngineUnavailable) {
		t.Errorf("create without id err = %v", err)
	}
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, "", time.Second, zerolog.Nop())
	_, err := c.GetSession(context.Background(), "s1")
	var engErr *apierr.EngineError
	if !errors.As(err, &engErr) || engErr.Status != 0 {
		t.Fatalf("err = %v, want EngineError with no status", err)
	}
}
