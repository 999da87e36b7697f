package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tallyops/tallysync/internal/change"
)

func TestPushDecodesResponse(t *testing.T) {
	var gotAuth string
	var gotReq PushRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sync/push" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("Decode request: %v", err)
		}
		json.NewEncoder(w).Encode(PushResponse{
			ProcessedCount:  2,
			ServerTimestamp: time.Now().UTC(),
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, StaticToken("secret"), 0, nil)
	changes := []change.Record{
		change.New("Voter", "v1", change.OpCreate, nil),
		change.New("Voter", "v2", change.OpCreate, nil),
	}

	resp, err := c.Push(context.Background(), changes)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if resp.ProcessedCount != 2 {
		t.Errorf("Expected processed 2, got %d", resp.ProcessedCount)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Unexpected auth header %q", gotAuth)
	}
	if len(gotReq.Changes) != 2 {
		t.Errorf("Expected 2 changes on the wire, got %d", len(gotReq.Changes))
	}
	if gotReq.ClientTimestamp.IsZero() {
		t.Error("Expected client timestamp on the wire")
	}
}

func TestPushDependencyConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, 0, nil)
	_, err := c.Push(context.Background(), []change.Record{change.New("TallyLine", "l1", change.OpCreate, nil)})
	if !errors.Is(err, ErrDependencyConflict) {
		t.Errorf("Expected ErrDependencyConflict, got %v", err)
	}
}

func TestPushUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, 0, nil)
	_, err := c.Push(context.Background(), nil)
	if err == nil {
		t.Fatal("Expected error for 500")
	}
	if errors.Is(err, ErrDependencyConflict) {
		t.Error("500 must not map to dependency conflict")
	}
}

func TestPullSendsCursorParams(t *testing.T) {
	var gotQuery map[string][]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sync/pull" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		gotQuery = r.URL.Query()
		json.NewEncoder(w).Encode(PullResponse{
			Changes:         []change.Record{change.New("Party", "p1", change.OpCreate, nil)},
			ServerTimestamp: time.Now().UTC(),
			HasMore:         true,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, 0, nil)
	since := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	resp, err := c.Pull(context.Background(), &since, 100, 200)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if !resp.HasMore {
		t.Error("Expected has_more")
	}
	if len(resp.Changes) != 1 {
		t.Errorf("Expected 1 change, got %d", len(resp.Changes))
	}

	if got := gotQuery["last_sync"]; len(got) != 1 || got[0] != since.Format(time.RFC3339Nano) {
		t.Errorf("Unexpected last_sync %v", got)
	}
	if got := gotQuery["limit"]; len(got) != 1 || got[0] != "100" {
		t.Errorf("Unexpected limit %v", got)
	}
	if got := gotQuery["offset"]; len(got) != 1 || got[0] != "200" {
		t.Errorf("Unexpected offset %v", got)
	}
}

func TestPullOmitsLastSyncOnFirstPull(t *testing.T) {
	var hasLastSync bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasLastSync = r.URL.Query()["last_sync"]
		json.NewEncoder(w).Encode(PullResponse{ServerTimestamp: time.Now().UTC()})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, 0, nil)
	if _, err := c.Pull(context.Background(), nil, 100, 0); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if hasLastSync {
		t.Error("First pull must not send last_sync")
	}
}
