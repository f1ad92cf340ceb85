package appstoresync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/apptrack_backend/config"
)

func requestStatusServer(t *testing.T, statuses ...string) (*httptest.Server, *int64) {
	t.Helper()
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		idx := int(n) - 1
		if idx >= len(statuses) {
			idx = len(statuses) - 1
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"type":       "analyticsReportRequests",
				"id":         "req-1",
				"attributes": map[string]interface{}{"status": statuses[idx]},
			},
		})
	}))
	return srv, &calls
}

func TestWaitUntilReadyCompletes(t *testing.T) {
	srv, calls := requestStatusServer(t, "SCHEDULED", "PROCESSING", "COMPLETED")
	defer srv.Close()

	store := newMemStore()
	d := newCompletionDetector(newTestClient(t, srv), store, config.GetLogger(), 10, time.Millisecond)
	ready, err := d.WaitUntilReady(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("WaitUntilReady: %v", err)
	}
	if !ready {
		t.Fatal("expected ready")
	}
	if n := atomic.LoadInt64(calls); n != 3 {
		t.Fatalf("polled %d times, want 3", n)
	}
	// The terminal transition is recorded.
	if !store.has(stateHistoryKey("req-1")) {
		t.Fatal("expected state history to be written")
	}
}

func TestWaitUntilReadyFailedStatus(t *testing.T) {
	srv, _ := requestStatusServer(t, "PROCESSING", "FAILED")
	defer srv.Close()

	d := newCompletionDetector(newTestClient(t, srv), newMemStore(), config.GetLogger(), 10, time.Millisecond)
	ready, err := d.WaitUntilReady(context.Background(), "req-1")
	if ready {
		t.Fatal("failed request must not be ready")
	}
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Fatalf("error = %v, want ErrUpstreamFailure", err)
	}
}

func TestWaitUntilReadyPollBudgetExhausted(t *testing.T) {
	srv, calls := requestStatusServer(t, "PROCESSING")
	defer srv.Close()

	d := newCompletionDetector(newTestClient(t, srv), newMemStore(), config.GetLogger(), 4, time.Millisecond)
	ready, err := d.WaitUntilReady(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("timeout is not an error: %v", err)
	}
	if ready {
		t.Fatal("expected not ready")
	}
	if n := atomic.LoadInt64(calls); n != 4 {
		t.Fatalf("polled %d times, want 4", n)
	}
}

func TestWaitUntilReadyFallsBackToInstanceProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/analyticsReportRequests/req-1":
			// No status field in this revision.
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"type":       "analyticsReportRequests",
					"id":         "req-1",
					"attributes": map[string]interface{}{},
				},
			})
		case "/v1/analyticsReportRequests/req-1/reports":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{"type": "analyticsReports", "id": "rep-1", "attributes": map[string]interface{}{"name": "App Downloads"}},
				},
			})
		case "/v1/analyticsReports/rep-1/instances":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{"type": "analyticsReportInstances", "id": "inst-1", "attributes": map[string]interface{}{"granularity": "DAILY"}},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	d := newCompletionDetector(newTestClient(t, srv), newMemStore(), config.GetLogger(), 3, time.Millisecond)
	ready, err := d.WaitUntilReady(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("WaitUntilReady: %v", err)
	}
	if !ready {
		t.Fatal("instance presence should mean ready")
	}
}
