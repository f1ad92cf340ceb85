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

func TestGetOrCreateTrustedEntrySkipsNetwork(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := newMemStore()
	reg := newObjectRegistry(store, config.GetLogger())
	_ = reg.Save(ctx, RegistryEntry{
		AppId:      "100",
		AccessMode: AccessModeContinuous,
		RequestId:  "req-cached",
		CreatedAt:  time.Now().UTC().AddDate(0, 0, -1),
	})

	lc := newRequestLifecycle(newTestClient(t, srv), reg, store, config.GetLogger())
	id, err := lc.GetOrCreate(ctx, "100", AccessModeContinuous, nil)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if id != "req-cached" {
		t.Fatalf("id = %q, want req-cached", id)
	}
	if n := atomic.LoadInt64(&hits); n != 0 {
		t.Fatalf("trusted entry made %d network calls, want 0", n)
	}
}

func TestGetOrCreateStaleEntryVerified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/analyticsReportRequests/req-old" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"type":       "analyticsReportRequests",
					"id":         "req-old",
					"attributes": map[string]interface{}{"status": "COMPLETED"},
				},
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := newMemStore()
	reg := newObjectRegistry(store, config.GetLogger())
	_ = reg.Save(ctx, RegistryEntry{
		AppId:      "100",
		AccessMode: AccessModeContinuous,
		RequestId:  "req-old",
		CreatedAt:  time.Now().UTC().AddDate(0, 0, -60),
	})

	lc := newRequestLifecycle(newTestClient(t, srv), reg, store, config.GetLogger())
	id, err := lc.GetOrCreate(ctx, "100", AccessModeContinuous, nil)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if id != "req-old" {
		t.Fatalf("id = %q, want req-old", id)
	}

	// Verification refreshes the entry so the next run trusts it again.
	entry, _ := reg.Lookup(ctx, "100", AccessModeContinuous, nil)
	if entry == nil || entry.LastVerified == nil {
		t.Fatalf("entry not re-verified: %+v", entry)
	}
	if !Trustable(entry, defaultMaxEntryAgeDays) {
		t.Fatal("verified entry should be trustable")
	}
}

func TestGetOrCreateDeadEntryFallsThroughToDiscovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/analyticsReportRequests/req-dead":
			w.WriteHeader(http.StatusNotFound)
		case "/v1/apps/100/analyticsReportRequests":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{
						"type":       "analyticsReportRequests",
						"id":         "req-found",
						"attributes": map[string]interface{}{"accessType": "ONGOING"},
					},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	store := newMemStore()
	reg := newObjectRegistry(store, config.GetLogger())
	_ = reg.Save(ctx, RegistryEntry{
		AppId:      "100",
		AccessMode: AccessModeContinuous,
		RequestId:  "req-dead",
		CreatedAt:  time.Now().UTC().AddDate(0, 0, -60),
	})

	lc := newRequestLifecycle(newTestClient(t, srv), reg, store, config.GetLogger())
	id, err := lc.GetOrCreate(ctx, "100", AccessModeContinuous, nil)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if id != "req-found" {
		t.Fatalf("id = %q, want req-found", id)
	}
	entry, _ := reg.Lookup(ctx, "100", AccessModeContinuous, nil)
	if entry == nil || entry.RequestId != "req-found" {
		t.Fatalf("registry not updated after discovery: %+v", entry)
	}
}

func TestGetOrCreateDiscoverySkipsWrongModeAndStopped(t *testing.T) {
	var created int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/apps/100/analyticsReportRequests" && r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{
						"type":       "analyticsReportRequests",
						"id":         "req-snapshot",
						"attributes": map[string]interface{}{"accessType": "ONE_TIME_SNAPSHOT"},
					},
					{
						"type": "analyticsReportRequests",
						"id":   "req-stopped",
						"attributes": map[string]interface{}{
							"accessType":             "ONGOING",
							"stoppedDueToInactivity": true,
						},
					},
				},
			})
		case r.URL.Path == "/v1/analyticsReportRequests" && r.Method == http.MethodPost:
			atomic.AddInt64(&created, 1)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"type":       "analyticsReportRequests",
					"id":         "req-new",
					"attributes": map[string]interface{}{"accessType": "ONGOING", "status": "PROCESSING"},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	store := newMemStore()
	reg := newObjectRegistry(store, config.GetLogger())
	lc := newRequestLifecycle(newTestClient(t, srv), reg, store, config.GetLogger())

	id, err := lc.GetOrCreate(ctx, "100", AccessModeContinuous, nil)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if id != "req-new" {
		t.Fatalf("id = %q, want req-new", id)
	}
	if atomic.LoadInt64(&created) != 1 {
		t.Fatal("expected exactly one create call")
	}
}

func TestGetOrCreateConflictRediscovers(t *testing.T) {
	var listCalls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/apps/100/analyticsReportRequests" && r.Method == http.MethodGet:
			n := atomic.AddInt64(&listCalls, 1)
			if n == 1 {
				// First discovery sees nothing; the request appears
				// between discovery and create.
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []map[string]interface{}{}})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{
						"type":       "analyticsReportRequests",
						"id":         "req-racing",
						"attributes": map[string]interface{}{"accessType": "ONGOING"},
					},
				},
			})
		case r.URL.Path == "/v1/analyticsReportRequests" && r.Method == http.MethodPost:
			w.WriteHeader(http.StatusConflict)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	store := newMemStore()
	lc := newRequestLifecycle(newTestClient(t, srv), newObjectRegistry(store, config.GetLogger()), store, config.GetLogger())

	id, err := lc.GetOrCreate(ctx, "100", AccessModeContinuous, nil)
	if err != nil {
		t.Fatalf("GetOrCreate after conflict: %v", err)
	}
	if id != "req-racing" {
		t.Fatalf("id = %q, want req-racing", id)
	}
}

func TestGetOrCreateUpstreamRejectionIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []map[string]interface{}{}})
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":[{"detail":"no analytics access"}]}`))
		}
	}))
	defer srv.Close()

	store := newMemStore()
	lc := newRequestLifecycle(newTestClient(t, srv), newObjectRegistry(store, config.GetLogger()), store, config.GetLogger())

	_, err := lc.GetOrCreate(context.Background(), "100", AccessModeContinuous, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
}
