package appstoresync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"bitbucket.org/mmdatafocus/apptrack_backend/config"
)

func TestClassifyReport(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"App Store Downloads Standard", CategoryDownloads},
		{"App Store Discovery and Engagement", CategoryEngagement},
		{"App Store Impressions", CategoryEngagement},
		{"App Sessions Standard", CategorySessions},
		{"App Store Installation and Deletion Standard", CategoryInstalls},
		{"App Store Purchases Standard", CategoryPurchases},
		{"Subscription Events", CategoryPurchases},
		{"Ratings and Reviews", CategoryReviews},
		{"Some Future Report", CategoryOther},
	}
	for _, tc := range cases {
		if got := classifyReport(tc.name); got != tc.want {
			t.Errorf("classifyReport(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestCleanReportName(t *testing.T) {
	if got := cleanReportName("App Store Downloads (Standard)"); got != "app_store_downloads_standard" {
		t.Fatalf("cleanReportName = %q", got)
	}
}

func TestDecodeSegmentGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte("Date\tCounts\n2025-01-05\t3\n"))
	_ = zw.Close()

	out, err := decodeSegment(buf.Bytes())
	if err != nil {
		t.Fatalf("decodeSegment: %v", err)
	}
	if !strings.HasPrefix(string(out), "Date\tCounts") {
		t.Fatalf("unexpected payload: %q", out)
	}
}

func TestDecodeSegmentLatin1Fallback(t *testing.T) {
	// 0xE9 is é in Latin-1 and invalid as a standalone UTF-8 byte.
	raw := []byte("Date\tApp Name\n2025-01-05\tCaf\xe9\n")
	out, err := decodeSegment(raw)
	if err != nil {
		t.Fatalf("decodeSegment: %v", err)
	}
	if !strings.Contains(string(out), "Café") {
		t.Fatalf("latin-1 fallback failed: %q", out)
	}
}

func TestCountDataRows(t *testing.T) {
	if n := countDataRows([]byte("Date\tCounts\n")); n != 0 {
		t.Fatalf("header only = %d rows", n)
	}
	if n := countDataRows([]byte("Date\tCounts\n2025-01-05\t3\n2025-01-06\t4\n\n")); n != 2 {
		t.Fatalf("got %d rows, want 2", n)
	}
}

func TestFetchForDateLandsArtifacts(t *testing.T) {
	gzipped := func(s string) []byte {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte(s))
		_ = zw.Close()
		return buf.Bytes()
	}

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/analyticsReportRequests/req-1/reports":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{"type": "analyticsReports", "id": "rep-dl", "attributes": map[string]interface{}{"name": "App Store Downloads Standard"}},
				},
			})
		case "/v1/analyticsReports/rep-dl/instances":
			if r.URL.Query().Get("filter[granularity]") != "DAILY" {
				t.Errorf("missing granularity filter, query = %s", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{"type": "analyticsReportInstances", "id": "inst-match", "attributes": map[string]interface{}{"processingDate": "2025-01-05"}},
					{"type": "analyticsReportInstances", "id": "inst-other", "attributes": map[string]interface{}{"processingDate": "2025-01-04"}},
				},
			})
		case "/v1/analyticsReportInstances/inst-match/segments":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{"type": "analyticsReportSegments", "id": "seg-1", "attributes": map[string]interface{}{"url": srv.URL + "/download/seg-1"}},
					{"type": "analyticsReportSegments", "id": "seg-empty", "attributes": map[string]interface{}{"url": srv.URL + "/download/seg-empty"}},
					{"type": "analyticsReportSegments", "id": "seg-broken", "attributes": map[string]interface{}{"url": srv.URL + "/download/seg-broken"}},
				},
			})
		case "/download/seg-1":
			_, _ = w.Write(gzipped("Date\tCounts\n2025-01-03\t5\n2025-01-04\t7\n"))
		case "/download/seg-empty":
			_, _ = w.Write([]byte("Date\tCounts\n"))
		case "/download/seg-broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	store := newMemStore()
	p := newFetchPipeline(newTestClient(t, srv), store, config.GetLogger())

	result, err := p.FetchForDate(context.Background(), "100", "req-1", "2025-01-05")
	if err != nil {
		t.Fatalf("FetchForDate: %v", err)
	}
	if result.Files != 1 {
		t.Fatalf("files = %d, want 1 (empty and broken segments skipped)", result.Files)
	}
	if result.Rows != 2 {
		t.Fatalf("rows = %d, want 2", result.Rows)
	}

	wantKey := "appstore/raw/downloads/dt=2025-01-05/app_id=100/app_store_downloads_standard_seg-1.csv"
	if !store.has(wantKey) {
		keys, _ := store.List(context.Background(), "")
		t.Fatalf("missing artifact %s, stored: %v", wantKey, keys)
	}
}

func TestFetchForDateSegmentURLFromDetail(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/analyticsReportRequests/req-1/reports":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{"type": "analyticsReports", "id": "rep-1", "attributes": map[string]interface{}{"name": "App Sessions Standard"}},
				},
			})
		case "/v1/analyticsReports/rep-1/instances":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{"type": "analyticsReportInstances", "id": "inst-1", "attributes": map[string]interface{}{"processingDate": "2025-01-05"}},
				},
			})
		case "/v1/analyticsReportInstances/inst-1/segments":
			// Listing omits the URL; it only appears on the segment detail.
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{"type": "analyticsReportSegments", "id": "seg-1", "attributes": map[string]interface{}{"sizeInBytes": 42}},
				},
			})
		case "/v1/analyticsReportSegments/seg-1":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"type":       "analyticsReportSegments",
					"id":         "seg-1",
					"attributes": map[string]interface{}{"downloadUrl": srv.URL + "/download/seg-1"},
				},
			})
		case "/download/seg-1":
			_, _ = w.Write([]byte("Date\tSessions\n2025-01-05\t9\n"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	store := newMemStore()
	p := newFetchPipeline(newTestClient(t, srv), store, config.GetLogger())

	result, err := p.FetchForDate(context.Background(), "100", "req-1", "2025-01-05")
	if err != nil {
		t.Fatalf("FetchForDate: %v", err)
	}
	if result.Files != 1 || result.Rows != 1 {
		t.Fatalf("result = %+v, want 1 file / 1 row", result)
	}
	if !store.has("appstore/raw/sessions/dt=2025-01-05/app_id=100/app_sessions_standard_seg-1.csv") {
		t.Fatal("artifact not landed under sessions category")
	}
}
