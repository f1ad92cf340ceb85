package appstoresync

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/apptrack_backend/config"
	"bitbucket.org/mmdatafocus/apptrack_backend/models"
)

func TestDateSpan(t *testing.T) {
	dates, err := dateSpan("2025-01-05", "2025-01-07")
	if err != nil {
		t.Fatalf("dateSpan: %v", err)
	}
	want := []string{"2025-01-05", "2025-01-06", "2025-01-07"}
	if len(dates) != len(want) {
		t.Fatalf("dates = %v", dates)
	}
	for i := range want {
		if dates[i] != want[i] {
			t.Fatalf("dates = %v, want %v", dates, want)
		}
	}

	if _, err := dateSpan("2025-01-07", "2025-01-05"); err == nil {
		t.Fatal("inverted range must fail")
	}
	if _, err := dateSpan("bogus", "2025-01-05"); err == nil {
		t.Fatal("bad start date must fail")
	}
}

func TestRunCurateOverLandedData(t *testing.T) {
	store := newMemStore()
	putRaw(t, store, CategoryDownloads, "2025-01-05", "100", "app_store_downloads_standard_a.csv",
		downloadsHeader,
		downloadsRow("2025-01-05", "First-time download", "USA", 10))
	putRaw(t, store, CategoryDownloads, "2025-01-07", "100", "app_store_downloads_standard_b.csv",
		downloadsHeader,
		downloadsRow("2025-01-05", "First-time download", "USA", 12))

	logger := config.GetLogger()
	engine := newEngineWith(nil, newObjectRegistry(store, logger), store, nil, nil, logger, Options{LookbackDays: 7, Parallelism: 1})

	run := &models.SyncRun{Mode: models.SyncModeCurate}
	summary := engine.RunCurate(context.Background(), run, []string{"100"}, "2025-01-05", "2025-01-05")

	if !summary.Succeeded() {
		t.Fatalf("summary = %+v, want success", summary)
	}
	if summary.RowsCurated != 1 {
		t.Fatalf("rows curated = %d, want 1", summary.RowsCurated)
	}
	if !store.has(curatedObjectKey(CategoryDownloads, "2025-01-05", "100")) {
		t.Fatal("curated object missing")
	}
	// Run bookkeeping reflects the outcome even without a database.
	if run.Status != models.SyncRunStatusSuccess {
		t.Fatalf("run status = %q, want success", run.Status)
	}
}

func TestFinishRunStatusDerivation(t *testing.T) {
	cases := []struct {
		name      string
		processed int
		succeeded int
		want      string
	}{
		{"all succeeded", 3, 3, models.SyncRunStatusSuccess},
		{"some succeeded", 3, 1, models.SyncRunStatusPartial},
		{"none succeeded", 3, 0, models.SyncRunStatusFailed},
		{"nothing processed", 0, 0, models.SyncRunStatusFailed},
	}
	for _, tc := range cases {
		run := &models.SyncRun{}
		started := time.Now().UTC().Add(-time.Second)
		run.StartedAt = &started
		summary := &RunSummary{AppsProcessed: tc.processed, AppsSucceeded: tc.succeeded}
		finishRun(nil, run, summary)
		if run.Status != tc.want {
			t.Errorf("%s: status = %q, want %q", tc.name, run.Status, tc.want)
		}
		if run.DurationMs <= 0 {
			t.Errorf("%s: duration not recorded", tc.name)
		}
	}
}

func TestErrorCodes(t *testing.T) {
	if errorCode(ErrNotReady) != "not_ready" || !isRetryable(ErrNotReady) {
		t.Fatal("not ready must be retryable")
	}
	if errorCode(ErrUpstreamFailure) != "upstream_failure" || isRetryable(ErrUpstreamFailure) {
		t.Fatal("upstream failure must not be retryable")
	}
	if errorCode(ErrSchemaMismatch) != "schema_mismatch" {
		t.Fatal("schema mismatch code")
	}
}
