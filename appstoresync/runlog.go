package appstoresync

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/apptrack_backend/config"
	"bitbucket.org/mmdatafocus/apptrack_backend/models"
)

// Run bookkeeping. All helpers tolerate a nil DB so the CLI runners work
// against the object store alone.

func createSyncRun(db *gorm.DB, mode, triggeredBy, correlationID string, appIDs []string, processingDate, startDate, endDate string) *models.SyncRun {
	run := &models.SyncRun{
		CorrelationId:  correlationID,
		Mode:           mode,
		Status:         models.SyncRunStatusQueued,
		TriggeredBy:    triggeredBy,
		ProcessingDate: processingDate,
		StartDate:      startDate,
		EndDate:        endDate,
	}
	if ids, err := json.Marshal(appIDs); err == nil {
		run.AppIdsJSON = ids
	}
	if db == nil {
		return run
	}
	if err := db.Create(run).Error; err != nil {
		config.LogError(config.GetLogger(), "appstoresync", "createSyncRun", "insert sync run", mode, err)
	}
	return run
}

func markRunRunning(db *gorm.DB, run *models.SyncRun) {
	now := time.Now().UTC()
	run.Status = models.SyncRunStatusRunning
	run.StartedAt = &now
	if db == nil || run.ID == 0 {
		return
	}
	if err := db.Model(run).Updates(map[string]interface{}{
		"status":     run.Status,
		"started_at": run.StartedAt,
	}).Error; err != nil {
		config.LogError(config.GetLogger(), "appstoresync", "markRunRunning", "update sync run", run.ID, err)
	}
}

// finishRun derives the terminal status from the summary: success when every
// app made it, partial when at least one did, failed otherwise.
func finishRun(db *gorm.DB, run *models.SyncRun, summary *RunSummary) {
	now := time.Now().UTC()
	run.FinishedAt = &now
	if run.StartedAt != nil {
		run.DurationMs = now.Sub(*run.StartedAt).Milliseconds()
	}
	run.AppsProcessed = summary.AppsProcessed
	run.AppsSucceeded = summary.AppsSucceeded
	run.FilesLanded = summary.FilesLanded
	run.RowsCurated = summary.RowsCurated
	run.ErrorCount = len(summary.Errors)
	switch {
	case summary.AppsProcessed > 0 && summary.AppsSucceeded == summary.AppsProcessed:
		run.Status = models.SyncRunStatusSuccess
	case summary.AppsSucceeded > 0:
		run.Status = models.SyncRunStatusPartial
	default:
		run.Status = models.SyncRunStatusFailed
	}
	if stats, err := json.Marshal(summary); err == nil {
		run.StatsJSON = stats
	}
	if db == nil || run.ID == 0 {
		return
	}
	if err := db.Model(run).Updates(map[string]interface{}{
		"status":         run.Status,
		"finished_at":    run.FinishedAt,
		"duration_ms":    run.DurationMs,
		"apps_processed": run.AppsProcessed,
		"apps_succeeded": run.AppsSucceeded,
		"files_landed":   run.FilesLanded,
		"rows_curated":   run.RowsCurated,
		"error_count":    run.ErrorCount,
		"stats_json":     run.StatsJSON,
	}).Error; err != nil {
		config.LogError(config.GetLogger(), "appstoresync", "finishRun", "update sync run", run.ID, err)
	}
}

func recordRunError(db *gorm.DB, runID uint, appID, category, metricDate string, err error) {
	if db == nil || runID == 0 || err == nil {
		return
	}
	rec := models.SyncRunError{
		SyncRunId:  runID,
		AppId:      appID,
		Category:   category,
		MetricDate: metricDate,
		ErrorCode:  errorCode(err),
		Message:    err.Error(),
		Retryable:  isRetryable(err),
	}
	if derr := db.Create(&rec).Error; derr != nil {
		config.LogError(config.GetLogger(), "appstoresync", "recordRunError", "insert run error", runID, derr)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnavailable):
		return "request_unavailable"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrUpstreamFailure):
		return "upstream_failure"
	case errors.Is(err, ErrSchemaMismatch):
		return "schema_mismatch"
	default:
		return "internal"
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrNotReady) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUnavailable)
}
