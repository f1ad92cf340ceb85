package models

import "time"

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual   = "manual"
	SyncTriggeredSchedule = "schedule"
	SyncTriggeredRetry    = "retry"
)

const (
	SyncModeDaily    = "daily"
	SyncModeBackfill = "backfill"
	SyncModeCurate   = "curate"
)

// SyncRun is one execution of the report sync pipeline across a set of apps.
// Stats and the app list are stored as JSON blobs, same shape the handlers
// accept and return.
type SyncRun struct {
	ID             uint       `gorm:"primary_key" json:"id"`
	CorrelationId  string     `gorm:"size:64;index" json:"correlation_id"`
	Mode           string     `gorm:"size:20;not null" json:"mode"`
	Status         string     `gorm:"size:20;not null;index" json:"status"`
	TriggeredBy    string     `gorm:"size:20" json:"triggered_by"`
	ProcessingDate string     `gorm:"size:10;index" json:"processing_date"`
	StartDate      string     `gorm:"size:10" json:"start_date"`
	EndDate        string     `gorm:"size:10" json:"end_date"`
	AppIdsJSON     []byte     `gorm:"type:json" json:"app_ids"`
	StatsJSON      []byte     `gorm:"type:json" json:"stats"`
	AppsProcessed  int        `json:"apps_processed"`
	AppsSucceeded  int        `json:"apps_succeeded"`
	FilesLanded    int        `json:"files_landed"`
	RowsCurated    int        `json:"rows_curated"`
	ErrorCount     int        `json:"error_count"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	DurationMs     int64      `json:"duration_ms"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncRunError is one contained failure inside a run. Failures are recorded
// per app/date and never abort the run for the other apps.
type SyncRunError struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	SyncRunId  uint      `gorm:"index;not null" json:"sync_run_id"`
	AppId      string    `gorm:"size:32;index" json:"app_id"`
	Category   string    `gorm:"size:32" json:"category"`
	MetricDate string    `gorm:"size:10" json:"metric_date"`
	ErrorCode  string    `gorm:"size:64" json:"error_code"`
	Message    string    `gorm:"type:text" json:"message"`
	Retryable  bool      `gorm:"default:false" json:"retryable"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// CuratedPartition mirrors which (category, metric_date, app_id) partitions
// exist in the curated store, so the query layer can refresh its metadata
// without listing the bucket.
type CuratedPartition struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	Category   string    `gorm:"uniqueIndex:idx_curated_partition,priority:1;size:32;not null" json:"category"`
	MetricDate string    `gorm:"uniqueIndex:idx_curated_partition,priority:2;size:10;not null" json:"metric_date"`
	AppId      string    `gorm:"uniqueIndex:idx_curated_partition,priority:3;size:32;not null" json:"app_id"`
	ObjectKey  string    `gorm:"size:512;not null" json:"object_key"`
	RowCount   int       `json:"row_count"`
	RefreshedAt time.Time `json:"refreshed_at"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
