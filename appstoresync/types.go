package appstoresync

import "time"

// AccessMode selects how a report request is scoped upstream.
// CONTINUOUS requests never expire and are reused across daily runs;
// FIXED_RANGE requests cover one explicit date span and are keyed by it.
type AccessMode string

const (
	AccessModeContinuous AccessMode = "ONGOING"
	AccessModeFixedRange AccessMode = "ONE_TIME_SNAPSHOT"
)

// DateRange scopes a FIXED_RANGE request. Dates are YYYY-MM-DD.
type DateRange struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// RegistryEntry is the persisted mirror of one upstream report request.
type RegistryEntry struct {
	AppId        string     `json:"app_id"`
	AccessMode   AccessMode `json:"access_type"`
	StartDate    string     `json:"start_date,omitempty"`
	EndDate      string     `json:"end_date,omitempty"`
	RequestId    string     `json:"request_id"`
	Status       string     `json:"status,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastVerified *time.Time `json:"last_verified,omitempty"`
}

// Report categories the fetch pipeline lands and the curator reconciles.
const (
	CategoryDownloads  = "downloads"
	CategoryEngagement = "engagement"
	CategorySessions   = "sessions"
	CategoryInstalls   = "installs"
	CategoryPurchases  = "purchases"
	CategoryReviews    = "reviews"
	CategoryOther      = "other"
)

// CuratedCategories are the tabular categories the reconciliation engine
// produces curated records for. Reviews are landed raw but deduplicated by
// review id elsewhere, not merged by metric date.
var CuratedCategories = []string{
	CategoryDownloads,
	CategoryEngagement,
	CategorySessions,
	CategoryInstalls,
	CategoryPurchases,
}

// FetchResult summarizes one app/processing-date extraction.
type FetchResult struct {
	Files int
	Rows  int
}

// RunSummary is the user-visible result of one pipeline run.
type RunSummary struct {
	Mode           string   `json:"mode"`
	AppsProcessed  int      `json:"apps_processed"`
	AppsSucceeded  int      `json:"apps_succeeded"`
	FilesLanded    int      `json:"files_landed"`
	RowsCurated    int      `json:"rows_curated"`
	Errors         []string `json:"errors"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

func (s *RunSummary) Succeeded() bool {
	return s.AppsSucceeded > 0
}

// SyncPubSubPayload is the message published to trigger a queued run.
type SyncPubSubPayload struct {
	RunId uint `json:"run_id"`
}

// PubSubPushEnvelope is the wrapper Google Pub/Sub push delivery uses.
type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// TriggerSyncRequest is the admin API payload for starting a run.
type TriggerSyncRequest struct {
	Mode           string   `json:"mode" binding:"required,oneof=daily backfill curate"`
	AppIds         []string `json:"appIds"`
	ProcessingDate string   `json:"processingDate"`
	StartDate      string   `json:"startDate"`
	EndDate        string   `json:"endDate"`
}
