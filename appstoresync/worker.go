package appstoresync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/apptrack_backend/config"
	"bitbucket.org/mmdatafocus/apptrack_backend/models"
)

// Options tune a run. Zero values fall back to the env-derived defaults.
type Options struct {
	LookbackDays int
	MaxPolls     int
	PollInterval time.Duration
	Parallelism  int
	EntityDelay  time.Duration
}

func optionsFromEnv() Options {
	return Options{
		LookbackDays: intEnv("SYNC_LOOKBACK_DAYS", 7),
		MaxPolls:     intEnv("SYNC_MAX_POLLS", 20),
		PollInterval: time.Duration(intEnv("SYNC_POLL_INTERVAL_SEC", 30)) * time.Second,
		Parallelism:  intEnv("SYNC_PARALLELISM", 2),
		EntityDelay:  time.Duration(intEnv("SYNC_ENTITY_DELAY_MS", 500)) * time.Millisecond,
	}
}

func intEnv(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

// AppIdsFromEnv is the default app set for scheduled runs.
func AppIdsFromEnv() []string {
	var out []string
	for _, part := range strings.Split(os.Getenv("APP_IDS"), ",") {
		if id := strings.TrimSpace(part); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Engine wires the sync pipeline together: request lifecycle, readiness
// polling, raw extraction, curation, and bookkeeping.
type Engine struct {
	lifecycle *requestLifecycle
	detector  *completionDetector
	fetcher   *fetchPipeline
	curator   *curator
	registry  RegistryStore
	store     ObjectStore
	db        *gorm.DB
	queries   QueryEngine
	logger    *logrus.Logger
	opts      Options
}

// NewEngine builds a fully wired engine from the environment. The DB handle
// may be nil; bookkeeping then degrades to logs only.
func NewEngine(ctx context.Context) (*Engine, error) {
	logger := config.GetLogger()
	tokens, err := newEnvTokenProvider()
	if err != nil {
		return nil, err
	}
	store, err := newGCSStore(ctx)
	if err != nil {
		return nil, err
	}
	opts := optionsFromEnv()
	client := newAnalyticsClient(tokens, logger)
	registry := newObjectRegistry(store, logger)
	db := config.GetDB()

	var queries QueryEngine
	if db != nil {
		queries = newGormQueryEngine(db)
	}
	return newEngineWith(client, registry, store, db, queries, logger, opts), nil
}

func newEngineWith(client *analyticsClient, registry RegistryStore, store ObjectStore, db *gorm.DB, queries QueryEngine, logger *logrus.Logger, opts Options) *Engine {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	return &Engine{
		lifecycle: newRequestLifecycle(client, registry, store, logger),
		detector:  newCompletionDetector(client, store, logger, opts.MaxPolls, opts.PollInterval),
		fetcher:   newFetchPipeline(client, store, logger),
		curator:   newCurator(store, logger),
		registry:  registry,
		store:     store,
		db:        db,
		queries:   queries,
		logger:    logger,
		opts:      opts,
	}
}

// Registry exposes the request registry for the admin surface.
func (e *Engine) Registry() RegistryStore { return e.registry }

// VerifyRegistry re-checks every registry entry against the upstream and
// returns the refreshed entries.
func (e *Engine) VerifyRegistry(ctx context.Context) ([]RegistryEntry, error) {
	entries, err := e.registry.All(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entry := entries[i]
		ok, verr := e.lifecycle.verify(ctx, &entry)
		if verr != nil {
			config.LogError(e.logger, "appstoresync", "VerifyRegistry", "verify entry", entry.AppId, verr)
			continue
		}
		if !ok {
			entry.Status = "NOT_FOUND"
		}
		entries[i] = entry
	}
	return entries, nil
}

// RunDaily processes one processing-date cohort for each app: resolve the
// continuous request, wait for data, land raw files, then re-curate every
// metric date the new cohort can revise. App failures are contained.
func (e *Engine) RunDaily(ctx context.Context, run *models.SyncRun, appIDs []string, processingDate string) *RunSummary {
	summary := &RunSummary{Mode: models.SyncModeDaily, StartedAt: time.Now().UTC()}
	markRunRunning(e.db, run)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallelism)
	for i, appID := range appIDs {
		appID := appID
		if i > 0 && e.opts.EntityDelay > 0 {
			time.Sleep(e.opts.EntityDelay)
		}
		g.Go(func() error {
			fetched, curated, err := e.processAppDaily(gctx, appID, processingDate)
			mu.Lock()
			defer mu.Unlock()
			summary.AppsProcessed++
			summary.FilesLanded += fetched.Files
			summary.RowsCurated += curated
			if err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("app %s: %v", appID, err))
				recordRunError(e.db, run.ID, appID, "", processingDate, err)
				return nil
			}
			summary.AppsSucceeded++
			return nil
		})
	}
	_ = g.Wait()

	if err := refreshPartitions(ctx, e.queries, CuratedCategories); err != nil {
		config.LogError(e.logger, "appstoresync", "RunDaily", "refresh partitions", processingDate, err)
	}

	summary.FinishedAt = time.Now().UTC()
	finishRun(e.db, run, summary)
	return summary
}

func (e *Engine) processAppDaily(ctx context.Context, appID, processingDate string) (FetchResult, int, error) {
	var zero FetchResult

	requestID, err := e.lifecycle.GetOrCreate(ctx, appID, AccessModeContinuous, nil)
	if err != nil {
		return zero, 0, err
	}
	ready, err := e.detector.WaitUntilReady(ctx, requestID)
	if err != nil {
		return zero, 0, err
	}
	if !ready {
		return zero, 0, fmt.Errorf("%w: request %s not ready within poll budget", ErrNotReady, requestID)
	}

	fetched, err := e.fetcher.FetchForDate(ctx, appID, requestID, processingDate)
	if err != nil {
		return zero, 0, err
	}

	curated, err := e.curateWindow(ctx, appID, processingDate)
	if err != nil {
		return fetched, curated, err
	}
	e.logger.WithFields(logrus.Fields{
		"module":         "appstoresync",
		"funcName":       "processAppDaily",
		"appId":          appID,
		"processingDate": processingDate,
		"files":          fetched.Files,
		"rowsCurated":    curated,
	}).Info("app sync finished")
	return fetched, curated, nil
}

// curateWindow re-reconciles every metric date the cohort at processingDate
// can revise, i.e. the lookback window ending at that date.
func (e *Engine) curateWindow(ctx context.Context, appID, processingDate string) (int, error) {
	day, err := time.Parse("2006-01-02", processingDate)
	if err != nil {
		return 0, fmt.Errorf("bad processing date %q: %v", processingDate, err)
	}
	total := 0
	var firstErr error
	for offset := e.opts.LookbackDays; offset >= 0; offset-- {
		metricDate := day.AddDate(0, 0, -offset).Format("2006-01-02")
		n, err := e.curateDate(ctx, appID, metricDate)
		total += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return total, firstErr
}

// curateDate rebuilds every category's curated partition for one metric
// date. Category failures are contained so one bad schema does not starve
// the rest.
func (e *Engine) curateDate(ctx context.Context, appID, metricDate string) (int, error) {
	total := 0
	var firstErr error
	for _, category := range CuratedCategories {
		n, err := e.curator.Reconcile(ctx, category, appID, metricDate, e.opts.LookbackDays)
		if err != nil {
			config.LogError(e.logger, "appstoresync", "curateDate", "reconcile "+category, appID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if n > 0 {
			total += n
			key := curatedObjectKey(category, metricDate, appID)
			if err := upsertPartition(ctx, e.db, category, metricDate, appID, key, n); err != nil {
				config.LogError(e.logger, "appstoresync", "curateDate", "upsert partition", key, err)
			}
		}
	}
	return total, firstErr
}

// RunBackfill replays a span of processing dates per app using a
// fixed-range request scoped to the span.
func (e *Engine) RunBackfill(ctx context.Context, run *models.SyncRun, appIDs []string, startDate, endDate string) *RunSummary {
	summary := &RunSummary{Mode: models.SyncModeBackfill, StartedAt: time.Now().UTC()}
	markRunRunning(e.db, run)

	dates, err := dateSpan(startDate, endDate)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		summary.FinishedAt = time.Now().UTC()
		finishRun(e.db, run, summary)
		return summary
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallelism)
	for i, appID := range appIDs {
		appID := appID
		if i > 0 && e.opts.EntityDelay > 0 {
			time.Sleep(e.opts.EntityDelay)
		}
		g.Go(func() error {
			fetched, curated, err := e.processAppBackfill(gctx, appID, startDate, endDate, dates)
			mu.Lock()
			defer mu.Unlock()
			summary.AppsProcessed++
			summary.FilesLanded += fetched.Files
			summary.RowsCurated += curated
			if err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("app %s: %v", appID, err))
				recordRunError(e.db, run.ID, appID, "", startDate, err)
				return nil
			}
			summary.AppsSucceeded++
			return nil
		})
	}
	_ = g.Wait()

	if err := refreshPartitions(ctx, e.queries, CuratedCategories); err != nil {
		config.LogError(e.logger, "appstoresync", "RunBackfill", "refresh partitions", startDate, err)
	}

	summary.FinishedAt = time.Now().UTC()
	finishRun(e.db, run, summary)
	return summary
}

func (e *Engine) processAppBackfill(ctx context.Context, appID, startDate, endDate string, dates []string) (FetchResult, int, error) {
	var total FetchResult

	dr := &DateRange{StartDate: startDate, EndDate: endDate}
	requestID, err := e.lifecycle.GetOrCreate(ctx, appID, AccessModeFixedRange, dr)
	if err != nil {
		return total, 0, err
	}
	ready, err := e.detector.WaitUntilReady(ctx, requestID)
	if err != nil {
		return total, 0, err
	}
	if !ready {
		return total, 0, fmt.Errorf("%w: request %s not ready within poll budget", ErrNotReady, requestID)
	}

	var firstErr error
	for _, pd := range dates {
		fetched, err := e.fetcher.FetchForDate(ctx, appID, requestID, pd)
		total.Files += fetched.Files
		total.Rows += fetched.Rows
		if err != nil && !errors.Is(err, ErrNotReady) && firstErr == nil {
			firstErr = err
		}
	}

	curated := 0
	for _, md := range dates {
		n, err := e.curateDate(ctx, appID, md)
		curated += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return total, curated, firstErr
}

// RunCurate re-runs reconciliation only, over already-landed raw data. No
// upstream calls are made.
func (e *Engine) RunCurate(ctx context.Context, run *models.SyncRun, appIDs []string, startDate, endDate string) *RunSummary {
	summary := &RunSummary{Mode: models.SyncModeCurate, StartedAt: time.Now().UTC()}
	markRunRunning(e.db, run)

	dates, err := dateSpan(startDate, endDate)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		summary.FinishedAt = time.Now().UTC()
		finishRun(e.db, run, summary)
		return summary
	}

	for _, appID := range appIDs {
		summary.AppsProcessed++
		appFailed := false
		for _, md := range dates {
			n, err := e.curateDate(ctx, appID, md)
			summary.RowsCurated += n
			if err != nil {
				appFailed = true
				summary.Errors = append(summary.Errors, fmt.Sprintf("app %s date %s: %v", appID, md, err))
				recordRunError(e.db, run.ID, appID, "", md, err)
			}
		}
		if !appFailed {
			summary.AppsSucceeded++
		}
	}

	if err := refreshPartitions(ctx, e.queries, CuratedCategories); err != nil {
		config.LogError(e.logger, "appstoresync", "RunCurate", "refresh partitions", startDate, err)
	}

	summary.FinishedAt = time.Now().UTC()
	finishRun(e.db, run, summary)
	return summary
}

// ProcessQueuedRun loads a persisted run and executes it according to its
// mode. Terminal runs are skipped so redelivered messages stay idempotent.
func (e *Engine) ProcessQueuedRun(ctx context.Context, runID uint) error {
	if e.db == nil {
		return errors.New("database not available")
	}
	var run models.SyncRun
	if err := e.db.First(&run, runID).Error; err != nil {
		return fmt.Errorf("load sync run %d: %v", runID, err)
	}
	if run.Status != models.SyncRunStatusQueued {
		e.logger.WithFields(logrus.Fields{
			"module":   "appstoresync",
			"funcName": "ProcessQueuedRun",
			"runId":    runID,
			"status":   run.Status,
		}).Info("run already picked up, skipping")
		return nil
	}

	var appIDs []string
	if len(run.AppIdsJSON) > 0 {
		_ = json.Unmarshal(run.AppIdsJSON, &appIDs)
	}
	if len(appIDs) == 0 {
		appIDs = AppIdsFromEnv()
	}

	switch run.Mode {
	case models.SyncModeDaily:
		pd := run.ProcessingDate
		if pd == "" {
			pd = DefaultProcessingDate()
		}
		e.RunDaily(ctx, &run, appIDs, pd)
	case models.SyncModeBackfill:
		e.RunBackfill(ctx, &run, appIDs, run.StartDate, run.EndDate)
	case models.SyncModeCurate:
		e.RunCurate(ctx, &run, appIDs, run.StartDate, run.EndDate)
	default:
		return fmt.Errorf("unknown run mode %q", run.Mode)
	}
	return nil
}

// DefaultProcessingDate is the most recent cohort the upstream has usually
// published: two days behind today, UTC.
func DefaultProcessingDate() string {
	return time.Now().UTC().AddDate(0, 0, -2).Format("2006-01-02")
}

func dateSpan(startDate, endDate string) ([]string, error) {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return nil, fmt.Errorf("bad start date %q: %v", startDate, err)
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return nil, fmt.Errorf("bad end date %q: %v", endDate, err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end date %s before start date %s", endDate, startDate)
	}
	var out []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format("2006-01-02"))
	}
	return out, nil
}
