package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/apptrack_backend/appstoresync"
	"bitbucket.org/mmdatafocus/apptrack_backend/config"
	"bitbucket.org/mmdatafocus/apptrack_backend/models"
)

func main() {
	apps := flag.String("apps", "", "Optional: comma-separated app ids. Defaults to APP_IDS.")
	date := flag.String("date", "", "Optional: processing date (YYYY-MM-DD). Defaults to two days ago UTC.")
	skipDB := flag.Bool("skip-db", false, "Run without the bookkeeping database (object store only).")
	flag.Parse()

	ctx := context.Background()
	if !*skipDB {
		config.ConnectDatabaseWithRetry()
		models.MigrateTable()
	}

	appIDs := splitApps(*apps)
	if len(appIDs) == 0 {
		appIDs = appstoresync.AppIdsFromEnv()
	}
	if len(appIDs) == 0 {
		fmt.Fprintln(os.Stderr, "no app ids: pass -apps or set APP_IDS")
		os.Exit(1)
	}

	processingDate := strings.TrimSpace(*date)
	if processingDate == "" {
		processingDate = appstoresync.DefaultProcessingDate()
	}

	engine, err := appstoresync.NewEngine(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build sync engine: %v\n", err)
		os.Exit(1)
	}

	run := &models.SyncRun{Mode: models.SyncModeDaily, Status: models.SyncRunStatusQueued, TriggeredBy: models.SyncTriggeredSchedule, ProcessingDate: processingDate}
	if db := config.GetDB(); db != nil {
		_ = db.Create(run).Error
	}

	fmt.Printf("Syncing %d app(s) for processing date %s\n", len(appIDs), processingDate)
	summary := engine.RunDaily(ctx, run, appIDs, processingDate)

	fmt.Printf("apps=%d succeeded=%d files=%d rows_curated=%d errors=%d\n",
		summary.AppsProcessed, summary.AppsSucceeded, summary.FilesLanded, summary.RowsCurated, len(summary.Errors))
	for _, e := range summary.Errors {
		fmt.Fprintln(os.Stderr, e)
	}
	if !summary.Succeeded() {
		os.Exit(1)
	}
}

func splitApps(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if id := strings.TrimSpace(part); id != "" {
			out = append(out, id)
		}
	}
	return out
}
