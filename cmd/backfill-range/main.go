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
	from := flag.String("from", "", "Start date (YYYY-MM-DD), required.")
	to := flag.String("to", "", "End date (YYYY-MM-DD), required.")
	skipDB := flag.Bool("skip-db", false, "Run without the bookkeeping database (object store only).")
	flag.Parse()

	if strings.TrimSpace(*from) == "" || strings.TrimSpace(*to) == "" {
		fmt.Fprintln(os.Stderr, "-from and -to are required")
		os.Exit(1)
	}

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

	engine, err := appstoresync.NewEngine(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build sync engine: %v\n", err)
		os.Exit(1)
	}

	run := &models.SyncRun{Mode: models.SyncModeBackfill, Status: models.SyncRunStatusQueued, TriggeredBy: models.SyncTriggeredManual, StartDate: *from, EndDate: *to}
	if db := config.GetDB(); db != nil {
		_ = db.Create(run).Error
	}

	fmt.Printf("Backfilling %d app(s) from %s to %s\n", len(appIDs), *from, *to)
	summary := engine.RunBackfill(ctx, run, appIDs, *from, *to)

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
