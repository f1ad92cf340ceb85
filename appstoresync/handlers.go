package appstoresync

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/apptrack_backend/config"
	"bitbucket.org/mmdatafocus/apptrack_backend/models"
)

// authorized gates the admin surface behind ADMIN_API_TOKEN when it is set.
// Without the env var the endpoints are open, which is only sane behind IAM
// on Cloud Run.
func authorized(c *gin.Context) bool {
	want := strings.TrimSpace(os.Getenv("ADMIN_API_TOKEN"))
	if want == "" {
		return true
	}
	got := strings.TrimSpace(c.GetHeader("X-Admin-Token"))
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func validDate(s string) bool {
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

// TriggerSyncHandler queues a run and hands it to the worker via Pub/Sub.
// When publishing is unavailable (local dev) the run executes in-process.
func TriggerSyncHandler(engine *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authorized(c) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req TriggerSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		appIDs := req.AppIds
		if len(appIDs) == 0 {
			appIDs = AppIdsFromEnv()
		}
		if len(appIDs) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "appIds is required"})
			return
		}

		switch req.Mode {
		case models.SyncModeDaily:
			if req.ProcessingDate == "" {
				req.ProcessingDate = DefaultProcessingDate()
			}
			if !validDate(req.ProcessingDate) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "processingDate must be YYYY-MM-DD"})
				return
			}
		case models.SyncModeBackfill, models.SyncModeCurate:
			if !validDate(req.StartDate) || !validDate(req.EndDate) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "startDate and endDate must be YYYY-MM-DD"})
				return
			}
			if req.EndDate < req.StartDate {
				c.JSON(http.StatusBadRequest, gin.H{"error": "endDate is before startDate"})
				return
			}
		}

		db := config.GetDB()
		run := createSyncRun(db, req.Mode, models.SyncTriggeredManual, uuid.NewString(), appIDs, req.ProcessingDate, req.StartDate, req.EndDate)
		if db != nil && run.ID == 0 {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not persist run"})
			return
		}

		if err := PublishSyncRun(c.Request.Context(), run.ID); err != nil {
			config.LogError(config.GetLogger(), "appstoresync", "TriggerSyncHandler", "publish run, falling back to local execution", run.ID, err)
			go func(runID uint) {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
				defer cancel()
				if perr := engine.ProcessQueuedRun(ctx, runID); perr != nil {
					config.LogError(config.GetLogger(), "appstoresync", "TriggerSyncHandler", "local run", runID, perr)
				}
			}(run.ID)
		}

		c.JSON(http.StatusOK, gin.H{"id": run.ID, "correlationId": run.CorrelationId})
	}
}

// SyncRunDetailHandler returns one run with its recorded errors.
func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authorized(c) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database not available"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		var run models.SyncRun
		if err := db.WithContext(c.Request.Context()).Take(&run, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var errs []models.SyncRunError
		if err := db.WithContext(c.Request.Context()).
			Where("sync_run_id = ?", run.ID).
			Order("id desc").
			Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"run": run, "errors": errs})
	}
}

// SyncHistoryHandler lists recent runs, newest first.
func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authorized(c) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database not available"})
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		query := db.WithContext(c.Request.Context()).Order("id desc").Limit(limit)
		if mode := strings.TrimSpace(c.Query("mode")); mode != "" {
			query = query.Where("mode = ?", mode)
		}

		var runs []models.SyncRun
		if err := query.Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": runs})
	}
}

// RegistryHandler lists the request registry. With ?verify=true every entry
// is re-checked upstream first.
func RegistryHandler(engine *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authorized(c) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var entries []RegistryEntry
		var err error
		if strings.EqualFold(c.Query("verify"), "true") {
			entries, err = engine.VerifyRegistry(c.Request.Context())
		} else {
			entries, err = engine.Registry().All(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": entries})
	}
}

// PartitionsHandler lists curated partition metadata for a category.
func PartitionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authorized(c) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database not available"})
			return
		}

		query := db.WithContext(c.Request.Context()).Order("metric_date desc").Limit(200)
		if category := strings.TrimSpace(c.Query("category")); category != "" {
			query = query.Where("category = ?", category)
		}
		if appID := strings.TrimSpace(c.Query("appId")); appID != "" {
			query = query.Where("app_id = ?", appID)
		}

		var parts []models.CuratedPartition
		if err := query.Find(&parts).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": parts})
	}
}
