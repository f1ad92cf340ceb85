package appstoresync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mmdatafocus/apptrack_backend/models"
)

// QueryEngine abstracts the analytics query layer whose partition metadata
// must be refreshed after curated objects change. Statements run
// asynchronously: execute, poll to a terminal status, then fetch rows.
type QueryEngine interface {
	ExecuteStatement(ctx context.Context, stmt string) (string, error)
	PollStatus(ctx context.Context, executionID string) (string, error)
	FetchRows(ctx context.Context, executionID string) ([][]string, error)
}

const (
	QueryStatusRunning   = "RUNNING"
	QueryStatusSucceeded = "SUCCEEDED"
	QueryStatusFailed    = "FAILED"
)

// gormQueryEngine runs partition-refresh statements straight against the
// bookkeeping database. Statements complete synchronously, so polls are
// immediately terminal; the async contract is kept for engines that are not.
type gormQueryEngine struct {
	db       *gorm.DB
	statuses map[string]string
}

func newGormQueryEngine(db *gorm.DB) *gormQueryEngine {
	return &gormQueryEngine{db: db, statuses: map[string]string{}}
}

func (e *gormQueryEngine) ExecuteStatement(ctx context.Context, stmt string) (string, error) {
	id := uuid.NewString()
	if err := e.db.WithContext(ctx).Exec(stmt).Error; err != nil {
		e.statuses[id] = QueryStatusFailed
		return id, err
	}
	e.statuses[id] = QueryStatusSucceeded
	return id, nil
}

func (e *gormQueryEngine) PollStatus(ctx context.Context, executionID string) (string, error) {
	if st, ok := e.statuses[executionID]; ok {
		return st, nil
	}
	return QueryStatusFailed, fmt.Errorf("unknown execution id %s", executionID)
}

func (e *gormQueryEngine) FetchRows(ctx context.Context, executionID string) ([][]string, error) {
	return nil, nil
}

// upsertPartition records that a curated object exists for the given
// partition tuple, updating the row count in place on refresh.
func upsertPartition(ctx context.Context, db *gorm.DB, category, metricDate, appID, objectKey string, rowCount int) error {
	if db == nil {
		return nil
	}
	p := models.CuratedPartition{
		Category:    category,
		MetricDate:  metricDate,
		AppId:       appID,
		ObjectKey:   objectKey,
		RowCount:    rowCount,
		RefreshedAt: time.Now().UTC(),
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "category"}, {Name: "metric_date"}, {Name: "app_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"object_key", "row_count", "refreshed_at", "updated_at"}),
	}).Create(&p).Error
}

// refreshPartitions pushes the query layer's partition metadata forward for
// each category touched by a run, waiting out each statement.
func refreshPartitions(ctx context.Context, qe QueryEngine, categories []string) error {
	if qe == nil {
		return nil
	}
	for _, category := range categories {
		stmt := fmt.Sprintf(
			"UPDATE curated_partitions SET refreshed_at = CURRENT_TIMESTAMP WHERE category = '%s'", category)
		execID, err := qe.ExecuteStatement(ctx, stmt)
		if err != nil {
			return fmt.Errorf("refresh partitions for %s: %v", category, err)
		}
		for {
			status, err := qe.PollStatus(ctx, execID)
			if err != nil {
				return err
			}
			if status == QueryStatusSucceeded {
				break
			}
			if status == QueryStatusFailed {
				return fmt.Errorf("partition refresh for %s failed", category)
			}
			if err := sleepCtx(ctx, time.Second); err != nil {
				return err
			}
		}
	}
	return nil
}
