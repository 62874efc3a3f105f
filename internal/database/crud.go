package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Connect opens (creating if necessary) the sqlite ledger at path and brings
// its schema up to date.
func Connect(path string) (*gorm.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("error creating ledger directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("error opening ledger %s: %w", path, err)
	}

	if err := GetMigrator(db).Migrate(); err != nil {
		return nil, fmt.Errorf("error migrating ledger: %w", err)
	}

	log.Printf("job ledger open at %s", path)
	return db, nil
}

// GetOrCreateJobRun returns the ledger row for the named job, creating it on
// first plan. Re-planning an existing job reuses the row and refreshes the
// mutable fields.
func GetOrCreateJobRun(ctx context.Context, txn *gorm.DB, run *JobRun) (*JobRun, error) {
	var existing JobRun
	err := txn.WithContext(ctx).Where("base_task_name = ?", run.BaseTaskName).First(&existing).Error
	if err == nil {
		updates := map[string]any{
			"input_path":  run.InputPath,
			"model_file":  run.ModelFile,
			"n_jobs":      run.NJobs,
			"n_gpus":      run.NGPUs,
			"image_count": run.ImageCount,
			"status":      run.Status,
		}
		if err := txn.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("error updating job run %s: %w", run.BaseTaskName, err)
		}
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("error looking up job run %s: %w", run.BaseTaskName, err)
	}

	run.Id = uuid.New()
	run.CreationTime = time.Now().UTC()
	if err := txn.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("error creating job run %s: %w", run.BaseTaskName, err)
	}
	return run, nil
}

func GetJobRun(ctx context.Context, txn *gorm.DB, baseTaskName string) (*JobRun, error) {
	var run JobRun
	if err := txn.WithContext(ctx).Preload("Tasks").Where("base_task_name = ?", baseTaskName).First(&run).Error; err != nil {
		return nil, fmt.Errorf("error getting job run %s: %w", baseTaskName, err)
	}
	return &run, nil
}

// SaveTasks upserts the task rows for a job after script generation.
func SaveTasks(ctx context.Context, txn *gorm.DB, tasks []TaskRecord) error {
	if len(tasks) == 0 {
		return nil
	}
	for i := range tasks {
		if tasks[i].CreationTime.IsZero() {
			tasks[i].CreationTime = time.Now().UTC()
		}
	}
	err := txn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}, {Name: "task_id"}},
		UpdateAll: true,
	}).Create(&tasks).Error
	if err != nil {
		return fmt.Errorf("error saving tasks: %w", err)
	}
	return nil
}

func UpdateJobStatus(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == JobReconciled || status == JobFailed {
		updates["completion_time"] = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}

	if err := txn.WithContext(ctx).Model(&JobRun{Id: jobId}).Updates(updates).Error; err != nil {
		return fmt.Errorf("error updating job %s status to %s: %w", jobId, status, err)
	}
	return nil
}

func UpdateTaskStatus(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, taskId int, status string, nFailures int) error {
	updates := map[string]any{"status": status, "n_failures": nFailures}
	if status == TaskCompleted || status == TaskFailed {
		updates["completion_time"] = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}

	// Task ids are 0-based; a struct-valued Model would drop the zero id from
	// the conditions and update every task of the job.
	if err := txn.WithContext(ctx).Model(&TaskRecord{}).
		Where("job_id = ? AND task_id = ?", jobId, taskId).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("error updating task %d of job %s: %w", taskId, jobId, err)
	}
	return nil
}

// RecordReconciliation marks the job reconciled and stores the merged output
// location and total failure count.
func RecordReconciliation(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, combinedOutputFile string, failureCount int) error {
	updates := map[string]any{
		"status":               JobReconciled,
		"combined_output_file": combinedOutputFile,
		"failure_count":        failureCount,
		"completion_time":      sql.NullTime{Time: time.Now().UTC(), Valid: true},
	}
	if err := txn.WithContext(ctx).Model(&JobRun{Id: jobId}).Updates(updates).Error; err != nil {
		return fmt.Errorf("error recording reconciliation for job %s: %w", jobId, err)
	}
	return nil
}
