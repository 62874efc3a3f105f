// Package database is the per-machine job ledger: one sqlite file under the
// postprocessing base recording every planned job, its generated tasks, and
// reconciliation outcomes across process restarts. The chunk manifests on
// disk remain the authoritative recovery mechanism for image lists; the
// ledger is operator-facing state.
package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const (
	JobPlanned    string = "PLANNED"
	JobScripted   string = "SCRIPTED"
	JobRunning    string = "RUNNING"
	JobReconciled string = "RECONCILED"
	JobFailed     string = "FAILED"
)

type JobRun struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	// BaseTaskName is "<org>-<date>[-<tag>]-<version>"; one ledger row per
	// job name, re-planning reuses the row.
	BaseTaskName string `gorm:"uniqueIndex;not null"`

	InputPath  string
	ModelFile  string
	NJobs      int
	NGPUs      int
	ImageCount int

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	CompletionTime sql.NullTime

	FailureCount       int `gorm:"default:0"`
	CombinedOutputFile string

	Tasks []TaskRecord `gorm:"foreignKey:JobId;constraint:OnDelete:CASCADE"`
}

const (
	TaskScripted  string = "SCRIPTED"
	TaskRunning   string = "RUNNING"
	TaskCompleted string = "COMPLETED"
	TaskFailed    string = "FAILED"
)

type TaskRecord struct {
	JobId  uuid.UUID `gorm:"type:uuid;primaryKey"`
	TaskId int       `gorm:"primaryKey"`

	GPU               int
	InputFile         string
	OutputFile        string
	CommandFile       string
	ResumeCommandFile string

	Status         string `gorm:"size:20;not null"`
	NFailures      int    `gorm:"default:0"`
	CreationTime   time.Time
	CompletionTime sql.NullTime
}
