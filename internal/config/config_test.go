package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validJob() Job {
	job := Default()
	job.InputPath = "/data/survey"
	job.Organization = "idfg"
	job.JobDate = "2026-08-26"
	return job
}

func TestValidate_OK(t *testing.T) {
	require.NoError(t, validJob().Validate())
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	job := Default()
	job.NJobs = 0
	job.Overwrite = "maybe"

	err := job.Validate()
	require.Error(t, err)

	// Every problem is reported at once, not just the first.
	msg := err.Error()
	assert.Contains(t, msg, "input_path")
	assert.Contains(t, msg, "organization")
	assert.Contains(t, msg, "job_date")
	assert.Contains(t, msg, "n_jobs")
	assert.Contains(t, msg, "overwrite_handling")
}

func TestValidate_ModeExclusivity(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Job)
		errHas string
	}{
		{"image queue with checkpointing", func(j *Job) {
			j.UseImageQueue = true
		}, "checkpoint"},
		{"augment without yolo", func(j *Job) {
			j.Augment = true
			j.CheckpointFrequency = 0
		}, "augment"},
		{"tiled with checkpointing", func(j *Job) {
			j.UseTiledInference = true
		}, "checkpoint"},
		{"tiled with yolo", func(j *Job) {
			j.UseTiledInference = true
			j.UseYoloInference = true
			j.CheckpointFrequency = 0
		}, "tiled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := validJob()
			tt.mutate(&job)
			err := job.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errHas)
		})
	}
}

func TestCheckpointing(t *testing.T) {
	job := validJob()
	assert.True(t, job.Checkpointing())

	job.CheckpointFrequency = 0
	assert.False(t, job.Checkpointing())

	job.CheckpointFrequency = -1
	assert.False(t, job.Checkpointing())
}

func TestBaseTaskName(t *testing.T) {
	job := validJob()
	assert.Equal(t, "idfg-2026-08-26-mdv5a", job.BaseTaskName())

	job.JobTag = "plains"
	assert.Equal(t, "idfg-2026-08-26-plains-mdv5a", job.BaseTaskName())
}

func TestDetectorVersion(t *testing.T) {
	assert.Equal(t, "mdv5a", DetectorVersion("MDV5A"))
	assert.Equal(t, "mdv5a", DetectorVersion("mdv5a"))
	assert.Equal(t, "mdv4", DetectorVersion("MDV4"))
	assert.Equal(t, "mdv1000-redwood", DetectorVersion("MDV1000-REDWOOD"))

	// File paths fall back to a sanitized base name.
	assert.Equal(t, "md-v5a.0.0", DetectorVersion(`C:\models\MD_v5a.0.0.pt`))
	assert.Equal(t, "custom-model", DetectorVersion("/models/custom model.pt"))
}

func TestPaths(t *testing.T) {
	job := validJob()
	job.PostprocessingBase = "/postproc"

	paths := job.Paths()
	assert.Equal(t, "/postproc/idfg/idfg-2026-08-26-mdv5a", paths.JobDir)
	assert.Equal(t, "/postproc/idfg/idfg-2026-08-26-mdv5a/combined_api_outputs/idfg-2026-08-26-mdv5a_detections.json",
		paths.CombinedOutputFile)
	assert.Equal(t, "/postproc/mdbatch.db", paths.LedgerFile)
}

func TestNormalizeRoot(t *testing.T) {
	assert.Equal(t, "/data/survey", NormalizeRoot("/data/survey/"))
	assert.Equal(t, "c:/data", NormalizeRoot(`c:\data\`))
	assert.Equal(t, "/", NormalizeRoot("/"))
}

func TestLoad(t *testing.T) {
	file := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
input_path: /data/survey/
organization: idfg
job_date: "2026-08-26"
n_jobs: 4
checkpoint_frequency: 0
`), 0644))

	job, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "/data/survey", job.InputPath)
	assert.Equal(t, 4, job.NJobs)
	assert.False(t, job.Checkpointing())
	// Untouched fields keep their defaults.
	assert.Equal(t, 2, job.NGPUs)
	assert.Equal(t, "MDV5A", job.ModelFile)
	assert.True(t, job.Quiet)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	file := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(file, []byte("input_path: /x\nnot_a_real_option: 1\n"), 0644))

	_, err := Load(file)
	require.Error(t, err)
}

func TestEstimateDurations(t *testing.T) {
	job := validJob()

	// 3 images/s on each of 2 GPUs.
	total, perChunk, ok := job.EstimateDurations(21600, 10800)
	require.True(t, ok)
	assert.Equal(t, time.Hour, total)
	assert.Equal(t, time.Hour, perChunk)

	job.ModelFile = "/models/custom.pt"
	_, _, ok = job.EstimateDurations(100, 50)
	assert.False(t, ok)
}

func TestFormatTimespan(t *testing.T) {
	assert.Equal(t, "30 seconds", FormatTimespan(30*time.Second))
	assert.Equal(t, "14 minutes", FormatTimespan(14*time.Minute))
	assert.Equal(t, "2 hours 5 minutes", FormatTimespan(2*time.Hour+5*time.Minute))
	assert.Equal(t, "2 days 3 hours", FormatTimespan(51*time.Hour+10*time.Minute))
}

func TestSettingsApply(t *testing.T) {
	job := validJob()
	job.PostprocessingBase = "from-job-file"

	assert.Equal(t, "from-job-file", Settings{}.Apply(job).PostprocessingBase)
	assert.Equal(t, "/mnt/postproc", Settings{PostprocessingBase: "/mnt/postproc"}.Apply(job).PostprocessingBase)
}
