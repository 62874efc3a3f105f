package config

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Paths holds every location derived from the three identifying fields.
// All components build file names from these rather than re-deriving them.
type Paths struct {
	// BaseTaskName is "<org>-<date>[-<tag>]-<detector version>".
	BaseTaskName string
	// JobDir contains everything for this job: chunk manifests, scripts,
	// per-chunk outputs, RDE artifacts.
	JobDir string
	// CombinedOutputDir holds the merged results file and classifier outputs.
	CombinedOutputDir string
	// PreviewDir holds HTML preview output folders.
	PreviewDir string
	// CombinedOutputFile is the job's canonical merged results file.
	CombinedOutputFile string
	// LedgerFile is the sqlite job ledger shared by all jobs under the same
	// postprocessing base.
	LedgerFile string
}

func (job Job) Paths() Paths {
	base := ExpandUser(job.PostprocessingBase)
	taskName := job.BaseTaskName()
	jobDir := filepath.ToSlash(filepath.Join(base, job.Organization, taskName))

	combinedDir := path.Join(jobDir, "combined_api_outputs")
	return Paths{
		BaseTaskName:       taskName,
		JobDir:             jobDir,
		CombinedOutputDir:  combinedDir,
		PreviewDir:         path.Join(jobDir, "preview"),
		CombinedOutputFile: path.Join(combinedDir, taskName+"_detections.json"),
		LedgerFile:         filepath.ToSlash(filepath.Join(base, "mdbatch.db")),
	}
}

func (job Job) BaseTaskName() string {
	name := job.Organization + "-" + job.JobDate
	if job.JobTag != "" {
		name += "-" + job.JobTag
	}
	return name + "-" + DetectorVersion(job.ModelFile)
}

// knownModelVersions maps well-known model identifiers to their short version
// tokens used in job naming.
var knownModelVersions = map[string]string{
	"MDV4":            "mdv4",
	"MDV5A":           "mdv5a",
	"MDV5B":           "mdv5b",
	"MDV1000-REDWOOD": "mdv1000-redwood",
}

// DetectorVersion derives the version token for a model identifier. Known
// aliases map directly; file paths fall back to a sanitized base name.
func DetectorVersion(modelFile string) string {
	if v, ok := knownModelVersions[strings.ToUpper(modelFile)]; ok {
		return v
	}

	base := path.Base(strings.ReplaceAll(modelFile, "\\", "/"))
	base = strings.TrimSuffix(base, path.Ext(base))
	base = strings.ToLower(base)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '-'
		}
	}, base)
}

// modelImagesPerSecond is a rough single-GPU throughput table used only for
// the wall-clock estimate printed after planning.
var modelImagesPerSecond = map[string]float64{
	"mdv4":  1.5,
	"mdv5a": 3.0,
	"mdv5b": 3.0,
}

// EstimateImagesPerSecond returns the approximate per-GPU inference rate for
// the job's model, adjusted for augmentation. ok is false for models with no
// table entry, in which case no estimate should be printed.
func (job Job) EstimateImagesPerSecond() (float64, bool) {
	rate, ok := modelImagesPerSecond[DetectorVersion(job.ModelFile)]
	if !ok {
		return 0, false
	}
	if job.Augment {
		rate *= 0.7
	}
	return rate, true
}

// EstimateDurations returns the expected total wall-clock time (across all
// GPUs) and per-chunk time for an image count, or ok=false when the model's
// throughput is unknown.
func (job Job) EstimateDurations(nImages, chunkSize int) (total, perChunk time.Duration, ok bool) {
	rate, ok := job.EstimateImagesPerSecond()
	if !ok || rate <= 0 {
		return 0, 0, false
	}

	wallclock := float64(nImages) / rate / float64(job.NGPUs)
	chunk := float64(chunkSize) / rate
	return time.Duration(wallclock * float64(time.Second)), time.Duration(chunk * float64(time.Second)), true
}

// FormatTimespan renders a duration the way an operator reads it, e.g.
// "2 days 3 hours" or "14 minutes".
func FormatTimespan(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	}

	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%d days", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%d hours", hours))
	}
	if minutes > 0 && days == 0 {
		parts = append(parts, fmt.Sprintf("%d minutes", minutes))
	}
	return strings.Join(parts, " ")
}
