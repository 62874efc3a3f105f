// Package reconcile validates per-chunk detector outputs against their input
// manifests and merges them into the job's single combined results file.
//
// Every check here is fatal: this pass runs once, interactively, after the
// external detector scripts have finished, and a human re-runs the upstream
// job on failure. There is no partial or best-effort merge. Error messages
// carry the full list of offending items, not just the first, because richly
// informative failures are this tool's substitute for structured logs.
package reconcile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"

	"mdbatch/internal/chunking"
	"mdbatch/internal/config"
	"mdbatch/internal/task"
	"mdbatch/pkg/mdjson"
)

type Reconciler struct {
	cfg config.Job
}

func New(cfg config.Job) *Reconciler {
	return &Reconciler{cfg: cfg}
}

func formatList(items []string) string {
	return "\n  " + strings.Join(items, "\n  ")
}

// MissingOutputsError lists every expected output file that does not exist.
type MissingOutputsError struct {
	Files []string
}

func (e *MissingOutputsError) Error() string {
	return fmt.Sprintf("missing %d output files:%s", len(e.Files), formatList(e.Files))
}

// CollectMissingOutputs returns every task output file that does not exist,
// so the operator sees everything wrong at once. No reconciliation proceeds
// while this list is non-empty.
func (r *Reconciler) CollectMissingOutputs(tasks []*task.Task) []string {
	var missing []string
	for _, t := range tasks {
		if _, err := os.Stat(t.OutputFile); err != nil {
			missing = append(missing, t.OutputFile)
		}
	}
	return missing
}

// ValidateTask loads one task's results, normalizes image paths to absolute
// forward-slash form (tiled inference emits relative paths), and checks that
// every result path lies under the input root and in the task's own manifest,
// and that every manifest image has a result. On success the task's Results
// and NFailures fields are populated.
func (r *Reconciler) ValidateTask(t *task.Task) error {
	images, err := chunking.ReadManifest(t.InputFile)
	if err != nil {
		return err
	}

	results, err := mdjson.Load(t.OutputFile)
	if err != nil {
		return err
	}

	manifestSet := make(map[string]struct{}, len(images))
	for _, fn := range images {
		manifestSet[fn] = struct{}{}
	}

	var outsideRoot, notInManifest []string
	seen := make(map[string]struct{}, len(results.Images))
	failures := 0

	for i := range results.Images {
		im := &results.Images[i]

		if !isAbsPath(im.File) {
			im.File = strings.ReplaceAll(filepath.Join(r.cfg.InputPath, im.File), "\\", "/")
		}

		if !strings.HasPrefix(im.File, r.cfg.InputPath) {
			outsideRoot = append(outsideRoot, im.File)
			continue
		}
		if _, ok := manifestSet[im.File]; !ok {
			notInManifest = append(notInManifest, im.File)
			continue
		}

		seen[im.File] = struct{}{}
		if im.Failed() {
			failures++
		}
	}

	if len(outsideRoot) > 0 {
		return fmt.Errorf("task %d: %d result paths outside input root %s:%s",
			t.Index, len(outsideRoot), r.cfg.InputPath, formatList(outsideRoot))
	}
	if len(notInManifest) > 0 {
		return fmt.Errorf("task %d: %d result paths not in the task's input manifest:%s",
			t.Index, len(notInManifest), formatList(notInManifest))
	}

	var dropped []string
	for _, fn := range images {
		if _, ok := seen[fn]; !ok {
			dropped = append(dropped, fn)
		}
	}
	if len(dropped) > 0 {
		return fmt.Errorf("task %d: %d manifest images have no result record:%s",
			t.Index, len(dropped), formatList(dropped))
	}

	t.Results = results
	t.NFailures = failures
	return nil
}

// ValidateAll gates reconciliation: first the collect-everything missing
// outputs check, then per-task validation, then the job-wide failure
// tolerance. Returns the total failure count.
func (r *Reconciler) ValidateAll(tasks []*task.Task) (int, error) {
	if missing := r.CollectMissingOutputs(tasks); len(missing) > 0 {
		return 0, &MissingOutputsError{Files: missing}
	}

	bar := progressbar.Default(int64(len(tasks)), "validating chunk results")

	totalFailures := 0
	for _, t := range tasks {
		if err := r.ValidateTask(t); err != nil {
			return 0, err
		}
		totalFailures += t.NFailures
		bar.Add(1) //nolint:errcheck
	}
	bar.Finish() //nolint:errcheck

	if totalFailures >= r.cfg.MaxTolerableFailures {
		return totalFailures, fmt.Errorf("%d failed images (max tolerable set to %d)",
			totalFailures, r.cfg.MaxTolerableFailures)
	}

	return totalFailures, nil
}

// Merge concatenates all validated task results into one combined result set
// with relative forward-slash paths. Shared metadata is carried from the
// first task and must match every other task exactly; a mismatch means the
// job ran with inconsistent model or category configuration across chunks.
// The merged record count must equal expectedCount and every path must be
// unique across chunks.
func (r *Reconciler) Merge(tasks []*task.Task, expectedCount int) (*mdjson.Results, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no tasks to merge")
	}

	combined := &mdjson.Results{
		Info:                tasks[0].Results.Info,
		DetectionCategories: tasks[0].Results.DetectionCategories,
	}

	seen := make(map[string]struct{}, expectedCount)
	var duplicates []string

	for _, t := range tasks {
		if t.Results == nil {
			return nil, fmt.Errorf("task %d has no results attached; validation must run first", t.Index)
		}

		if t.Results.Info.FormatVersion != combined.Info.FormatVersion {
			return nil, fmt.Errorf("task %d format version %q does not match task %d format version %q",
				t.Index, t.Results.Info.FormatVersion, tasks[0].Index, combined.Info.FormatVersion)
		}
		if !mdjson.CategoriesEqual(t.Results.DetectionCategories, combined.DetectionCategories) {
			return nil, fmt.Errorf("task %d detection categories do not match task %d", t.Index, tasks[0].Index)
		}

		for _, im := range t.Results.Images {
			if _, dup := seen[im.File]; dup {
				duplicates = append(duplicates, im.File)
				continue
			}
			seen[im.File] = struct{}{}
			combined.Images = append(combined.Images, im)
		}
	}

	if len(duplicates) > 0 {
		return nil, fmt.Errorf("%d image paths appear in more than one chunk's results:%s",
			len(duplicates), formatList(duplicates))
	}

	if len(combined.Images) != expectedCount {
		return nil, fmt.Errorf("expected %d images in combined results, found %d",
			expectedCount, len(combined.Images))
	}

	for i := range combined.Images {
		rel, err := RelativePath(r.cfg.InputPath, combined.Images[i].File)
		if err != nil {
			return nil, err
		}
		combined.Images[i].File = rel
	}

	return combined, nil
}

// Run performs the full reconciliation: validation gate, merge, and
// persistence of the canonical combined results file.
func (r *Reconciler) Run(tasks []*task.Task, expectedCount int) (*mdjson.Results, int, error) {
	totalFailures, err := r.ValidateAll(tasks)
	if err != nil {
		return nil, totalFailures, err
	}

	slog.Info("validated all task results", "tasks", len(tasks), "failures", totalFailures)

	combined, err := r.Merge(tasks, expectedCount)
	if err != nil {
		return nil, totalFailures, err
	}

	paths := r.cfg.Paths()
	if err := os.MkdirAll(paths.CombinedOutputDir, os.ModePerm); err != nil {
		return nil, totalFailures, fmt.Errorf("failed to create combined output folder: %w", err)
	}
	if err := mdjson.Save(paths.CombinedOutputFile, combined); err != nil {
		return nil, totalFailures, err
	}

	slog.Info("wrote combined results", "file", paths.CombinedOutputFile, "images", len(combined.Images))
	return combined, totalFailures, nil
}
