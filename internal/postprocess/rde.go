package postprocess

import (
	"fmt"
	"path"

	"mdbatch/internal/script"
)

// RDEOptions configures repeat detection elimination. The review itself is a
// human step: the find pass renders suspicious detections into a folder, the
// operator deletes images showing real animals, and the remove pass filters
// the survivors out of the results file.
type RDEOptions struct {
	ConfidenceMin              float64
	ConfidenceMax              float64
	IOUThreshold               float64
	OccurrenceThreshold        int
	MaxSuspiciousDetectionSize float64
	NWorkers                   int
	SmartSort                  string

	// LocationFunc overrides the configured location strategy for datasets
	// with a naming scheme the built-in strategies cannot express. Passed
	// explicitly; never discovered from surrounding scope.
	LocationFunc func(relativePath string) string
}

func DefaultRDEOptions() RDEOptions {
	return RDEOptions{
		ConfidenceMin:              0.1,
		ConfidenceMax:              1.01,
		IOUThreshold:               0.85,
		OccurrenceThreshold:        15,
		MaxSuspiciousDetectionSize: 0.2,
		NWorkers:                   10,
		SmartSort:                  "xsort",
	}
}

// Tag identifies one RDE parameter set; it appears in the review folder name
// and the filtered results file name so differently tuned passes never
// collide.
func (o RDEOptions) Tag() string {
	return fmt.Sprintf("rde_%.3f_%.3f_%d_%.3f",
		o.ConfidenceMin, o.IOUThreshold, o.OccurrenceThreshold, o.MaxSuspiciousDetectionSize)
}

// ReviewDir is the folder the find pass renders suspicious detections into.
func (o RDEOptions) ReviewDir(jobDir string, passIndex int) string {
	return path.Join(jobDir, fmt.Sprintf("%s_task_%d", o.Tag(), passIndex))
}

// FilteredOutputPath names the post-RDE results file derived from a combined
// results file.
func (o RDEOptions) FilteredOutputPath(combinedFile string) string {
	return InsertBeforeExtension(combinedFile, "filtered_"+o.Tag())
}

// FindCommand builds the suspicious-detection search invocation.
func (o RDEOptions) FindCommand(combinedFile, imageBase, reviewDir string) script.Command {
	return script.Command{
		Program: "python find_repeat_detections.py",
		Args: []string{
			script.Quote(combinedFile),
			"--imageBase", script.Quote(imageBase),
			"--outputBase", script.Quote(reviewDir),
			"--confidenceMin", fmt.Sprintf("%g", o.ConfidenceMin),
			"--confidenceMax", fmt.Sprintf("%g", o.ConfidenceMax),
			"--iouThreshold", fmt.Sprintf("%g", o.IOUThreshold),
			"--occurrenceThreshold", fmt.Sprintf("%d", o.OccurrenceThreshold),
			"--maxSuspiciousDetectionSize", fmt.Sprintf("%g", o.MaxSuspiciousDetectionSize),
			"--nWorkers", fmt.Sprintf("%d", o.NWorkers),
			"--smartSort", o.SmartSort,
		},
	}
}

// RemoveCommand builds the re-filtering invocation that applies the
// operator's review decisions.
func (o RDEOptions) RemoveCommand(combinedFile, filteredFile, reviewDir string) script.Command {
	return script.Command{
		Program: "python remove_repeat_detections.py",
		Args: []string{
			script.Quote(combinedFile),
			script.Quote(filteredFile),
			script.Quote(path.Join(reviewDir, "filtering")),
		},
	}
}
