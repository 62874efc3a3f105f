// Package postprocess builds the commands and scripts for everything that
// happens after reconciliation: HTML previews, repeat detection elimination,
// and classifier pipelines. All of these are external collaborators; this
// package only assembles their invocations and derives their file locations.
package postprocess

import (
	"fmt"
	"path"
	"strings"

	"mdbatch/internal/script"
)

// InsertBeforeExtension derives a sibling file name by inserting a suffix
// between the base name and the extension, e.g. "a/b_detections.json" with
// "filtered_rde" becomes "a/b_detections.filtered_rde.json".
func InsertBeforeExtension(p, s string) string {
	ext := path.Ext(p)
	return strings.TrimSuffix(p, ext) + "." + s + ext
}

// PreviewOptions configures the HTML preview generator.
type PreviewOptions struct {
	ConfidenceThreshold float64
	NumImagesToSample   int
	SampleSeed          int
	MaxFiguresPerHTML   int
	RenderAnimalsOnly   bool
	ParallelWorkers     int
}

func DefaultPreviewOptions() PreviewOptions {
	return PreviewOptions{
		ConfidenceThreshold: 0.2,
		NumImagesToSample:   7500,
		SampleSeed:          0,
		MaxFiguresPerHTML:   2500,
		ParallelWorkers:     10,
	}
}

// AlmostDetectionThreshold is always 0.05 below the detection threshold.
func (o PreviewOptions) AlmostDetectionThreshold() float64 {
	return o.ConfidenceThreshold - 0.05
}

// OutputDir names the preview folder for a results file. tag distinguishes
// pre- and post-RDE previews of the same job.
func (o PreviewOptions) OutputDir(previewDir, baseTaskName, tag string) string {
	name := baseTaskName
	if tag != "" {
		name += "_" + tag
	}
	name += fmt.Sprintf("_%.3f", o.ConfidenceThreshold)
	if o.RenderAnimalsOnly {
		name += "_animals_only"
	}
	return path.Join(previewDir, name)
}

// Command builds the preview generator invocation for a results file.
func (o PreviewOptions) Command(resultsFile, imageBase, outputDir string) script.Command {
	args := []string{
		script.Quote(resultsFile),
		script.Quote(outputDir),
		"--image_base_dir", script.Quote(imageBase),
		"--confidence_threshold", fmt.Sprintf("%g", o.ConfidenceThreshold),
		"--almost_detection_confidence_threshold", fmt.Sprintf("%g", o.AlmostDetectionThreshold()),
		"--include_almost_detections",
		"--num_images_to_sample", fmt.Sprintf("%d", o.NumImagesToSample),
		"--sample_seed", fmt.Sprintf("%d", o.SampleSeed),
		"--max_figures_per_html_file", fmt.Sprintf("%d", o.MaxFiguresPerHTML),
		"--separate_detections_by_category",
		"--parallelize_rendering",
		"--n_cores", fmt.Sprintf("%d", o.ParallelWorkers),
	}
	if o.RenderAnimalsOnly {
		args = append(args, "--rendering_bypass_sets",
			script.Quote("detections_person,detections_vehicle,detections_person_vehicle,non_detections"))
	}
	return script.Command{Program: "python postprocess_batch_results.py", Args: args}
}
