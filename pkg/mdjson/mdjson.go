// Package mdjson defines the MegaDetector batch-results file format. This is
// the external detector's output contract; per-chunk result files and the
// combined results file share the same shape.
package mdjson

import (
	"encoding/json"
	"fmt"
	"os"
)

type Results struct {
	Info                Info              `json:"info"`
	DetectionCategories map[string]string `json:"detection_categories"`
	Images              []ImageResult     `json:"images"`
}

type Info struct {
	FormatVersion  string `json:"format_version"`
	DetectorFile   string `json:"detector,omitempty"`
	CompletionTime string `json:"detection_completion_time,omitempty"`
}

// ImageResult is one per-image record. Failure is non-nil when inference
// failed for this image, in which case Detections may be null.
type ImageResult struct {
	File             string      `json:"file"`
	Failure          *string     `json:"failure,omitempty"`
	MaxDetectionConf *float64    `json:"max_detection_conf,omitempty"`
	Detections       []Detection `json:"detections"`
}

type Detection struct {
	Category string     `json:"category"`
	Conf     float64    `json:"conf"`
	BBox     [4]float64 `json:"bbox"`
}

func (im ImageResult) Failed() bool {
	return im.Failure != nil
}

func Load(path string) (*Results, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read results file %s: %w", path, err)
	}

	var results Results
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("failed to parse results file %s: %w", path, err)
	}
	return &results, nil
}

// Save writes results with single-space indentation, matching the format
// emitted by the detector's own tooling.
func Save(path string, results *Results) error {
	data, err := json.MarshalIndent(results, "", " ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write results file %s: %w", path, err)
	}
	return nil
}

// CategoriesEqual reports whether two detection-category mappings are
// identical. The reconciler requires this across all chunks of a job.
func CategoriesEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
