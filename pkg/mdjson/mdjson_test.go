package mdjson

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ParsesDetectorOutput(t *testing.T) {
	// A results file as the detector actually writes it, including a failed
	// image with null detections.
	raw := `{
 "info": {"format_version": "1.4", "detector": "md_v5a.0.0.pt"},
 "detection_categories": {"1": "animal", "2": "person", "3": "vehicle"},
 "images": [
  {"file": "cam01/img001.jpg", "max_detection_conf": 0.91,
   "detections": [{"category": "1", "conf": 0.91, "bbox": [0.1, 0.2, 0.3, 0.4]}]},
  {"file": "cam01/img002.jpg", "failure": "Failure image access", "detections": null}
 ]
}`
	path := filepath.Join(t.TempDir(), "results.json")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	results, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "1.4", results.Info.FormatVersion)
	require.Len(t, results.Images, 2)

	ok := results.Images[0]
	assert.False(t, ok.Failed())
	require.NotNil(t, ok.MaxDetectionConf)
	assert.Equal(t, 0.91, *ok.MaxDetectionConf)
	assert.Equal(t, [4]float64{0.1, 0.2, 0.3, 0.4}, ok.Detections[0].BBox)

	failed := results.Images[1]
	assert.True(t, failed.Failed())
	assert.Nil(t, failed.Detections)
}

func TestCategoriesEqual(t *testing.T) {
	a := map[string]string{"1": "animal", "2": "person"}

	assert.True(t, CategoriesEqual(a, map[string]string{"1": "animal", "2": "person"}))
	assert.False(t, CategoriesEqual(a, map[string]string{"1": "animal"}))
	assert.False(t, CategoriesEqual(a, map[string]string{"1": "animal", "2": "vehicle"}))
	assert.False(t, CategoriesEqual(a, map[string]string{"1": "animal", "3": "person"}))
	assert.True(t, CategoriesEqual(nil, map[string]string{}))
}
