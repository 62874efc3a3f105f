// Package config holds the immutable per-job configuration, its defaults and
// validation, and the derived naming that every other component builds paths
// from. A job is defined once in a YAML job file, overlaid with operational
// settings from the environment, validated up front, and then passed by value
// to the planner, script generator, and reconciler.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// LocationStrategy selects how a relative image path is mapped to a camera
// location name during repeat-detection elimination.
type LocationStrategy string

const (
	// LocationCameraFolder strips trailing camera-internal folders
	// (DCIM, 100MEDIA, RECNX101, ...) from the image's directory.
	LocationCameraFolder LocationStrategy = "camera-folder"
	// LocationTopFolder uses the first path component only.
	LocationTopFolder LocationStrategy = "top-level-folder"
)

// OverwriteHandling controls what the detector does when an output already exists.
type OverwriteHandling string

const (
	OverwriteSkip      OverwriteHandling = "skip"
	OverwriteError     OverwriteHandling = "error"
	OverwriteOverwrite OverwriteHandling = "overwrite"
)

// Job is the full configuration for one detection job. Fields mirror the
// knobs an operator sets before a run; zero values mean "use the detector's
// default" for optional flags, and such flags are omitted from generated
// commands entirely.
type Job struct {
	// Required identifying fields. Everything the job writes is named from
	// these three values.
	InputPath    string `yaml:"input_path"`
	Organization string `yaml:"organization"`
	JobDate      string `yaml:"job_date"`

	// Optional descriptor appended to the base task name.
	JobTag string `yaml:"job_tag"`

	ModelFile string `yaml:"model_file"`

	// Root folder under which per-organization job folders are created.
	PostprocessingBase string `yaml:"postprocessing_base"`

	// Chunking and worker assignment.
	NJobs      int `yaml:"n_jobs"`
	NGPUs      int `yaml:"n_gpus"`
	DefaultGPU int `yaml:"default_gpu"`

	// CheckpointFrequency <= 0 disables checkpointing. This is the only
	// sentinel; there is no separate "unset" state.
	CheckpointFrequency int `yaml:"checkpoint_frequency"`

	// Mutually exclusive inference modes (see Validate).
	UseImageQueue     bool `yaml:"use_image_queue"`
	Augment           bool `yaml:"augment"`
	UseYoloInference  bool `yaml:"use_yolo_inference"`
	UseTiledInference bool `yaml:"use_tiled_inference"`

	// YOLO val backend options.
	YoloWorkingDir       string `yaml:"yolo_working_dir"`
	YoloDatasetFile      string `yaml:"yolo_dataset_file"`
	YoloModelType        string `yaml:"yolo_model_type"`
	YoloBatchSize        int    `yaml:"yolo_batch_size"`
	RemoveYoloResults    bool   `yaml:"remove_yolo_results"`
	RemoveSymlinkFolder  bool   `yaml:"remove_symlink_folder"`
	UseSymlinks          bool   `yaml:"use_symlinks"`
	WriteYoloDebugOutput bool   `yaml:"write_yolo_debug_output"`

	// Tiled inference options.
	RemoveTiles bool    `yaml:"remove_tiles"`
	TileSizeX   int     `yaml:"tile_size_x"`
	TileSizeY   int     `yaml:"tile_size_y"`
	TileOverlap float64 `yaml:"tile_overlap"`

	// Detector flags; zero means detector default and the flag is omitted.
	ImageSize     int     `yaml:"image_size"`
	JSONThreshold float64 `yaml:"json_threshold"`
	NCores        int     `yaml:"ncores"`
	Quiet         bool    `yaml:"quiet"`

	IncludeImageSize      bool   `yaml:"include_image_size"`
	IncludeImageTimestamp bool   `yaml:"include_image_timestamp"`
	IncludeExifData       bool   `yaml:"include_exif_data"`
	DetectorOptions       string `yaml:"detector_options"`

	Overwrite OverwriteHandling `yaml:"overwrite_handling"`

	// Reconciliation fails when the job-wide failure count reaches this.
	MaxTolerableFailures int `yaml:"max_tolerable_failures"`

	// Re-enumerate the input root even when chunk manifests already exist.
	ForceEnumeration bool `yaml:"force_enumeration"`

	Location LocationStrategy `yaml:"location_strategy"`

	// Worker count passed to parallelizable collaborators (preview rendering,
	// classifier cropping). Not used by the core, which is sequential.
	ParallelWorkers int `yaml:"parallel_workers"`
}

// Default returns a Job with every optional field at the value an operator
// would get without touching it.
func Default() Job {
	return Job{
		ModelFile:            "MDV5A",
		PostprocessingBase:   "postprocessing",
		NJobs:                2,
		NGPUs:                2,
		DefaultGPU:           0,
		CheckpointFrequency:  10000,
		YoloBatchSize:        1,
		RemoveYoloResults:    true,
		RemoveSymlinkFolder:  true,
		UseSymlinks:          true,
		RemoveTiles:          true,
		TileSizeX:            1280,
		TileSizeY:            1280,
		TileOverlap:          0.2,
		NCores:               1,
		Quiet:                true,
		Overwrite:            OverwriteSkip,
		MaxTolerableFailures: 100,
		Location:             LocationCameraFolder,
		ParallelWorkers:      30,
	}
}

// Load reads a job file into a defaulted Job and normalizes the input path to
// forward slashes with no trailing separator. It does not validate; call
// Validate before using the result.
func Load(path string) (Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Job{}, fmt.Errorf("failed to read job file %s: %w", path, err)
	}

	job := Default()
	if err := yaml.UnmarshalStrict(data, &job); err != nil {
		return Job{}, fmt.Errorf("failed to parse job file %s: %w", path, err)
	}

	job.InputPath = NormalizeRoot(job.InputPath)
	return job, nil
}

// NormalizeRoot converts a path to forward slashes and strips any trailing
// separator, so prefix stripping during reconciliation removes the root
// exactly once.
func NormalizeRoot(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// ExpandUser resolves a leading "~/" against the current user's home
// directory, mirroring how operators write postprocessing_base in job files.
func ExpandUser(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.ToSlash(filepath.Join(home, strings.TrimPrefix(p, "~")))
	}
	return p
}
