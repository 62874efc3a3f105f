package config

import (
	"errors"
	"fmt"
)

// Validate checks required fields and the inference-mode exclusivity matrix.
// All problems are reported together via errors.Join so an operator fixes the
// job file once rather than replaying failures one at a time. Validation must
// pass before any path construction or file I/O happens.
func (job Job) Validate() error {
	var errs []error

	if job.InputPath == "" {
		errs = append(errs, errors.New("input_path is required"))
	}
	if job.Organization == "" {
		errs = append(errs, errors.New("organization is required"))
	}
	if job.JobDate == "" {
		errs = append(errs, errors.New("job_date is required"))
	}
	if job.ModelFile == "" {
		errs = append(errs, errors.New("model_file is required"))
	}

	if job.NJobs < 1 {
		errs = append(errs, fmt.Errorf("n_jobs must be at least 1, got %d", job.NJobs))
	}
	if job.NGPUs < 1 {
		errs = append(errs, fmt.Errorf("n_gpus must be at least 1, got %d", job.NGPUs))
	}

	checkpointing := job.CheckpointFrequency > 0

	if job.UseImageQueue && checkpointing {
		errs = append(errs, errors.New("checkpointing is not supported when using an image queue"))
	}
	if job.Augment && checkpointing {
		errs = append(errs, errors.New("checkpointing is not supported when using augmentation"))
	}
	if job.Augment && !job.UseYoloInference {
		errs = append(errs, errors.New("augmentation is only supported with the YOLO inference backend"))
	}
	if job.UseTiledInference {
		if job.Augment {
			errs = append(errs, errors.New("augmentation is not supported when using tiled inference"))
		}
		if job.UseYoloInference {
			errs = append(errs, errors.New("the YOLO inference backend is not supported when using tiled inference"))
		}
		if checkpointing {
			errs = append(errs, errors.New("checkpointing is not supported when using tiled inference"))
		}
	}

	switch job.Overwrite {
	case OverwriteSkip, OverwriteError, OverwriteOverwrite:
	default:
		errs = append(errs, fmt.Errorf("overwrite_handling must be one of skip, error, overwrite; got %q", job.Overwrite))
	}

	switch job.Location {
	case LocationCameraFolder, LocationTopFolder:
	default:
		errs = append(errs, fmt.Errorf("unknown location_strategy %q", job.Location))
	}

	if job.MaxTolerableFailures < 0 {
		errs = append(errs, fmt.Errorf("max_tolerable_failures must not be negative, got %d", job.MaxTolerableFailures))
	}

	return errors.Join(errs...)
}

// Checkpointing reports whether per-chunk checkpoint files and resume scripts
// should be generated. CheckpointFrequency <= 0 means disabled.
func (job Job) Checkpointing() bool {
	return job.CheckpointFrequency > 0
}
