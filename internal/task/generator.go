package task

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"

	"mdbatch/internal/chunking"
	"mdbatch/internal/config"
	"mdbatch/internal/script"
)

// DefaultConfThreshold is the detector's own output-confidence default,
// passed explicitly only on the YOLO val path, which has no built-in default.
const DefaultConfThreshold = 0.005

// Generator renders detector commands and scripts for one job. Given the same
// configuration and chunk list, its output is byte-identical across runs.
type Generator struct {
	cfg      config.Job
	renderer script.Renderer
}

// NewGenerator fails when the identifying configuration was never set, before
// any path construction: all downstream naming derives from those fields.
func NewGenerator(cfg config.Job, renderer script.Renderer) (*Generator, error) {
	if cfg.InputPath == "" || cfg.Organization == "" || cfg.JobDate == "" {
		return nil, errors.New("input_path, organization, and job_date must all be set before generating scripts")
	}
	return &Generator{cfg: cfg, renderer: renderer}, nil
}

// Tasks builds one task per chunk with worker assignments and derived paths.
// No files are written.
func (g *Generator) Tasks(chunks []chunking.Chunk) []*Task {
	tasks := make([]*Task, len(chunks))
	for i, chunk := range chunks {
		tasks[i] = FromChunk(chunk, AssignGPU(chunk.Index, g.cfg.NGPUs, g.cfg.DefaultGPU))
	}
	return tasks
}

// BuildCommand renders the platform-agnostic command descriptor for a task,
// selecting the backend from the job's inference mode.
func (g *Generator) BuildCommand(t *Task) script.Command {
	switch {
	case g.cfg.UseYoloInference:
		return g.yoloCommand(t)
	case g.cfg.UseTiledInference:
		return g.tiledCommand(t)
	default:
		return g.detectorBatchCommand(t)
	}
}

func cudaEnv(gpu int) []script.EnvVar {
	return []script.EnvVar{{Name: "CUDA_VISIBLE_DEVICES", Value: strconv.Itoa(gpu)}}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// detectorBatchCommand builds the standard run_detector_batch invocation.
// Optional flags at their defaults are omitted entirely, never rendered as
// empty strings.
func (g *Generator) detectorBatchCommand(t *Task) script.Command {
	cfg := g.cfg

	args := []string{
		"run_detector_batch.py",
		script.Quote(cfg.ModelFile),
		script.Quote(t.InputFile),
		script.Quote(t.OutputFile),
	}

	if cfg.Checkpointing() {
		args = append(args,
			"--checkpoint_frequency", strconv.Itoa(cfg.CheckpointFrequency),
			"--checkpoint_path", script.Quote(t.CheckpointFile))
	}
	if cfg.UseImageQueue {
		args = append(args, "--use_image_queue")
	}
	if cfg.NCores > 1 {
		args = append(args, "--ncores", strconv.Itoa(cfg.NCores))
	}
	if cfg.Quiet {
		args = append(args, "--quiet")
	}
	if cfg.ImageSize > 0 {
		args = append(args, "--image_size", strconv.Itoa(cfg.ImageSize))
	}
	if cfg.JSONThreshold > 0 {
		args = append(args, "--threshold", formatFloat(cfg.JSONThreshold))
	}
	args = append(args, "--overwrite_handling", string(cfg.Overwrite))

	if cfg.IncludeImageSize {
		args = append(args, "--include_image_size")
	}
	if cfg.IncludeImageTimestamp {
		args = append(args, "--include_image_timestamp")
	}
	if cfg.IncludeExifData {
		args = append(args, "--include_exif_data")
	}
	if cfg.DetectorOptions != "" {
		args = append(args, "--detector_options", script.Quote(cfg.DetectorOptions))
	}

	return script.Command{Env: cudaEnv(t.GPU), Program: "python", Args: args}
}

// tiledCommand builds the run_tiled_inference invocation. Tiled inference
// takes the whole input root plus the chunk as an image list, and emits
// relative paths in its results, which the reconciler normalizes later.
func (g *Generator) tiledCommand(t *Task) script.Command {
	cfg := g.cfg
	tilingFolder := path.Join(cfg.Paths().JobDir, "tile_cache", fmt.Sprintf("tile_cache_%03d", t.Index))

	args := []string{
		"run_tiled_inference.py",
		script.Quote(cfg.ModelFile),
		script.Quote(cfg.InputPath),
		script.Quote(tilingFolder),
		script.Quote(t.OutputFile),
		"--image_list", script.Quote(t.InputFile),
		"--overwrite_handling", string(cfg.Overwrite),
	}

	if !cfg.RemoveTiles {
		args = append(args, "--no_remove_tiles")
	}
	if cfg.TileSizeX > 0 || cfg.TileSizeY > 0 {
		args = append(args,
			"--tile_size_x", strconv.Itoa(cfg.TileSizeX),
			"--tile_size_y", strconv.Itoa(cfg.TileSizeY))
	}
	if cfg.TileOverlap > 0 {
		args = append(args, "--tile_overlap", formatFloat(cfg.TileOverlap))
	}

	return script.Command{Env: cudaEnv(t.GPU), Program: "python", Args: args}
}

// yoloCommand builds the run_inference_with_yolov5_val invocation. The device
// is passed as a flag rather than an environment selector, and the confidence
// threshold is always explicit.
func (g *Generator) yoloCommand(t *Task) script.Command {
	cfg := g.cfg
	jobDir := cfg.Paths().JobDir

	symlinkFolder := path.Join(jobDir, "symlinks", fmt.Sprintf("symlinks_%03d", t.Index))
	yoloResultsFolder := path.Join(jobDir, "yolo_results", fmt.Sprintf("yolo_results_%03d", t.Index))

	args := []string{
		"run_inference_with_yolov5_val.py",
		script.Quote(cfg.ModelFile),
		script.Quote(t.InputFile),
		script.Quote(t.OutputFile),
	}

	if cfg.ImageSize > 0 {
		args = append(args, "--image_size", strconv.Itoa(cfg.ImageSize))
	}
	if cfg.Augment {
		args = append(args, "--augment_enabled", "1")
	} else {
		args = append(args, "--augment_enabled", "0")
	}

	args = append(args,
		"--symlink_folder", script.Quote(symlinkFolder),
		"--yolo_results_folder", script.Quote(yoloResultsFolder))

	if !cfg.RemoveYoloResults {
		args = append(args, "--no_remove_yolo_results_folder")
	}
	if !cfg.RemoveSymlinkFolder {
		args = append(args, "--no_remove_symlink_folder")
	}

	threshold := cfg.JSONThreshold
	if threshold <= 0 {
		threshold = DefaultConfThreshold
	}
	args = append(args,
		"--conf_thres", formatFloat(threshold),
		"--device", strconv.Itoa(t.GPU),
		"--overwrite_handling", string(cfg.Overwrite),
		"--batch_size", strconv.Itoa(cfg.YoloBatchSize))

	if cfg.WriteYoloDebugOutput {
		args = append(args, "--write_yolo_debug_output")
	}
	if cfg.YoloWorkingDir != "" {
		args = append(args, "--yolo_working_folder", script.Quote(cfg.YoloWorkingDir))
	}
	if cfg.YoloDatasetFile != "" {
		args = append(args, "--yolo_dataset_file", script.Quote(cfg.YoloDatasetFile))
	}
	if cfg.YoloModelType != "" {
		args = append(args, "--model_type", cfg.YoloModelType)
	}
	if !cfg.UseSymlinks {
		args = append(args, "--no_use_symlinks")
	}

	return script.Command{Program: "python", Args: args}
}

// WriteScripts renders and persists one executable script per task, plus a
// resume variant when checkpointing is enabled, filling in each task's
// command fields. It returns the mapping from GPU to that worker's scripts in
// assignment order.
func (g *Generator) WriteScripts(tasks []*Task) (map[int][]string, error) {
	jobDir := g.cfg.Paths().JobDir
	ext := g.renderer.Extension()

	gpuToScripts := make(map[int][]string)

	for _, t := range tasks {
		cmd := g.BuildCommand(t)
		t.CommandLine = cmd.Line(g.renderer)
		t.CommandFile = path.Join(jobDir, scriptName("run", t.Index, t.GPU, ext))

		if err := script.Write(t.CommandFile, g.renderer, t.CommandLine); err != nil {
			return nil, err
		}

		gpuToScripts[t.GPU] = append(gpuToScripts[t.GPU], t.CommandFile)

		// Resume is only meaningful with checkpointing; the detector batch
		// backend is the only one that supports it, which Validate has
		// already guaranteed.
		if g.cfg.Checkpointing() {
			t.ResumeCommandLine = t.CommandLine +
				" --resume_from_checkpoint " + script.Quote(t.CheckpointFile)
			t.ResumeCommandFile = path.Join(jobDir, scriptName("resume", t.Index, t.GPU, ext))

			if err := script.Write(t.ResumeCommandFile, g.renderer, t.ResumeCommandLine); err != nil {
				return nil, err
			}
		}
	}

	slog.Info("wrote task scripts", "tasks", len(tasks), "folder", jobDir)
	return gpuToScripts, nil
}

// WriteWorkerScripts emits one consolidated script per GPU that runs each of
// that worker's task scripts in assignment order and ends with a completion
// marker. The fail-fast header stops the sequence on the first failing
// sub-script. Typically used when many small tasks stand in for checkpoints.
func (g *Generator) WriteWorkerScripts(gpuToScripts map[int][]string) ([]string, error) {
	jobDir := g.cfg.Paths().JobDir

	gpus := make([]int, 0, len(gpuToScripts))
	for gpu := range gpuToScripts {
		gpus = append(gpus, gpu)
	}
	sort.Ints(gpus)

	var written []string
	for _, gpu := range gpus {
		var body string
		for _, scriptFile := range gpuToScripts[gpu] {
			body += g.renderer.Call(scriptFile) + "\n"
			if suffix := g.renderer.CommandSuffix(); suffix != "" {
				body += suffix
			}
		}
		body += fmt.Sprintf("echo \"Finished all commands for GPU %d\"", gpu)

		file := path.Join(jobDir, workerScriptName(gpu, g.renderer.Extension()))
		if err := script.Write(file, g.renderer, body); err != nil {
			return nil, err
		}
		written = append(written, file)
	}

	slog.Info("wrote worker scripts", "workers", len(written))
	return written, nil
}
