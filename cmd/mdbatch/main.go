package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path"
	"runtime"

	"gorm.io/gorm"

	"mdbatch/internal/chunking"
	"mdbatch/internal/config"
	"mdbatch/internal/database"
	"mdbatch/internal/postprocess"
	"mdbatch/internal/reconcile"
	"mdbatch/internal/runner"
	"mdbatch/internal/script"
	"mdbatch/internal/storage"
	"mdbatch/internal/task"
	"mdbatch/pkg/mdjson"
)

const usage = `usage: mdbatch <command> -job <job.yaml> [flags]

commands:
  plan         enumerate images and write chunk manifests
  scripts      generate per-chunk and per-GPU scripts
  run          execute task scripts serially in-process
  reconcile    validate and merge per-chunk results
  publish      upload job outputs to the artifact store
  postprocess  generate preview, RDE, and classifier scripts
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	command := os.Args[1]
	switch command {
	case "plan", "scripts", "run", "reconcile", "publish", "postprocess":
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	flags := flag.NewFlagSet(command, flag.ExitOnError)
	jobFile := flags.String("job", "", "path to the YAML job file")
	targetOS := flags.String("target-os", runtime.GOOS, "platform to render scripts for (linux, darwin, windows)")

	var stage, classifierShort, classifierName, checkpointPath, categoriesPath, targetMappingPath, cropBase string
	var device int
	var quiet bool
	switch command {
	case "run":
		flags.BoolVar(&quiet, "quiet", false, "discard detector output")
	case "postprocess":
		flags.StringVar(&stage, "stage", "preview", "preview, rde, or classifier")
		flags.StringVar(&classifierShort, "classifier", "megaclassifier", "short classifier name used in file naming")
		flags.StringVar(&classifierName, "classifier-full-name", "megaclassifier_v0.1_efficientnet-b3", "classifier identifier recorded in output metadata")
		flags.StringVar(&checkpointPath, "classifier-checkpoint", "", "classifier checkpoint file")
		flags.StringVar(&categoriesPath, "classifier-categories", "", "classifier label index file")
		flags.StringVar(&targetMappingPath, "target-mapping", "", "optional label remapping file")
		flags.StringVar(&cropBase, "crop-base", "", "folder for cropped detections (default ~/crops)")
		flags.IntVar(&device, "device", 0, "GPU ordinal for classification, -1 for CPU")
	}
	if err := flags.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	if *jobFile == "" {
		log.Fatalf("The -job flag is required")
	}

	settings, err := config.LoadSettings()
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}

	job, err := config.Load(*jobFile)
	if err != nil {
		log.Fatalf("Failed to load job file: %v", err)
	}
	job = settings.Apply(job)
	if err := job.Validate(); err != nil {
		log.Fatalf("Invalid job configuration:\n%v", err)
	}

	renderer := script.ForOS(*targetOS)
	ctx := context.Background()

	switch command {
	case "plan":
		err = runPlan(ctx, job, settings)
	case "scripts":
		err = runScripts(ctx, job, settings, renderer)
	case "run":
		err = runExecute(ctx, job, settings, renderer, quiet)
	case "reconcile":
		err = runReconcile(ctx, job, settings)
	case "publish":
		err = runPublish(ctx, job, settings)
	case "postprocess":
		cls := postprocess.DefaultClassifierPipeline(classifierShort, classifierName)
		cls.CheckpointPath = checkpointPath
		cls.CategoriesPath = categoriesPath
		cls.TargetMappingPath = targetMappingPath
		cls.Device = device
		cls.NWorkers = job.ParallelWorkers
		if cropBase == "" {
			cropBase = config.ExpandUser("~/crops")
		}
		err = runPostprocess(job, renderer, stage, cls, cropBase)
	}

	if err != nil {
		log.Fatalf("%s failed: %v", command, err)
	}
}

func openLedger(job config.Job, settings config.Settings) (*gorm.DB, error) {
	ledgerPath := job.Paths().LedgerFile
	if settings.LedgerPath != "" {
		ledgerPath = settings.LedgerPath
	}
	return database.Connect(ledgerPath)
}

func runPlan(ctx context.Context, job config.Job, settings config.Settings) error {
	plan, err := chunking.NewPlanner(job).Plan()
	if err != nil {
		return err
	}

	paths := job.Paths()
	slog.Info("planned job",
		"job", paths.BaseTaskName,
		"images", len(plan.AllImages),
		"chunks", len(plan.Chunks),
		"recovered", plan.Recovered)

	chunkSize := 0
	if len(plan.Chunks) > 0 {
		chunkSize = len(plan.Chunks[0].Images)
	}
	if total, perChunk, ok := job.EstimateDurations(len(plan.AllImages), chunkSize); ok {
		slog.Info("estimated runtime",
			"total", config.FormatTimespan(total),
			"per_chunk", config.FormatTimespan(perChunk))
	}

	db, err := openLedger(job, settings)
	if err != nil {
		return err
	}
	_, err = database.GetOrCreateJobRun(ctx, db, &database.JobRun{
		BaseTaskName: paths.BaseTaskName,
		InputPath:    job.InputPath,
		ModelFile:    job.ModelFile,
		NJobs:        job.NJobs,
		NGPUs:        job.NGPUs,
		ImageCount:   len(plan.AllImages),
		Status:       database.JobPlanned,
	})
	return err
}

// loadTasks rebuilds the task list from persisted chunk manifests plus the
// generator's deterministic naming, so every command after plan works from
// disk state alone.
func loadTasks(job config.Job, renderer script.Renderer) (*chunking.Plan, []*task.Task, *task.Generator, error) {
	plan, err := chunking.NewPlanner(job).Plan()
	if err != nil {
		return nil, nil, nil, err
	}

	generator, err := task.NewGenerator(job, renderer)
	if err != nil {
		return nil, nil, nil, err
	}
	return plan, generator.Tasks(plan.Chunks), generator, nil
}

func runScripts(ctx context.Context, job config.Job, settings config.Settings, renderer script.Renderer) error {
	plan, tasks, generator, err := loadTasks(job, renderer)
	if err != nil {
		return err
	}

	gpuToScripts, err := generator.WriteScripts(tasks)
	if err != nil {
		return err
	}
	if _, err := generator.WriteWorkerScripts(gpuToScripts); err != nil {
		return err
	}

	db, err := openLedger(job, settings)
	if err != nil {
		return err
	}
	run, err := database.GetOrCreateJobRun(ctx, db, &database.JobRun{
		BaseTaskName: job.Paths().BaseTaskName,
		InputPath:    job.InputPath,
		ModelFile:    job.ModelFile,
		NJobs:        job.NJobs,
		NGPUs:        job.NGPUs,
		ImageCount:   len(plan.AllImages),
		Status:       database.JobScripted,
	})
	if err != nil {
		return err
	}

	records := make([]database.TaskRecord, len(tasks))
	for i, t := range tasks {
		records[i] = database.TaskRecord{
			JobId:             run.Id,
			TaskId:            t.Index,
			GPU:               t.GPU,
			InputFile:         t.InputFile,
			OutputFile:        t.OutputFile,
			CommandFile:       t.CommandFile,
			ResumeCommandFile: t.ResumeCommandFile,
			Status:            database.TaskScripted,
		}
	}
	return database.SaveTasks(ctx, db, records)
}

func runExecute(ctx context.Context, job config.Job, settings config.Settings, renderer script.Renderer, quiet bool) error {
	_, tasks, generator, err := loadTasks(job, renderer)
	if err != nil {
		return err
	}
	if _, err := generator.WriteScripts(tasks); err != nil {
		return err
	}

	db, err := openLedger(job, settings)
	if err != nil {
		return err
	}
	run, err := database.GetJobRun(ctx, db, job.Paths().BaseTaskName)
	if err != nil {
		return err
	}
	if err := database.UpdateJobStatus(ctx, db, run.Id, database.JobRunning); err != nil {
		return err
	}

	r := runner.Runner{
		Quiet: quiet || job.Quiet,
		OnStatus: func(t *task.Task, running bool, taskErr error) {
			status := database.TaskCompleted
			if running {
				status = database.TaskRunning
			} else if taskErr != nil {
				status = database.TaskFailed
			}
			if err := database.UpdateTaskStatus(ctx, db, run.Id, t.Index, status, t.NFailures); err != nil {
				slog.Error("could not update task status", "task", t.Index, "error", err)
			}
		},
	}
	if err := r.Run(ctx, tasks); err != nil {
		if updateErr := database.UpdateJobStatus(ctx, db, run.Id, database.JobFailed); updateErr != nil {
			slog.Error("could not update job status", "error", updateErr)
		}
		return err
	}
	return nil
}

func runReconcile(ctx context.Context, job config.Job, settings config.Settings) error {
	plan, tasks, _, err := loadTasks(job, script.ForOS(runtime.GOOS))
	if err != nil {
		return err
	}

	db, err := openLedger(job, settings)
	if err != nil {
		return err
	}
	run, err := database.GetJobRun(ctx, db, job.Paths().BaseTaskName)
	if err != nil {
		return err
	}

	_, failures, err := reconcile.New(job).Run(tasks, len(plan.AllImages))
	if err != nil {
		if updateErr := database.UpdateJobStatus(ctx, db, run.Id, database.JobFailed); updateErr != nil {
			slog.Error("could not update job status", "error", updateErr)
		}
		return err
	}

	for _, t := range tasks {
		if err := database.UpdateTaskStatus(ctx, db, run.Id, t.Index, database.TaskCompleted, t.NFailures); err != nil {
			return err
		}
	}
	return database.RecordReconciliation(ctx, db, run.Id, job.Paths().CombinedOutputFile, failures)
}

func runPublish(ctx context.Context, job config.Job, settings config.Settings) error {
	paths := job.Paths()

	var store storage.ObjectStore
	bucket := settings.PublishBucket
	if bucket != "" {
		s3Store, err := storage.NewS3Store(storage.S3ClientConfig{
			Endpoint:        settings.S3Endpoint,
			Region:          settings.S3Region,
			AccessKeyID:     settings.S3AccessKeyID,
			SecretAccessKey: settings.S3SecretAccessKey,
		})
		if err != nil {
			return err
		}
		store = s3Store
	} else {
		local, err := storage.NewLocalStore(settings.LocalStoreDir)
		if err != nil {
			return err
		}
		store = local
		bucket = "mdbatch"
		slog.Info("no publish bucket configured, publishing to local store", "dir", settings.LocalStoreDir)
	}

	prefix := path.Join(settings.PublishPrefix, job.Organization, paths.BaseTaskName)
	if err := store.UploadDir(ctx, bucket, path.Join(prefix, "combined_api_outputs"), paths.CombinedOutputDir); err != nil {
		return fmt.Errorf("error publishing outputs for %s: %w", paths.BaseTaskName, err)
	}
	if _, err := os.Stat(paths.PreviewDir); err == nil {
		if err := store.UploadDir(ctx, bucket, path.Join(prefix, "preview"), paths.PreviewDir); err != nil {
			return fmt.Errorf("error publishing previews for %s: %w", paths.BaseTaskName, err)
		}
	}
	slog.Info("published job outputs", "bucket", bucket, "prefix", prefix)
	return nil
}

func runPostprocess(job config.Job, renderer script.Renderer, stage string, cls postprocess.ClassifierPipeline, cropBase string) error {
	paths := job.Paths()
	rde := postprocess.DefaultRDEOptions()
	rde.NWorkers = job.ParallelWorkers
	filtered := rde.FilteredOutputPath(paths.CombinedOutputFile)

	switch stage {
	case "preview":
		opts := postprocess.DefaultPreviewOptions()
		opts.ParallelWorkers = job.ParallelWorkers

		// Preview the filtered file when RDE has been done, the raw combined
		// file otherwise.
		resultsFile, tag := paths.CombinedOutputFile, ""
		if _, err := os.Stat(filtered); err == nil {
			resultsFile, tag = filtered, rde.Tag()
		}
		outputDir := opts.OutputDir(paths.PreviewDir, paths.BaseTaskName, tag)
		file := path.Join(paths.JobDir, "make_preview"+renderer.Extension())
		if err := script.Write(file, renderer, opts.Command(resultsFile, job.InputPath, outputDir).Multiline(renderer)); err != nil {
			return err
		}
		slog.Info("wrote preview script", "script", file, "output", outputDir)

	case "rde":
		// Sanity-check the location grouping against the actual dataset
		// before rendering anything.
		if combined, err := mdjson.Load(paths.CombinedOutputFile); err == nil {
			locations := rde.Locations(combined, job.Location)
			slog.Info("location grouping for repeat detection",
				"strategy", string(job.Location), "locations", len(locations), "images", len(combined.Images))
		}

		reviewDir := rde.ReviewDir(paths.JobDir, 0)
		findFile := path.Join(paths.JobDir, "rde_find"+renderer.Extension())
		if err := script.Write(findFile, renderer, rde.FindCommand(paths.CombinedOutputFile, job.InputPath, reviewDir).Multiline(renderer)); err != nil {
			return err
		}
		removeFile := path.Join(paths.JobDir, "rde_remove"+renderer.Extension())
		if err := script.Write(removeFile, renderer, rde.RemoveCommand(paths.CombinedOutputFile, filtered, reviewDir).Multiline(renderer)); err != nil {
			return err
		}
		slog.Info("wrote RDE scripts; review the rendered detections before running the remove step",
			"find", findFile, "remove", removeFile, "review_dir", reviewDir)

	case "classifier":
		if cls.CheckpointPath == "" || cls.CategoriesPath == "" {
			return fmt.Errorf("classifier stage requires -classifier-checkpoint and -classifier-categories")
		}

		detections := paths.CombinedOutputFile
		if _, err := os.Stat(filtered); err == nil {
			detections = filtered
		} else {
			slog.Warn("no RDE-filtered results found, classifying the raw combined file")
		}

		scriptFile, finalOutput, err := cls.WriteScript(renderer, paths.JobDir, paths.BaseTaskName,
			detections, job.InputPath, cropBase, paths.CombinedOutputDir)
		if err != nil {
			return err
		}
		slog.Info("wrote classifier pipeline script", "script", scriptFile, "final_output", finalOutput)

	default:
		return fmt.Errorf("unknown postprocess stage %q", stage)
	}
	return nil
}
