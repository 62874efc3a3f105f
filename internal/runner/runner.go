// Package runner executes generated task scripts serially in-process, for
// single-machine jobs where pasting scripts into separate terminals is not
// worth the ceremony. Tasks run one at a time; GPU parallelism is the worker
// scripts' job, not the runner's.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"

	"github.com/schollz/progressbar/v3"

	"mdbatch/internal/task"
)

// StatusFunc is invoked as each task starts and finishes so callers can keep
// the job ledger current. err is nil on success.
type StatusFunc func(t *task.Task, running bool, err error)

type Runner struct {
	// Quiet discards the detector's stdout/stderr instead of inheriting the
	// runner's.
	Quiet bool

	// KeepCheckpoints leaves per-task checkpoint files in place after a task
	// succeeds. By default they are removed once the output file exists.
	KeepCheckpoints bool

	OnStatus StatusFunc
}

// Run executes each task's command script in order, resuming from existing
// outputs: a task whose output file already exists is skipped.
func (r *Runner) Run(ctx context.Context, tasks []*task.Task) error {
	bar := progressbar.Default(int64(len(tasks)), "running tasks")
	defer func() { _ = bar.Close() }()

	for _, t := range tasks {
		if _, err := os.Stat(t.OutputFile); err == nil {
			slog.Info("task output already exists, skipping", "task", t.Index, "output", t.OutputFile)
			_ = bar.Add(1)
			continue
		}

		if err := r.runOne(ctx, t); err != nil {
			return err
		}
		_ = bar.Add(1)
	}
	return nil
}

func (r *Runner) runOne(ctx context.Context, t *task.Task) error {
	if r.OnStatus != nil {
		r.OnStatus(t, true, nil)
	}

	script := t.CommandFile
	if t.ResumeCommandFile != "" && t.CheckpointFile != "" {
		if _, err := os.Stat(t.CheckpointFile); err == nil {
			slog.Info("checkpoint found, resuming task", "task", t.Index, "checkpoint", t.CheckpointFile)
			script = t.ResumeCommandFile
		}
	}

	cmd := interpreterCommand(ctx, script)
	if !r.Quiet {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	slog.Info("running task", "task", t.Index, "gpu", t.GPU, "script", script)
	if err := cmd.Run(); err != nil {
		err = fmt.Errorf("task %d failed: %w", t.Index, err)
		if r.OnStatus != nil {
			r.OnStatus(t, false, err)
		}
		return err
	}

	if _, err := os.Stat(t.OutputFile); err != nil {
		err = fmt.Errorf("task %d exited cleanly but produced no output file %s", t.Index, t.OutputFile)
		if r.OnStatus != nil {
			r.OnStatus(t, false, err)
		}
		return err
	}

	if !r.KeepCheckpoints && t.CheckpointFile != "" {
		if err := os.Remove(t.CheckpointFile); err != nil && !os.IsNotExist(err) {
			slog.Warn("could not remove checkpoint file", "task", t.Index, "checkpoint", t.CheckpointFile, "error", err)
		}
	}

	if r.OnStatus != nil {
		r.OnStatus(t, false, nil)
	}
	return nil
}

func interpreterCommand(ctx context.Context, script string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/c", script)
	}
	return exec.CommandContext(ctx, "bash", script)
}
