package runner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdbatch/internal/script"
	"mdbatch/internal/task"
)

// fakeTask writes a script that creates the task's output file, standing in
// for a detector run.
func fakeTask(t *testing.T, dir string, index int, body string) *task.Task {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test scripts are written for bash")
	}

	tk := &task.Task{
		Index:       index,
		OutputFile:  filepath.Join(dir, "chunk_results.json"),
		CommandFile: filepath.Join(dir, "run.sh"),
	}
	require.NoError(t, script.Write(tk.CommandFile, script.Posix{}, body))
	return tk
}

func TestRunner_RunsTask(t *testing.T) {
	dir := t.TempDir()
	tk := fakeTask(t, dir, 0, "echo '{}' > "+script.Quote(tk0Output(dir)))

	var statuses []bool
	r := Runner{
		Quiet: true,
		OnStatus: func(_ *task.Task, running bool, err error) {
			statuses = append(statuses, running)
			assert.NoError(t, err)
		},
	}

	require.NoError(t, r.Run(context.Background(), []*task.Task{tk}))
	assert.FileExists(t, tk.OutputFile)
	assert.Equal(t, []bool{true, false}, statuses)
}

func tk0Output(dir string) string {
	return filepath.Join(dir, "chunk_results.json")
}

func TestRunner_SkipsCompletedTasks(t *testing.T) {
	dir := t.TempDir()
	tk := fakeTask(t, dir, 0, "exit 1")
	require.NoError(t, os.WriteFile(tk.OutputFile, []byte("{}"), 0644))

	// The failing script never runs because the output already exists.
	r := Runner{Quiet: true}
	require.NoError(t, r.Run(context.Background(), []*task.Task{tk}))
}

func TestRunner_PropagatesFailure(t *testing.T) {
	dir := t.TempDir()
	tk := fakeTask(t, dir, 3, "exit 2")

	var failed error
	r := Runner{
		Quiet: true,
		OnStatus: func(_ *task.Task, running bool, err error) {
			if !running && err != nil {
				failed = err
			}
		},
	}

	err := r.Run(context.Background(), []*task.Task{tk})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task 3 failed")
	assert.Error(t, failed)
}

func TestRunner_FailsWhenNoOutputProduced(t *testing.T) {
	dir := t.TempDir()
	tk := fakeTask(t, dir, 0, "true")

	r := Runner{Quiet: true}
	err := r.Run(context.Background(), []*task.Task{tk})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "produced no output file")
}

func TestRunner_ResumesFromCheckpoint(t *testing.T) {
	dir := t.TempDir()

	tk := fakeTask(t, dir, 0, "echo '{}' > "+script.Quote(tk0Output(dir)))
	tk.CheckpointFile = filepath.Join(dir, "chunk_checkpoint.json")
	tk.ResumeCommandFile = filepath.Join(dir, "resume.sh")
	require.NoError(t, script.Write(tk.ResumeCommandFile, script.Posix{},
		"echo '{\"resumed\": true}' > "+script.Quote(tk.OutputFile)))
	require.NoError(t, os.WriteFile(tk.CheckpointFile, []byte("{}"), 0644))

	r := Runner{Quiet: true}
	require.NoError(t, r.Run(context.Background(), []*task.Task{tk}))

	data, err := os.ReadFile(tk.OutputFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "resumed")

	// The checkpoint is cleaned up after a successful run.
	assert.NoFileExists(t, tk.CheckpointFile)
}
