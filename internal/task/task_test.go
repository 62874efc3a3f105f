package task

import (
	"fmt"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdbatch/internal/chunking"
	"mdbatch/internal/config"
	"mdbatch/internal/script"
)

func testJob(t *testing.T) config.Job {
	t.Helper()
	job := config.Default()
	job.InputPath = "/data/survey"
	job.Organization = "idfg"
	job.JobDate = "2026-08-26"
	job.PostprocessingBase = t.TempDir()
	return job
}

func testChunks(job config.Job, n, perChunk int) []chunking.Chunk {
	jobDir := job.Paths().JobDir
	chunks := make([]chunking.Chunk, n)
	for i := range chunks {
		images := make([]string, perChunk)
		for j := range images {
			images[j] = fmt.Sprintf("/data/survey/cam%02d/img%03d.jpg", i, j)
		}
		chunks[i] = chunking.Chunk{
			Index:        i,
			ManifestFile: path.Join(jobDir, chunking.ManifestName(i)),
			Images:       images,
		}
	}
	return chunks
}

func TestFromChunk_DerivedPaths(t *testing.T) {
	chunk := chunking.Chunk{Index: 3, ManifestFile: "/jobs/chunk003.json"}
	task := FromChunk(chunk, 1)

	assert.Equal(t, 3, task.Index)
	assert.Equal(t, "/jobs/chunk003.json", task.InputFile)
	assert.Equal(t, "/jobs/chunk003_results.json", task.OutputFile)
	assert.Equal(t, "/jobs/chunk003_checkpoint.json", task.CheckpointFile)
	assert.Equal(t, 1, task.GPU)
}

func TestAssignGPU(t *testing.T) {
	// Round-robin across multiple GPUs.
	assert.Equal(t, 0, AssignGPU(0, 2, 0))
	assert.Equal(t, 1, AssignGPU(1, 2, 0))
	assert.Equal(t, 0, AssignGPU(2, 2, 0))

	// Single GPU: everything goes to the configured default device.
	assert.Equal(t, 1, AssignGPU(0, 1, 1))
	assert.Equal(t, 1, AssignGPU(5, 1, 1))
}

func TestDetectorBatchCommand_Defaults(t *testing.T) {
	job := testJob(t)
	generator, err := NewGenerator(job, script.Posix{})
	require.NoError(t, err)

	task := FromChunk(chunking.Chunk{Index: 1, ManifestFile: "/jobs/chunk001.json"}, 1)
	line := generator.BuildCommand(task).Line(script.Posix{})

	assert.Equal(t,
		`CUDA_VISIBLE_DEVICES=1 python run_detector_batch.py "MDV5A" "/jobs/chunk001.json" "/jobs/chunk001_results.json"`+
			` --checkpoint_frequency 10000 --checkpoint_path "/jobs/chunk001_checkpoint.json"`+
			` --quiet --overwrite_handling skip`,
		line)
}

func TestDetectorBatchCommand_OptionalFlags(t *testing.T) {
	job := testJob(t)
	job.CheckpointFrequency = 0
	job.Quiet = false
	job.UseImageQueue = true
	job.NCores = 4
	job.ImageSize = 1280
	job.JSONThreshold = 0.01
	job.DetectorOptions = "compatibility_mode=classic"

	generator, err := NewGenerator(job, script.Posix{})
	require.NoError(t, err)
	line := generator.BuildCommand(FromChunk(chunking.Chunk{Index: 0, ManifestFile: "/jobs/chunk000.json"}, 0)).Line(script.Posix{})

	assert.NotContains(t, line, "--checkpoint_frequency")
	assert.NotContains(t, line, "--quiet")
	assert.Contains(t, line, "--use_image_queue")
	assert.Contains(t, line, "--ncores 4")
	assert.Contains(t, line, "--image_size 1280")
	assert.Contains(t, line, "--threshold 0.01")
	assert.Contains(t, line, `--detector_options "compatibility_mode=classic"`)
}

func TestYoloCommand(t *testing.T) {
	job := testJob(t)
	job.UseYoloInference = true
	job.CheckpointFrequency = 0

	generator, err := NewGenerator(job, script.Posix{})
	require.NoError(t, err)
	line := generator.BuildCommand(FromChunk(chunking.Chunk{Index: 2, ManifestFile: "/jobs/chunk002.json"}, 1)).Line(script.Posix{})

	// The YOLO backend selects its device by flag, not environment.
	assert.NotContains(t, line, "CUDA_VISIBLE_DEVICES")
	assert.Contains(t, line, "run_inference_with_yolov5_val.py")
	assert.Contains(t, line, "--device 1")
	assert.Contains(t, line, "--augment_enabled 0")
	assert.Contains(t, line, "--conf_thres 0.005")
	assert.Contains(t, line, "symlinks_002")
	assert.Contains(t, line, "yolo_results_002")
}

func TestTiledCommand(t *testing.T) {
	job := testJob(t)
	job.UseTiledInference = true
	job.CheckpointFrequency = 0

	generator, err := NewGenerator(job, script.Posix{})
	require.NoError(t, err)
	line := generator.BuildCommand(FromChunk(chunking.Chunk{Index: 0, ManifestFile: "/jobs/chunk000.json"}, 0)).Line(script.Posix{})

	assert.Contains(t, line, "run_tiled_inference.py")
	assert.Contains(t, line, `"/data/survey"`)
	assert.Contains(t, line, "tile_cache_000")
	assert.Contains(t, line, `--image_list "/jobs/chunk000.json"`)
	assert.Contains(t, line, "--tile_size_x 1280")
	assert.Contains(t, line, "--tile_overlap 0.2")
}

func TestNewGenerator_RequiresIdentifyingFields(t *testing.T) {
	job := testJob(t)
	job.Organization = ""
	_, err := NewGenerator(job, script.Posix{})
	require.Error(t, err)
}

func TestWriteScripts(t *testing.T) {
	job := testJob(t)
	generator, err := NewGenerator(job, script.Posix{})
	require.NoError(t, err)

	tasks := generator.Tasks(testChunks(job, 4, 2))
	gpuToScripts, err := generator.WriteScripts(tasks)
	require.NoError(t, err)

	jobDir := job.Paths().JobDir
	assert.Equal(t, path.Join(jobDir, "run_chunk_000_gpu_00.sh"), tasks[0].CommandFile)
	assert.Equal(t, path.Join(jobDir, "run_chunk_001_gpu_01.sh"), tasks[1].CommandFile)
	assert.Equal(t, path.Join(jobDir, "resume_chunk_000_gpu_00.sh"), tasks[0].ResumeCommandFile)

	// Tasks alternate between the two GPUs.
	assert.Equal(t, []string{tasks[0].CommandFile, tasks[2].CommandFile}, gpuToScripts[0])
	assert.Equal(t, []string{tasks[1].CommandFile, tasks[3].CommandFile}, gpuToScripts[1])

	data, err := os.ReadFile(tasks[0].CommandFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "#!/bin/bash")
	assert.Contains(t, string(data), "set -e")
	assert.Contains(t, string(data), tasks[0].CommandLine)

	resume, err := os.ReadFile(tasks[0].ResumeCommandFile)
	require.NoError(t, err)
	assert.Contains(t, string(resume), "--resume_from_checkpoint "+script.Quote(tasks[0].CheckpointFile))
}

func TestWriteScripts_NoResumeWithoutCheckpointing(t *testing.T) {
	job := testJob(t)
	job.CheckpointFrequency = 0

	generator, err := NewGenerator(job, script.Posix{})
	require.NoError(t, err)
	tasks := generator.Tasks(testChunks(job, 2, 2))
	_, err = generator.WriteScripts(tasks)
	require.NoError(t, err)

	assert.Empty(t, tasks[0].ResumeCommandFile)
	assert.Empty(t, tasks[0].ResumeCommandLine)
}

func TestWriteWorkerScripts(t *testing.T) {
	job := testJob(t)
	generator, err := NewGenerator(job, script.Posix{})
	require.NoError(t, err)

	tasks := generator.Tasks(testChunks(job, 4, 2))
	gpuToScripts, err := generator.WriteScripts(tasks)
	require.NoError(t, err)

	written, err := generator.WriteWorkerScripts(gpuToScripts)
	require.NoError(t, err)
	require.Len(t, written, 2)

	jobDir := job.Paths().JobDir
	assert.Equal(t, path.Join(jobDir, "run_all_for_gpu_00.sh"), written[0])
	assert.Equal(t, path.Join(jobDir, "run_all_for_gpu_01.sh"), written[1])

	data, err := os.ReadFile(written[1])
	require.NoError(t, err)
	body := string(data)
	assert.Contains(t, body, tasks[1].CommandFile)
	assert.Contains(t, body, tasks[3].CommandFile)
	assert.Contains(t, body, `echo "Finished all commands for GPU 1"`)
}

func TestWriteScripts_RegenerationIsByteIdentical(t *testing.T) {
	job := testJob(t)
	chunks := testChunks(job, 4, 2)

	render := func() map[string][]byte {
		generator, err := NewGenerator(job, script.Posix{})
		require.NoError(t, err)

		tasks := generator.Tasks(chunks)
		gpuToScripts, err := generator.WriteScripts(tasks)
		require.NoError(t, err)
		workers, err := generator.WriteWorkerScripts(gpuToScripts)
		require.NoError(t, err)

		files := make(map[string][]byte)
		for _, tk := range tasks {
			for _, file := range []string{tk.CommandFile, tk.ResumeCommandFile} {
				data, err := os.ReadFile(file)
				require.NoError(t, err)
				files[file] = data
			}
		}
		for _, file := range workers {
			data, err := os.ReadFile(file)
			require.NoError(t, err)
			files[file] = data
		}
		return files
	}

	first := render()
	second := render()

	require.Equal(t, len(first), len(second))
	for file, data := range first {
		assert.Equal(t, data, second[file], file)
	}
}

func TestWriteWorkerScripts_Batch(t *testing.T) {
	job := testJob(t)
	generator, err := NewGenerator(job, script.Batch{})
	require.NoError(t, err)

	tasks := generator.Tasks(testChunks(job, 2, 1))
	gpuToScripts, err := generator.WriteScripts(tasks)
	require.NoError(t, err)

	written, err := generator.WriteWorkerScripts(gpuToScripts)
	require.NoError(t, err)
	require.Len(t, written, 2)

	data, err := os.ReadFile(written[0])
	require.NoError(t, err)
	body := string(data)
	assert.Contains(t, body, "call "+tasks[0].CommandFile)
	assert.Contains(t, body, "if %errorlevel% neq 0 exit /b %errorlevel%")
}
