// Package task binds chunks to workers and renders the executable scripts
// that run the detector over each chunk, plus the per-GPU aggregate scripts.
package task

import (
	"fmt"
	"strings"

	"mdbatch/internal/chunking"
	"mdbatch/pkg/mdjson"
)

const (
	resultsSuffix    = "_results.json"
	checkpointSuffix = "_checkpoint.json"
	manifestSuffix   = ".json"
)

// Task is the execution unit for one chunk. It is created by the generator,
// mutated once when its command is rendered, and once more when the
// reconciler attaches execution results. Tasks are never deleted.
type Task struct {
	Index          int
	InputFile      string
	OutputFile     string
	CheckpointFile string
	GPU            int

	CommandLine       string
	CommandFile       string
	ResumeCommandLine string
	ResumeCommandFile string

	// Populated by the reconciler after external execution.
	Results   *mdjson.Results
	NFailures int
}

// FromChunk derives a task's fixed paths from its chunk manifest. The output
// and checkpoint locations are the manifest path with a fixed suffix
// substitution, so they live next to the manifest in the job folder.
func FromChunk(chunk chunking.Chunk, gpu int) *Task {
	base := strings.TrimSuffix(chunk.ManifestFile, manifestSuffix)
	return &Task{
		Index:          chunk.Index,
		InputFile:      chunk.ManifestFile,
		OutputFile:     base + resultsSuffix,
		CheckpointFile: base + checkpointSuffix,
		GPU:            gpu,
	}
}

// AssignGPU maps a task index to a worker. With multiple GPUs tasks are dealt
// round-robin; with one, everything goes to the configured default device.
func AssignGPU(index, nGPUs, defaultGPU int) int {
	if nGPUs > 1 {
		return index % nGPUs
	}
	return defaultGPU
}

func scriptName(prefix string, taskIndex, gpu int, extension string) string {
	return fmt.Sprintf("%s_chunk_%03d_gpu_%02d%s", prefix, taskIndex, gpu, extension)
}

func workerScriptName(gpu int, extension string) string {
	return fmt.Sprintf("run_all_for_gpu_%02d%s", gpu, extension)
}
