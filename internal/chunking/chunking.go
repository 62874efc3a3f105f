// Package chunking partitions the job's image list into balanced chunks and
// persists each chunk as a manifest file, so a restarted run can recover the
// image set from the manifests instead of re-enumerating the input root.
package chunking

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"mdbatch/internal/config"
	"mdbatch/internal/storage"
)

// Chunk is an ordered, disjoint slice of the job's image list. Chunks are
// never mutated after creation, only referenced by tasks.
type Chunk struct {
	Index        int
	ManifestFile string
	Images       []string
}

// Plan is the result of partitioning: the full sorted image list and the
// chunks whose concatenation in index order reproduces it.
type Plan struct {
	AllImages []string
	Chunks    []Chunk
	// Recovered is true when the plan was loaded from existing manifests
	// rather than a fresh enumeration.
	Recovered bool
}

// Split partitions items into at most n contiguous chunks whose sizes differ
// by at most one, preserving order. When len(items) < n, only len(items)
// chunks are produced; empty input produces no chunks.
func Split(items []string, n int) [][]string {
	if n > len(items) {
		n = len(items)
	}
	if n <= 0 {
		return nil
	}

	base := len(items) / n
	extra := len(items) % n

	chunks := make([][]string, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		chunks = append(chunks, items[start:start+size])
		start += size
	}
	return chunks
}

// ManifestName returns the fixed zero-padded manifest file name for a chunk
// index.
func ManifestName(index int) string {
	return fmt.Sprintf("chunk%03d.json", index)
}

var manifestPattern = regexp.MustCompile(`^chunk(\d+)\.json$`)

// Planner builds a Plan for one job, either by enumerating the input root or
// by recovering previously persisted chunk manifests.
type Planner struct {
	cfg  config.Job
	find func(root string) ([]string, error)
}

func NewPlanner(cfg config.Job) *Planner {
	return &Planner{cfg: cfg, find: storage.FindImages}
}

// NewPlannerWithFinder lets tests substitute the enumeration function.
func NewPlannerWithFinder(cfg config.Job, find func(root string) ([]string, error)) *Planner {
	return &Planner{cfg: cfg, find: find}
}

// Plan recovers an existing chunk layout when manifests are present and
// enumeration is not forced; otherwise it enumerates the input root, splits
// the sorted image list into the configured number of chunks, and persists
// one manifest per chunk. It fails when the input root does not exist.
func (p *Planner) Plan() (*Plan, error) {
	if info, err := os.Stat(p.cfg.InputPath); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("could not find input folder %s", p.cfg.InputPath)
	}

	jobDir := p.cfg.Paths().JobDir
	if err := os.MkdirAll(jobDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create job folder %s: %w", jobDir, err)
	}

	if !p.cfg.ForceEnumeration {
		existing, err := LoadExisting(jobDir)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			plan := planFromChunks(existing)
			plan.Recovered = true
			slog.Info("recovered image list from chunk manifests",
				"chunks", len(plan.Chunks), "images", len(plan.AllImages), "folder", jobDir)
			return plan, nil
		}
	}

	slog.Info("enumerating image files", "root", p.cfg.InputPath)
	images, err := p.find(p.cfg.InputPath)
	if err != nil {
		return nil, err
	}
	slog.Info("enumerated image files", "count", len(images))

	chunks := make([]Chunk, 0, p.cfg.NJobs)
	for i, list := range Split(images, p.cfg.NJobs) {
		chunk := Chunk{
			Index:        i,
			ManifestFile: filepath.ToSlash(filepath.Join(jobDir, ManifestName(i))),
			Images:       list,
		}
		if err := writeManifest(chunk.ManifestFile, list); err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}

	return planFromChunks(chunks), nil
}

// LoadExisting loads all chunk manifests in dir matching the fixed naming
// pattern, ordered by chunk index. Each manifest must be a JSON array of
// strings; anything else is a fatal format error.
func LoadExisting(dir string) ([]Chunk, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list job folder %s: %w", dir, err)
	}

	var chunks []Chunk
	for _, entry := range entries {
		match := manifestPattern.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}

		index, err := strconv.Atoi(match[1])
		if err != nil {
			return nil, fmt.Errorf("invalid chunk index in manifest name %s: %w", entry.Name(), err)
		}

		manifest := filepath.ToSlash(filepath.Join(dir, entry.Name()))
		images, err := ReadManifest(manifest)
		if err != nil {
			return nil, err
		}

		chunks = append(chunks, Chunk{Index: index, ManifestFile: manifest, Images: images})
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

// ReadManifest reads one chunk manifest, enforcing that it is a list of
// image paths.
func ReadManifest(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk manifest %s: %w", path, err)
	}

	var images []string
	if err := json.Unmarshal(data, &images); err != nil {
		return nil, fmt.Errorf("chunk manifest %s is not a list of image paths: %w", path, err)
	}
	return images, nil
}

func writeManifest(path string, images []string) error {
	data, err := json.MarshalIndent(images, "", " ")
	if err != nil {
		return fmt.Errorf("failed to marshal chunk manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write chunk manifest %s: %w", path, err)
	}
	return nil
}

// planFromChunks assembles a Plan whose AllImages is the sorted union of the
// chunk image lists. Sorting here makes recovery independent of manifest
// enumeration order on disk.
func planFromChunks(chunks []Chunk) *Plan {
	var all []string
	for _, chunk := range chunks {
		all = append(all, chunk.Images...)
	}
	sort.Strings(all)
	return &Plan{AllImages: all, Chunks: chunks}
}
