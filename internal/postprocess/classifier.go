package postprocess

import (
	"fmt"
	"path"
	"strings"

	"mdbatch/internal/script"
)

// ClassifierPipeline describes one species classifier applied on top of
// detection results. Classifiers run in a different environment than the
// detector, so rather than executing anything this produces a standalone
// script the operator runs from that environment: crop, classify, optionally
// remap to a target label set, then merge back into the detection file.
type ClassifierPipeline struct {
	// NameShort tags file names, e.g. "megaclassifier".
	NameShort string
	// Name is the full classifier identifier recorded in merged output
	// metadata.
	Name string

	CheckpointPath string
	CategoriesPath string
	// TargetMappingPath maps classifier labels onto a project taxonomy. When
	// empty the remap stage is skipped and the merge consumes the raw
	// classifier output.
	TargetMappingPath string

	// DetectionThreshold selects which detections get cropped.
	DetectionThreshold float64
	// ClassificationThreshold is the minimum classification confidence kept
	// in the merged output.
	ClassificationThreshold float64
	// TypicalClassificationThreshold is recorded in output metadata only.
	TypicalClassificationThreshold float64

	ImageSize int
	BatchSize int
	NWorkers  int
	// Device is the GPU ordinal, or -1 for CPU.
	Device int
}

func DefaultClassifierPipeline(nameShort, name string) ClassifierPipeline {
	return ClassifierPipeline{
		NameShort:                      nameShort,
		Name:                           name,
		DetectionThreshold:             0.15,
		ClassificationThreshold:        0.05,
		TypicalClassificationThreshold: 0.75,
		ImageSize:                      300,
		BatchSize:                      64,
		NWorkers:                       10,
	}
}

func (c ClassifierPipeline) outputSuffix() string {
	return fmt.Sprintf("_%s_output.csv.gz", c.NameShort)
}

// CropDir is where cropped detection images accumulate for this job.
func (c ClassifierPipeline) CropDir(cropBase, baseTaskName string) string {
	return path.Join(cropBase, baseTaskName+"_crops")
}

// FinalOutputPath names the merged classification+detection results file.
func (c ClassifierPipeline) FinalOutputPath(outputDir, cropDir string) string {
	name := path.Base(cropDir) + c.outputSuffix()
	name = strings.Replace(name, c.outputSuffix(), "_"+c.NameShort+".json", 1)
	name = strings.ReplaceAll(name, "_detections", "")
	name = strings.ReplaceAll(name, "_crops", "")
	return path.Join(outputDir, name)
}

// ScriptPath names the generated pipeline script.
func (c ClassifierPipeline) ScriptPath(jobDir, baseTaskName string, r script.Renderer) string {
	return path.Join(jobDir, fmt.Sprintf("run_%s_%s%s", c.NameShort, baseTaskName, r.Extension()))
}

// WriteScript renders the full pipeline into one executable script and
// returns its path together with the merged output file it will produce.
// detectionsFile should be the filtered (post-RDE) results file when RDE was
// done, the combined file otherwise.
func (c ClassifierPipeline) WriteScript(r script.Renderer, jobDir, baseTaskName, detectionsFile, imageBase, cropBase, outputDir string) (scriptPath, finalOutput string, err error) {
	cropDir := c.CropDir(cropBase, baseTaskName)
	classifierOutput := cropDir + c.outputSuffix()
	finalOutput = c.FinalOutputPath(outputDir, cropDir)

	var stages []string
	emit := func(section string, cmd script.Command) {
		stage := r.Comment(section) + "\n\n" + cmd.Multiline(r) + "\n"
		if suffix := r.CommandSuffix(); suffix != "" {
			stage += suffix
		}
		stages = append(stages, stage)
	}

	emit("Cropping "+detectionsFile, c.cropCommand(detectionsFile, cropDir, imageBase, jobDir))

	mergeInput := classifierOutput
	mergeIndex := c.CategoriesPath

	emit("Classifying "+detectionsFile, c.classifyCommand(detectionsFile, cropDir, classifierOutput))

	if c.TargetMappingPath != "" {
		remapped := strings.Replace(classifierOutput, ".csv.gz", "_remapped.csv.gz", 1)
		labelIndex := strings.Replace(remapped, "_remapped.csv.gz", "_label_index_remapped.json", 1)
		emit("Remapping "+detectionsFile, c.remapCommand(classifierOutput, remapped, labelIndex))
		mergeInput, mergeIndex = remapped, labelIndex
	}

	emit("Merging "+detectionsFile, c.mergeCommand(mergeInput, mergeIndex, finalOutput, detectionsFile))

	scriptPath = c.ScriptPath(jobDir, baseTaskName, r)
	if err := script.Write(scriptPath, r, strings.Join(stages, "\n")); err != nil {
		return "", "", err
	}
	return scriptPath, finalOutput, nil
}

func (c ClassifierPipeline) cropCommand(detectionsFile, cropDir, imageBase, logDir string) script.Command {
	return script.Command{
		Program: "python crop_detections.py",
		Args: []string{
			script.Quote(detectionsFile),
			script.Quote(cropDir),
			"--images-dir " + script.Quote(imageBase),
			"--threshold " + script.Quote(fmt.Sprintf("%g", c.DetectionThreshold)),
			"--square-crops",
			"--threads " + script.Quote(fmt.Sprintf("%d", c.NWorkers)),
			"--logdir " + script.Quote(logDir),
		},
	}
}

func (c ClassifierPipeline) classifyCommand(detectionsFile, cropDir, classifierOutput string) script.Command {
	args := []string{
		script.Quote(c.CheckpointPath),
		script.Quote(cropDir),
		script.Quote(classifierOutput),
		"--detections-json " + script.Quote(detectionsFile),
		"--classifier-categories " + script.Quote(c.CategoriesPath),
		"--image-size " + script.Quote(fmt.Sprintf("%d", c.ImageSize)),
		"--batch-size " + script.Quote(fmt.Sprintf("%d", c.BatchSize)),
		"--num-workers " + script.Quote(fmt.Sprintf("%d", c.NWorkers)),
	}
	if c.Device >= 0 {
		args = append(args, fmt.Sprintf("--device %d", c.Device))
	}
	return script.Command{Program: "python run_classifier.py", Args: args}
}

func (c ClassifierPipeline) remapCommand(classifierOutput, remapped, labelIndex string) script.Command {
	return script.Command{
		Program: "python aggregate_classifier_probs.py",
		Args: []string{
			script.Quote(classifierOutput),
			"--target-mapping " + script.Quote(c.TargetMappingPath),
			"--output-csv " + script.Quote(remapped),
			"--output-label-index " + script.Quote(labelIndex),
		},
	}
}

func (c ClassifierPipeline) mergeCommand(mergeInput, mergeIndex, finalOutput, detectionsFile string) script.Command {
	return script.Command{
		Program: "python merge_classification_detection_output.py",
		Args: []string{
			script.Quote(mergeInput),
			script.Quote(mergeIndex),
			"--output-json " + script.Quote(finalOutput),
			"--detection-json " + script.Quote(detectionsFile),
			"--classifier-name " + script.Quote(c.Name),
			"--threshold " + script.Quote(fmt.Sprintf("%g", c.ClassificationThreshold)),
			"--typical-confidence-threshold " + script.Quote(fmt.Sprintf("%g", c.TypicalClassificationThreshold)),
		},
	}
}
