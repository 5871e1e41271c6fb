package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"

	"github.com/vrusight/vrusight/pkg/criteria"
	"github.com/vrusight/vrusight/pkg/nn"
	"github.com/vrusight/vrusight/pkg/nnreg"
	"github.com/vrusight/vrusight/pkg/pipeline"
	"github.com/vrusight/vrusight/pkg/timesync"
	"github.com/vrusight/vrusight/pkg/validate"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("vruval", "VRU detection validation pipeline")

	runCmd := parser.NewCommand("run", "Run the detection pipeline over a video source")
	videoID := runCmd.String("v", "video", &argparse.Options{Help: "Video id", Required: false, Default: "video-1"})
	numFrames := runCmd.Int("f", "frames", &argparse.Options{Help: "Number of synthetic frames to process", Required: false, Default: 300})
	fps := runCmd.Float("", "fps", &argparse.Options{Help: "Frame rate of the source", Required: false, Default: 30.0})
	width := runCmd.Int("", "width", &argparse.Options{Help: "Frame width", Required: false, Default: 640})
	height := runCmd.Int("", "height", &argparse.Options{Help: "Frame height", Required: false, Default: 640})
	tiled := runCmd.Flag("", "tiled", &argparse.Options{Help: "Tile frames larger than the model input", Required: false})
	modelConfig := runCmd.String("m", "model", &argparse.Options{Help: "Model config JSON (falls back to the stub model if the weights can't be loaded)", Required: false})
	output := runCmd.File("o", "output", os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0664, &argparse.Options{Help: "Output detection events file", Required: true})

	evalCmd := parser.NewCommand("evaluate", "Evaluate aggregated test results against pass/fail criteria")
	resultsFile := evalCmd.String("r", "results", &argparse.Options{Help: "Test results JSON file", Required: true})
	criteriaFile := evalCmd.String("c", "criteria", &argparse.Options{Help: "Criteria JSON file (default thresholds when omitted)", Required: false})

	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	switch {
	case runCmd.Happened():
		runPipeline(*videoID, *numFrames, *width, *height, *fps, *tiled, *modelConfig, output)
	case evalCmd.Happened():
		evaluate(*resultsFile, *criteriaFile)
	}
}

func runPipeline(videoID string, numFrames, width, height int, fps float64, tiled bool, modelConfig string, output *os.File) {
	logger, _ := logs.NewLog()

	registry := nnreg.NewRegistry(logger)
	if modelConfig != "" {
		config, err := nn.LoadModelConfig(modelConfig)
		check(err)
		modelID := strings.TrimSuffix(filepath.Base(modelConfig), ".json")
		registry.Register(modelID, modelConfig, nnreg.Kind(config.Architecture))
		check(registry.SetActive(modelID))
	}
	opts := pipeline.DefaultOptions()
	opts.EnableTiling = tiled
	pipe := pipeline.NewPipeline(logger, registry, validate.NewValidator(logger), timesync.NewSynchronizer(logger), nil, opts)

	source := pipeline.NewSyntheticSource(width, height, numFrames, fps)
	run, err := pipe.ProcessStream(context.Background(), videoID, "run-1", source)
	check(err)

	events := []nn.DetectionEvent{}
	checkpoints := 0
	for item := range run.Events {
		if item.Event != nil {
			events = append(events, *item.Event)
		}
		if item.Checkpoint != nil {
			checkpoints++
			logger.Infof("Checkpoint at frame %v (%v events since last)", item.Checkpoint.FrameNumber, item.Checkpoint.Events)
		}
	}
	run.Wait()
	if run.State() == pipeline.StateFailed {
		logger.Errorf("Run failed at checkpoint %v: %v", run.LastCheckpoint(), run.Err())
		os.Exit(1)
	}

	encoder := json.NewEncoder(output)
	encoder.SetIndent("", "  ")
	check(encoder.Encode(events))

	stats := run.Stats()
	logger.Infof("Processed %v frames, emitted %v events, %v checkpoints", stats.Frames, len(events), checkpoints)
	logger.Infof("Latency avg %.2fms p95 %.2fms, mean confidence %.3f", stats.AverageLatencyMs, stats.P95LatencyMs, stats.AverageConfidence)
}

func evaluate(resultsFile, criteriaFile string) {
	results, err := criteria.LoadTestResults(resultsFile)
	check(err)

	crit := criteria.DefaultCriteria()
	if criteriaFile != "" {
		loaded, err := criteria.LoadCriteria(criteriaFile)
		check(err)
		crit = *loaded
	}

	evaluation, err := criteria.EvaluateDetailed(*results, crit)
	check(err)

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	check(encoder.Encode(evaluation))

	if evaluation.Verdict == criteria.VerdictFail {
		os.Exit(1)
	}
}
