package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/multibox/pkg/nn"
	"github.com/cyclopcam/multibox/pkg/perfstats"
	"github.com/cyclopcam/multibox/pkg/ssd"
	"github.com/cyclopcam/multibox/pkg/stats"
)

// A batch of predictions and ground truth, as consumed by the 'loss' command
type lossBatch struct {
	GroundTruth []ssd.GroundTruth `json:"groundTruth"`
	Locs        [][]ssd.Box       `json:"locs"`   // [image][prior]
	Scores      [][]float32       `json:"scores"` // [image][prior*numClasses + class]
}

// The predictions of a single image, as consumed by the 'decode' command
type imagePredictions struct {
	Locs   []ssd.Box `json:"locs"`
	Scores []float32 `json:"scores"`
}

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func readJSON(filename string, v any) {
	b, err := os.ReadFile(filename)
	check(err)
	check(json.Unmarshal(b, v))
}

func writeJSON(filename string, v any) {
	f := os.Stdout
	if filename != "" && filename != "-" {
		var err error
		f, err = os.Create(filename)
		check(err)
		defer f.Close()
	}
	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	check(encoder.Encode(v))
}

func main() {
	parser := argparse.NewParser("multibox", "SSD prior boxes, matching, loss, and decoding")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Config file (JSON or YAML). If omitted, the SSD300 configuration is used", Required: false, Default: ""})
	numClasses := parser.Int("n", "classes", &argparse.Options{Help: "Number of classes, including background (only used without --config)", Required: false, Default: 21})
	labelsFile := parser.String("l", "labels", &argparse.Options{Help: "Text file with one class name per line, starting with background. Overrides the number of classes", Required: false, Default: ""})

	priorsCmd := parser.NewCommand("priors", "Generate the prior boxes and print their layout")
	priorsOut := priorsCmd.String("o", "output", &argparse.Options{Help: "Write the priors (center-size) to this JSON file", Required: false, Default: ""})

	matchCmd := parser.NewCommand("match", "Match the ground truth of one image to the priors")
	matchInput := matchCmd.String("i", "input", &argparse.Options{Help: "Ground truth JSON file", Required: true})
	matchOut := matchCmd.String("o", "output", &argparse.Options{Help: "Write the positive priors to this JSON file ('-' for stdout)", Required: false, Default: ""})

	lossCmd := parser.NewCommand("loss", "Compute the loss of one or more batches")
	lossInput := lossCmd.String("i", "input", &argparse.Options{Help: "JSON file with an array of batches", Required: true})
	lossWorkers := lossCmd.Int("w", "workers", &argparse.Options{Help: "Images processed in parallel (0 = number of CPUs)", Required: false, Default: 0})

	decodeCmd := parser.NewCommand("decode", "Decode the predictions of one image into detections")
	decodeInput := decodeCmd.String("i", "input", &argparse.Options{Help: "Predictions JSON file", Required: true})
	decodeOut := decodeCmd.String("o", "output", &argparse.Options{Help: "Output detections JSON file", Required: false, Default: "-"})
	decodeThreshold := decodeCmd.Float("t", "threshold", &argparse.Options{Help: "Minimum class probability", Required: false, Default: nn.DefaultProbabilityThreshold})
	decodeNms := decodeCmd.Float("", "nms", &argparse.Options{Help: "NMS IoU threshold", Required: false, Default: nn.DefaultNmsIouThreshold})
	decodeMax := decodeCmd.Int("", "max", &argparse.Options{Help: "Maximum number of detections", Required: false, Default: nn.DefaultMaxDetections})

	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	var config *ssd.Config
	if *configFile != "" {
		config, err = ssd.LoadConfig(*configFile)
		check(err)
	} else {
		config = ssd.DefaultConfig300(*numClasses)
	}
	if *labelsFile != "" {
		check(config.LoadClassNames(*labelsFile))
	}
	check(config.Validate())
	priors, err := ssd.NewPriorSet(config.FeatureMaps)
	check(err)

	switch {
	case priorsCmd.Happened():
		runPriors(logger, priors, *priorsOut)
	case matchCmd.Happened():
		runMatch(logger, config, priors, *matchInput, *matchOut)
	case lossCmd.Happened():
		config.Workers = *lossWorkers
		runLoss(logger, config, priors, *lossInput)
	case decodeCmd.Happened():
		params := nn.NewDetectionParams()
		params.ProbabilityThreshold = float32(*decodeThreshold)
		params.NmsIouThreshold = float32(*decodeNms)
		params.MaxDetections = *decodeMax
		runDecode(logger, config, priors, *decodeInput, *decodeOut, params)
	}
}

func runPriors(logger logs.Log, priors *ssd.PriorSet, output string) {
	for _, s := range priors.Layout() {
		logger.Infof("%-10v %3v x %-3v x %v = %5v priors (offset %v)", s.Name, s.GridDim, s.GridDim, s.PriorsPerCell, s.Count, s.Offset)
	}
	logger.Infof("Total: %v priors", priors.Len())
	if output != "" {
		writeJSON(output, priors.CenterSizeBoxes())
	}
}

func runMatch(logger logs.Log, config *ssd.Config, priors *ssd.PriorSet, input, output string) {
	gt := ssd.GroundTruth{}
	readJSON(input, &gt)
	matcher := ssd.NewMatcher(priors, config)
	a, err := matcher.Match(gt)
	check(err)

	type positive struct {
		Prior   int     `json:"prior"`
		Object  int     `json:"object"`
		Label   int     `json:"label"`
		Overlap float32 `json:"overlap"`
		Target  ssd.Box `json:"target"`
	}
	positives := []positive{}
	overlaps := []float32{}
	perObject := make([]int, len(gt.Boxes))
	for p, label := range a.Label {
		if label == 0 {
			continue
		}
		perObject[a.Object[p]]++
		overlaps = append(overlaps, a.Overlap[p])
		positives = append(positives, positive{Prior: p, Object: a.Object[p], Label: label, Overlap: a.Overlap[p], Target: a.Target[p]})
	}
	mean, std := stats.MeanStd(overlaps)
	logger.Infof("%v objects matched to %v positive priors (IoU %.3f +- %.3f)", len(gt.Boxes), len(positives), mean, std)
	for i, n := range perObject {
		if n == 0 {
			logger.Warnf("Object %v (%v) has no prior with IoU >= %.2f", i, gt.Boxes[i], config.OverlapThreshold)
		}
	}
	if output != "" {
		writeJSON(output, positives)
	}
}

func runLoss(logger logs.Log, config *ssd.Config, priors *ssd.PriorSet, input string) {
	batches := []lossBatch{}
	readJSON(input, &batches)
	loss, err := ssd.NewMultiBoxLoss(logger, priors, config)
	check(err)

	acc := perfstats.LossAccumulator{}
	totals := []float32{}
	for i, b := range batches {
		preds := &ssd.Predictions{
			NumClasses: config.NumClasses,
			Locs:       b.Locs,
			Scores:     b.Scores,
		}
		start := time.Now()
		r, err := loss.Forward(context.Background(), preds, b.GroundTruth)
		if err != nil {
			logger.Errorf("Batch %v: %v", i, err)
			continue
		}
		acc.AddBatch(r.Total, r.Classification, r.Localization, r.Positives, r.HardNegatives, r.Degenerate, time.Since(start))
		if !r.Degenerate {
			totals = append(totals, r.Total)
		}
		logger.Infof("Batch %v: loss %.5f (cls %.5f, loc %.5f), %v positives, %v hard negatives", i, r.Total, r.Classification, r.Localization, r.Positives, r.HardNegatives)
	}
	logger.Infof("%v", acc.Summary())
	if len(totals) > 1 {
		_, std := stats.MeanStd(totals)
		logger.Infof("Standard deviation of batch loss: %.5f", std)
	}
}

func runDecode(logger logs.Log, config *ssd.Config, priors *ssd.PriorSet, input, output string, params *nn.DetectionParams) {
	preds := imagePredictions{}
	readJSON(input, &preds)
	decoder := ssd.NewDecoder(priors, config)
	dets, err := decoder.Decode(preds.Locs, preds.Scores, params)
	check(err)
	logger.Infof("%v detections", len(dets))
	for _, det := range dets {
		name := fmt.Sprintf("class %v", det.Class)
		if det.Class < len(config.Classes) {
			name = config.Classes[det.Class]
		}
		logger.Infof("%-12v %.3f %v", name, det.Confidence, det.Box)
	}
	writeJSON(output, dets)
}
