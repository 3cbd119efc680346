package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"ctorganprep/internal/models"
	"ctorganprep/pkg/caseload"
	"ctorganprep/pkg/config"
	"ctorganprep/pkg/metrics"
	"ctorganprep/pkg/nifti"
	"ctorganprep/pkg/quality"
	"ctorganprep/pkg/review"
	"ctorganprep/pkg/transform"
	"ctorganprep/pkg/visualization"
	"ctorganprep/pkg/writer"
)

const usage = `usage: ctorganprep <command> [flags]

commands:
  prepare   load cases and write the forward-transformed image/mask pairs
  invert    map a prediction on the model grid back onto a case
  render    write the bone-window frontal projections used for review
  review    run the review judge over a task worklist
  init      write a default configuration file
`

// app holds what every subcommand shares
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch cmd {
	case "prepare":
		err = runPrepare(ctx, args)
	case "invert":
		err = runInvert(ctx, args)
	case "render":
		err = runRender(args)
	case "review":
		err = runReview(ctx, args)
	case "init":
		err = runInit(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", cmd, err)
	}
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	level := slog.LevelWarn
	if cfg.Output.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return &app{cfg: cfg, logger: logger, metrics: metrics.New()}, nil
}

func (a *app) pipeline() (*transform.Pipeline, error) {
	opts := []transform.Option{transform.WithLogger(a.logger)}
	if a.cfg.Output.Verbose {
		opts = append(opts, transform.WithProgress(func(completed, total int) {
			a.logger.Debug("resize progress", "planes", completed, "total", total)
		}))
	}
	return transform.New(a.cfg.PipelineParams(), opts...)
}

func (a *app) loader(p *transform.Pipeline) (*caseload.Loader, error) {
	opts := append(a.cfg.LoaderOptions(), caseload.WithLogger(a.logger))
	return caseload.New(nifti.Codec{}, p, opts...)
}

func (a *app) flushMetrics() {
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.TextfilePath); err != nil {
		log.Printf("Warning: failed to write metrics: %v", err)
	}
}

// caseFlags are the flags naming the files of a case
type caseFlags struct {
	configPath *string
	image      *string
	mask       *string
	maskPath   *string
}

func addCaseFlags(fs *flag.FlagSet) caseFlags {
	return caseFlags{
		configPath: fs.String("config", "ctorganprep.yaml", "Configuration file"),
		image:      fs.String("image", "ct", "Image file stem inside the case directory"),
		mask:       fs.String("mask", "", "Organ mask name, e.g. liver or kidneys"),
		maskPath:   fs.String("mask-path", "", "Directory holding the segmentations folder (default: the case directory)"),
	}
}

func (c caseFlags) request(casePath string) caseload.Request {
	return caseload.Request{CasePath: casePath, ImageName: *c.image, MaskName: *c.mask, MaskPath: *c.maskPath}
}

func runPrepare(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("prepare", flag.ExitOnError)
	cf := addCaseFlags(fs)
	outputDir := fs.String("output", "prepared", "Output directory, one sub-directory per case")
	fs.Parse(args)
	if *cf.mask == "" || fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("need -mask and at least one case directory")
	}

	a, err := newApp(*cf.configPath)
	if err != nil {
		return err
	}
	defer a.flushMetrics()
	p, err := a.pipeline()
	if err != nil {
		return err
	}
	loader, err := a.loader(p)
	if err != nil {
		return err
	}
	w, err := writer.New(nifti.Codec{}, p, writer.WithLogger(a.logger))
	if err != nil {
		return err
	}

	fmt.Printf("Preparing %d case(s) for organ %s...\n", fs.NArg(), *cf.mask)
	failed := 0
	for _, casePath := range fs.Args() {
		start := time.Now()
		if err := prepareCase(ctx, a, loader, w, cf.request(casePath), *outputDir); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("Warning: %v", err)
			failed++
			a.metrics.ObserveCase("prepare", metrics.OutcomeFailed, start)
			continue
		}
		a.metrics.ObserveCase("prepare", metrics.OutcomeDone, start)
	}
	fmt.Printf("Done: %d prepared, %d failed\n", fs.NArg()-failed, failed)
	return nil
}

func prepareCase(ctx context.Context, a *app, loader *caseload.Loader, w *writer.Writer, req caseload.Request, outputDir string) error {
	b, err := loader.Load(ctx, req)
	if err != nil {
		return err
	}
	defer b.Release()
	if b.Transformed.State.FallbackCrop {
		a.metrics.IncrementEmptyCrop()
	}

	dir := filepath.Join(outputDir, b.CaseID)
	if err := w.WriteTransformed(b.Transformed, b.Affine, b.Header, dir, req.ImageName, req.MaskName); err != nil {
		return &caseload.CaseError{CaseID: b.CaseID, Stage: "write", Err: err}
	}
	if err := w.WriteTransformed(b.SuppressedTransformed, b.Affine, b.Header, dir, req.ImageName+"_suppressed", req.MaskName); err != nil {
		return &caseload.CaseError{CaseID: b.CaseID, Stage: "write", Err: err}
	}
	fmt.Printf("%s: crop %s -> %s, mask present: %v\n", b.CaseID,
		b.Transformed.State.CroppedShape(), b.Transformed.State.TargetShape, b.MaskPresent)
	return nil
}

func runInvert(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("invert", flag.ExitOnError)
	cf := addCaseFlags(fs)
	prediction := fs.String("prediction", "", "Prediction on the model grid (default: the forward-transformed mask)")
	output := fs.String("output", "", "Output mask path (default: <case>/<mask>_inverted.nii.gz)")
	debug := fs.Bool("debug", false, "Also write the prediction on the model grid as <output>_tf.nii.gz")
	check := fs.Bool("check", false, "Compare the inverted mask with the case mask")
	fs.Parse(args)
	if *cf.mask == "" || fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("need -mask and exactly one case directory")
	}
	casePath := fs.Arg(0)

	a, err := newApp(*cf.configPath)
	if err != nil {
		return err
	}
	defer a.flushMetrics()
	p, err := a.pipeline()
	if err != nil {
		return err
	}
	loader, err := a.loader(p)
	if err != nil {
		return err
	}
	w, err := writer.New(nifti.Codec{}, p, writer.WithLogger(a.logger))
	if err != nil {
		return err
	}

	start := time.Now()
	b, err := loader.Load(ctx, cf.request(casePath))
	if err != nil {
		a.metrics.ObserveCase("invert", metrics.OutcomeFailed, start)
		return err
	}

	predicted := b.Transformed.Mask
	if *prediction != "" {
		v, err := nifti.Load(*prediction)
		if err != nil {
			return err
		}
		predicted = models.FromVolume(v)
	}
	out := *output
	if out == "" {
		out = filepath.Join(casePath, *cf.mask+"_inverted"+caseload.VolumeExt)
	}

	if err := invertCase(ctx, a.cfg, w, b, cf.request(casePath), predicted, out, *debug); err != nil {
		a.metrics.ObserveCase("invert", metrics.OutcomeFailed, start)
		return err
	}
	a.metrics.ObserveCase("invert", metrics.OutcomeDone, start)
	fmt.Printf("Inverted mask saved to: %s\n", out)

	if *check {
		inverted, err := nifti.Load(out)
		if err != nil {
			return err
		}
		m, err := quality.Compare(b.Mask.Data, inverted.Data)
		if err != nil {
			return err
		}
		fmt.Printf("\nRound trip check:\n")
		fmt.Printf("=================\n")
		fmt.Printf("Dice: %.4f\n", m.Dice)
		fmt.Printf("Voxel agreement: %.4f\n", m.Agreement)
		fmt.Printf("Root Mean Square Error (RMSE): %.6f\n", m.RMSE)
	}
	return nil
}

// invertCase writes the inverted prediction of a loaded case. With
// output.saveTransformed the forward-transformed pair is written next to it.
func invertCase(ctx context.Context, cfg *config.Config, w *writer.Writer, b *caseload.Bundle, req caseload.Request,
	predicted *models.ChannelTensor, out string, debug bool) error {
	opts := writer.Options{Debug: debug || cfg.Output.DebugInverted}
	if err := w.WriteInverted(ctx, b.Transformed.State, predicted, b.Affine, b.Header, out, opts); err != nil {
		return &caseload.CaseError{CaseID: b.CaseID, Stage: "write inverted", Err: err}
	}
	if cfg.Output.SaveTransformed {
		if err := w.WriteTransformed(b.Transformed, b.Affine, b.Header, filepath.Dir(out), req.ImageName, req.MaskName); err != nil {
			return &caseload.CaseError{CaseID: b.CaseID, Stage: "write", Err: err}
		}
	}
	return nil
}

func runRender(args []string) error {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	cf := addCaseFlags(fs)
	outputDir := fs.String("output", "renders", "Output directory, one sub-directory per organ")
	size := fs.Int("size", 0, "Longer side of the render in pixels (default: from config)")
	extractSlices := fs.Bool("extract-slices", false, "Also save every axial slice of the image")
	fs.Parse(args)
	if *cf.mask == "" || fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("need -mask and at least one case directory")
	}

	a, err := newApp(*cf.configPath)
	if err != nil {
		return err
	}
	defer a.flushMetrics()
	p, err := a.pipeline()
	if err != nil {
		return err
	}
	loader, err := a.loader(p)
	if err != nil {
		return err
	}
	renderSize := a.cfg.Review.RenderSize
	if *size > 0 {
		renderSize = *size
	}
	resolvers := []caseload.Resolver{caseload.PrimaryResolver{}}
	for _, root := range a.cfg.Data.SearchRoots {
		resolvers = append(resolvers, caseload.SearchRootResolver{Root: root})
	}

	for _, casePath := range fs.Args() {
		start := time.Now()
		if err := renderCase(loader, resolvers, cf.request(casePath), *outputDir, renderSize, *extractSlices); err != nil {
			log.Printf("Warning: %v", err)
			a.metrics.ObserveCase("render", metrics.OutcomeFailed, start)
			continue
		}
		a.metrics.ObserveCase("render", metrics.OutcomeDone, start)
	}
	return nil
}

func renderCase(loader *caseload.Loader, resolvers []caseload.Resolver, req caseload.Request, outputDir string, size int, extractSlices bool) error {
	caseID := caseload.CaseID(req.CasePath)
	imagePath, err := caseload.ResolveFirst(resolvers, req.CasePath, req.ImageName+caseload.VolumeExt)
	if err != nil {
		return &caseload.CaseError{CaseID: caseID, Stage: caseload.StageLoadImage, Err: err}
	}
	image, err := nifti.Load(imagePath)
	if err != nil {
		return &caseload.CaseError{CaseID: caseID, Stage: caseload.StageLoadImage, Err: err}
	}
	maskDir := req.MaskPath
	if maskDir == "" {
		maskDir = req.CasePath
	}
	mask, err := loader.LoadMask(maskDir, req.MaskName)
	if err != nil {
		return &caseload.CaseError{CaseID: caseID, Stage: caseload.StageLoadMask, Err: err}
	}

	viewer := visualization.NewViewer(image)
	dir := filepath.Join(outputDir, req.MaskName)
	plain, err := viewer.RenderProjection(nil, 1, size)
	if err != nil {
		return err
	}
	if err := visualization.SavePNG(plain, filepath.Join(dir, visualization.ProjectionName(caseID))); err != nil {
		return err
	}
	overlay, err := viewer.RenderProjection(mask, 1, size)
	if err != nil {
		return &caseload.CaseError{CaseID: caseID, Stage: caseload.StageGeometry, Err: err}
	}
	if err := visualization.SavePNG(overlay, filepath.Join(dir, visualization.OverlayName(caseID, req.MaskName))); err != nil {
		return err
	}
	if extractSlices {
		if err := viewer.SaveSliceSequence("z", filepath.Join(outputDir, "slices", caseID)); err != nil {
			return err
		}
	}
	fmt.Printf("%s: renders saved to %s\n", caseID, dir)
	return nil
}

func runReview(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("review", flag.ExitOnError)
	configPath := fs.String("config", "ctorganprep.yaml", "Configuration file")
	taskID := fs.Int("task", 1, "Task id from the review catalog")
	worklistPath := fs.String("worklist", "", "Worklist JSON (default: the task's worklist)")
	device := fs.String("device", "cuda:1", "Device passed to the judge command")
	fs.Parse(args)

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.flushMetrics()
	task, err := review.FindTask(a.cfg.Review.Tasks, *taskID)
	if err != nil {
		return err
	}
	if *worklistPath == "" {
		*worklistPath = task.Worklist
	}
	worklist, err := review.LoadWorklist(*worklistPath)
	if err != nil {
		return err
	}
	if len(a.cfg.Review.JudgeCommand) == 0 {
		return fmt.Errorf("review.judgeCommand is not configured")
	}
	judge := review.ExecJudge{
		Command: a.cfg.Review.JudgeCommand[0],
		Args:    a.cfg.Review.JudgeCommand[1:],
		Device:  *device,
	}

	opts := []review.Option{
		review.WithImageRoot(a.cfg.Review.ImageRoot),
		review.WithMetrics(a.metrics),
		review.WithLogger(a.logger),
	}
	if a.cfg.Review.LabelsRoot != "" {
		p, err := a.pipeline()
		if err != nil {
			return err
		}
		loader, err := a.loader(p)
		if err != nil {
			return err
		}
		opts = append(opts, review.WithLabels(loader, a.cfg.Review.LabelsRoot))
	}
	reviewer, err := review.New(judge, a.cfg.Review.ResultDir, opts...)
	if err != nil {
		return err
	}

	fmt.Printf("Reviewing %d case(s) of %s (organs: %s)\n",
		worklist.Len(), task.Part, strings.Join(worklist.Organs(), ", "))
	report, err := reviewer.Run(ctx, task, worklist)
	fmt.Printf("Run %s: %d reviewed, %d skipped, %d failed\n", report.RunID, report.Done, report.Skipped, report.Failed)
	for _, f := range report.Failures {
		fmt.Printf("- %v\n", f)
	}
	return err
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "ctorganprep.yaml", "Configuration file to create")
	fs.Parse(args)
	if _, err := os.Stat(*configPath); err == nil {
		return fmt.Errorf("%s already exists", *configPath)
	}
	if err := config.CreateDefaultConfigFile(*configPath); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to: %s\n", *configPath)
	return nil
}
