package review

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"ctorganprep/internal/models"
	"ctorganprep/pkg/metrics"
	"ctorganprep/pkg/visualization"
)

const workflow = "review"

// LabelSource tells whether the reference mask of an organ has any
// foreground. caseload.Loader implements it.
type LabelSource interface {
	MaskPresence(casePath, organ string) (bool, error)
}

// Report summarizes one Run
type Report struct {
	RunID    string
	Done     int
	Skipped  int
	Failed   int
	Failures []error
}

// Reviewer judges the cases of a task one at a time
type Reviewer struct {
	judge      Judge
	resultDir  string
	imageRoot  string
	labels     LabelSource
	labelsRoot string
	metrics    *metrics.Metrics
	logger     *slog.Logger
	runID      string
}

type Option func(*Reviewer)

// WithImageRoot sets the directory that task image directories are
// relative to
func WithImageRoot(root string) Option {
	return func(r *Reviewer) {
		r.imageRoot = root
	}
}

// WithLabels enables the presence label, read from case directories under
// root
func WithLabels(src LabelSource, root string) Option {
	return func(r *Reviewer) {
		r.labels = src
		r.labelsRoot = root
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reviewer) {
		r.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reviewer) {
		r.logger = logger
	}
}

// WithRunID overrides the generated run id
func WithRunID(id string) Option {
	return func(r *Reviewer) {
		r.runID = id
	}
}

// New creates a reviewer writing raw/<part>.csv and final/<part>.csv under
// resultDir
func New(judge Judge, resultDir string, opts ...Option) (*Reviewer, error) {
	if judge == nil {
		return nil, errors.New("judge is required")
	}
	if resultDir == "" {
		return nil, errors.New("result directory is required")
	}
	r := &Reviewer{
		judge:     judge,
		resultDir: resultDir,
		metrics:   metrics.New(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		runID:     uuid.New().String(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RawLog returns the question/answer log of a task
func (r *Reviewer) RawLog(task Task) *ResultLog {
	return NewResultLog(filepath.Join(r.resultDir, "raw", task.Part+".csv"), RawColumns)
}

// FinalLog returns the verdict log of a task, which also drives resumption
func (r *Reviewer) FinalLog(task Task) *ResultLog {
	return NewResultLog(filepath.Join(r.resultDir, "final", task.Part+".csv"), FinalColumns)
}

// Run judges every case of the worklist that is not yet in the final log. A
// case already in the raw log gets no second raw row. A failing case is
// logged and skipped; only cancellation or an unreadable log stops the batch.
func (r *Reviewer) Run(ctx context.Context, task Task, worklist Worklist) (Report, error) {
	report := Report{RunID: r.runID}
	if err := task.Validate(); err != nil {
		return report, err
	}
	rawLog, finalLog := r.RawLog(task), r.FinalLog(task)
	done, err := finalLog.Keys()
	if err != nil {
		return report, err
	}
	// a case can reach the raw log and still miss the final one
	rawDone, err := rawLog.Keys()
	if err != nil {
		return report, err
	}

	r.logger.Info("review started", "run_id", r.runID, "part", task.Part,
		"cases", worklist.Len(), "already_done", len(done))

	for _, entry := range worklist {
		for _, caseID := range entry.Cases {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			start := time.Now()
			key := CaseKey{Sample: caseID, Organ: entry.Organ}
			if _, ok := done[key]; ok {
				report.Skipped++
				r.metrics.ObserveCase(workflow, metrics.OutcomeSkipped, start)
				continue
			}

			raw, final, err := r.reviewCase(ctx, task, caseID, entry.Organ)
			if _, logged := rawDone[key]; err == nil && !logged {
				if err = rawLog.Append(raw.Fields()); err == nil {
					rawDone[key] = struct{}{}
				}
			}
			if err == nil {
				err = finalLog.Append(final.Fields())
			}
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return report, ctxErr
				}
				err = fmt.Errorf("case %s organ %s: %w", caseID, entry.Organ, err)
				r.logger.Error("review failed", "case", caseID, "organ", entry.Organ, "error", err)
				report.Failed++
				report.Failures = append(report.Failures, err)
				r.metrics.ObserveCase(workflow, metrics.OutcomeFailed, start)
				continue
			}

			done[key] = struct{}{}
			report.Done++
			r.metrics.ObserveCase(workflow, metrics.OutcomeDone, start)
			if final.Label1 != "" {
				r.metrics.ObserveVerdict("1", final.Result1 == final.Label1)
			}
			r.metrics.ObserveVerdict("2", final.Result2 == final.Label2)
			r.logger.Info("case reviewed", "case", caseID, "organ", entry.Organ,
				"step1", final.Result1, "label1", final.Label1,
				"step2", final.Result2, "label2", final.Label2)
		}
	}

	r.logger.Info("review finished", "run_id", r.runID, "done", report.Done,
		"skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

func (r *Reviewer) reviewCase(ctx context.Context, task Task, caseID, organ string) (RawRecord, FinalRecord, error) {
	dir := filepath.Join(r.imageRoot, task.ImageDir, organ)
	plain, err := ResolveProjection(dir, caseID, organ)
	if err != nil {
		return RawRecord{}, FinalRecord{}, err
	}
	overlay := filepath.Join(dir, visualization.OverlayName(caseID, organ))
	if _, err := os.Stat(overlay); err != nil {
		return RawRecord{}, FinalRecord{}, fmt.Errorf("%w: overlay %s", models.ErrNotFound, overlay)
	}

	label1 := ""
	if r.labels != nil {
		present, err := r.labels.MaskPresence(filepath.Join(r.labelsRoot, caseID), organ)
		if err != nil {
			return RawRecord{}, FinalRecord{}, fmt.Errorf("presence label: %w", err)
		}
		label1 = Absent
		if present {
			label1 = Present
		}
	}

	a1, err := r.judge.JudgePresence(ctx, plain, organ)
	if err != nil {
		return RawRecord{}, FinalRecord{}, fmt.Errorf("%s: %w", StepPresence, err)
	}
	a2, err := r.judge.JudgeAnnotation(ctx, overlay, organ)
	if err != nil {
		return RawRecord{}, FinalRecord{}, fmt.Errorf("%s: %w", StepAnnotation, err)
	}

	raw := RawRecord{
		Sample: caseID, Organ: organ, Part: task.Part,
		Question1: a1.Prompt, Answer1: a1.Text,
		Question2: a2.Prompt, Answer2: a2.Text,
		RunID: r.runID,
	}
	final := FinalRecord{
		Sample: caseID, Organ: organ, Part: task.Part,
		Result1: NormalizePresence(a1.Verdict), Label1: label1,
		Result2: NormalizeAnnotation(a2.Verdict), Label2: task.ExpectedLabel,
	}
	return raw, final, nil
}

// ResolveProjection returns the plain frontal render of a case, falling back
// to the per-organ file name
func ResolveProjection(dir, caseID, organ string) (string, error) {
	candidates := []string{
		filepath.Join(dir, visualization.ProjectionName(caseID)),
		filepath.Join(dir, visualization.OrganProjectionName(caseID, organ)),
	}
	for _, path := range candidates {
		_, err := os.Stat(path)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: no projection for case %s in %s", models.ErrNotFound, caseID, dir)
}
