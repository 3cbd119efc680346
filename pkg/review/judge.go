package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// Step names used in requests, logs and metrics
const (
	StepPresence   = "presence"
	StepAnnotation = "annotation"
)

// Answer is a judge's reply to one question. The judge owns the prompt and
// the parsing of its own free text into Verdict.
type Answer struct {
	Prompt  string `json:"prompt"`
	Text    string `json:"text"`
	Verdict string `json:"verdict"`
}

// Judge answers the two review questions for one rendered image
type Judge interface {
	// JudgePresence reports whether organ is expected within the field of
	// view of a plain frontal projection. Verdict is Present or Absent.
	JudgePresence(ctx context.Context, imagePath, organ string) (Answer, error)

	// JudgeAnnotation reports whether the red overlay plausibly marks organ.
	// Verdict is Correct or Incorrect.
	JudgeAnnotation(ctx context.Context, imagePath, organ string) (Answer, error)
}

// NormalizePresence maps a verdict onto Present/Absent, defaulting to Absent
func NormalizePresence(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "present", "yes", "true":
		return Present
	}
	return Absent
}

// NormalizeAnnotation maps a verdict onto Correct/Incorrect, defaulting to
// Incorrect
func NormalizeAnnotation(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "correct", "good", "true":
		return Correct
	}
	return Incorrect
}

// ExecJudge runs an external command once per question. The request is
// written to stdin as JSON and the command prints an Answer as JSON.
type ExecJudge struct {
	Command string
	Args    []string

	// Device is passed through to the command, e.g. "cuda:1"
	Device string
}

type execRequest struct {
	Step   string `json:"step"`
	Image  string `json:"image"`
	Organ  string `json:"organ"`
	Device string `json:"device,omitempty"`
}

func (j ExecJudge) JudgePresence(ctx context.Context, imagePath, organ string) (Answer, error) {
	a, err := j.ask(ctx, execRequest{Step: StepPresence, Image: imagePath, Organ: organ, Device: j.Device})
	a.Verdict = NormalizePresence(a.Verdict)
	return a, err
}

func (j ExecJudge) JudgeAnnotation(ctx context.Context, imagePath, organ string) (Answer, error) {
	a, err := j.ask(ctx, execRequest{Step: StepAnnotation, Image: imagePath, Organ: organ, Device: j.Device})
	a.Verdict = NormalizeAnnotation(a.Verdict)
	return a, err
}

func (j ExecJudge) ask(ctx context.Context, req execRequest) (Answer, error) {
	if j.Command == "" {
		return Answer{}, fmt.Errorf("judge command is not configured")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Answer{}, err
	}

	cmd := exec.CommandContext(ctx, j.Command, j.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Answer{}, fmt.Errorf("judge %s (%s): %w: %s", j.Command, req.Step, err, strings.TrimSpace(stderr.String()))
	}

	var a Answer
	if err := json.Unmarshal(stdout.Bytes(), &a); err != nil {
		return Answer{}, fmt.Errorf("judge %s (%s): invalid reply: %w", j.Command, req.Step, err)
	}
	return a, nil
}
