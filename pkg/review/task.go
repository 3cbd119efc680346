// Package review runs a vision-language judge over rendered CT projections
// and records its verdicts next to the expected labels. Runs are resumable:
// a case already present in the final log is never judged again.
package review

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"ctorganprep/internal/models"
)

// Verdicts
const (
	Present   = "present"
	Absent    = "no"
	Correct   = "Correct"
	Incorrect = "Incorrect"
)

// Task is one review batch: a worklist of cases, the directory with their
// renders and the annotation label every case is expected to carry.
type Task struct {
	ID            int    `yaml:"id"`
	Part          string `yaml:"part"`
	Worklist      string `yaml:"worklist"`
	ImageDir      string `yaml:"imageDir"`
	ExpectedLabel string `yaml:"expectedLabel"`
}

// Validate checks the fields used to build paths and rows
func (t Task) Validate() error {
	if t.Part == "" {
		return fmt.Errorf("task %d: part is required", t.ID)
	}
	if t.ImageDir == "" {
		return fmt.Errorf("task %d: image directory is required", t.ID)
	}
	if t.ExpectedLabel != Correct && t.ExpectedLabel != Incorrect {
		return fmt.Errorf("task %d: expected label must be %s or %s, got %q", t.ID, Correct, Incorrect, t.ExpectedLabel)
	}
	return nil
}

// DefaultTasks is the built-in catalog. Image directories are relative to the
// review image root.
func DefaultTasks() []Task {
	return []Task{
		{ID: 1, Part: "errors_beta_full", Worklist: "bad_labels_AbdomenAtlasBeta.json", ImageDir: "errors_beta_full", ExpectedLabel: Incorrect},
		{ID: 2, Part: "errors_nnUnet_full", Worklist: "bad_labels_nnUnet.json", ImageDir: "errors_nnUnet_full", ExpectedLabel: Incorrect},
		{ID: 3, Part: "good_labels_beta_full", Worklist: "good_labels_AbdomenAtlasBeta.json", ImageDir: "good_labels_beta_full", ExpectedLabel: Correct},
	}
}

// FindTask returns the task with the given id
func FindTask(tasks []Task, id int) (Task, error) {
	for _, t := range tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return Task{}, fmt.Errorf("%w: task %d", models.ErrNotFound, id)
}

// WorklistEntry lists the cases to review for one organ
type WorklistEntry struct {
	Organ string
	Cases []string
}

// Worklist keeps organs in file order
type Worklist []WorklistEntry

// Len returns the number of (organ, case) pairs
func (w Worklist) Len() int {
	n := 0
	for _, e := range w {
		n += len(e.Cases)
	}
	return n
}

// LoadWorklist reads a JSON object mapping organ names to case ids
func LoadWorklist(path string) (Worklist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening worklist: %w", err)
	}
	defer f.Close()
	w, err := DecodeWorklist(f)
	if err != nil {
		return nil, fmt.Errorf("worklist %s: %w", filepath.Base(path), err)
	}
	return w, nil
}

// DecodeWorklist parses a worklist, keeping the key order of the document
func DecodeWorklist(r io.Reader) (Worklist, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected a JSON object of organ to cases")
	}

	var w Worklist
	seen := map[string]int{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		organ, _ := tok.(string)
		var cases []string
		if err := dec.Decode(&cases); err != nil {
			return nil, fmt.Errorf("organ %s: %w", organ, err)
		}
		if i, ok := seen[organ]; ok {
			w[i].Cases = append(w[i].Cases, cases...)
			continue
		}
		seen[organ] = len(w)
		w = append(w, WorklistEntry{Organ: organ, Cases: cases})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return w, nil
}

// Organs returns the sorted organ names of the worklist
func (w Worklist) Organs() []string {
	out := make([]string, 0, len(w))
	for _, e := range w {
		out = append(out, e.Organ)
	}
	sort.Strings(out)
	return slices.Compact(out)
}
