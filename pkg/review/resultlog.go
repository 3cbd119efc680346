package review

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
)

// Column sets of the two logs
var (
	RawColumns   = []string{"sample", "organ", "part", "question1", "answer1", "question2", "answer2", "run_id"}
	FinalColumns = []string{"sample", "organ", "part", "result step 1", "label step 1", "result step 2", "label step 2"}
)

// RawRecord keeps the full question and answer text of a reviewed case
type RawRecord struct {
	Sample, Organ, Part string
	Question1, Answer1  string
	Question2, Answer2  string
	RunID               string
}

func (r RawRecord) Fields() []string {
	return []string{r.Sample, r.Organ, r.Part, r.Question1, r.Answer1, r.Question2, r.Answer2, r.RunID}
}

// FinalRecord keeps the verdicts of a reviewed case with their labels
type FinalRecord struct {
	Sample, Organ, Part string
	Result1, Label1     string
	Result2, Label2     string
}

func (r FinalRecord) Fields() []string {
	return []string{r.Sample, r.Organ, r.Part, r.Result1, r.Label1, r.Result2, r.Label2}
}

// CaseKey identifies a reviewed case within a part
type CaseKey struct {
	Sample string
	Organ  string
}

// ResultLog is an append-only CSV file. The header is written when the file
// is empty.
type ResultLog struct {
	path    string
	columns []string
}

func NewResultLog(path string, columns []string) *ResultLog {
	return &ResultLog{path: path, columns: columns}
}

// Path returns the file location
func (l *ResultLog) Path() string {
	return l.path
}

// Append writes one row, creating the file and its directory if needed
func (l *ResultLog) Append(fields []string) error {
	if len(fields) != len(l.columns) {
		return fmt.Errorf("row has %d fields, log %s has %d columns", len(fields), l.path, len(l.columns))
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("error creating log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error opening result log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(l.columns); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Write(fields); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("error writing result log: %w", err)
	}
	return f.Close()
}

// Keys returns every (sample, organ) pair already logged. A missing file
// holds no keys.
func (l *ResultLog) Keys() (map[CaseKey]struct{}, error) {
	keys := map[CaseKey]struct{}{}
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return keys, nil
		}
		return nil, fmt.Errorf("error opening result log: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return keys, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading result log header: %w", err)
	}
	sample, organ := slices.Index(header, "sample"), slices.Index(header, "organ")
	if sample < 0 || organ < 0 {
		return nil, fmt.Errorf("result log %s has no sample/organ columns", l.path)
	}

	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading result log: %w", err)
		}
		if sample < len(row) && organ < len(row) {
			keys[CaseKey{Sample: row[sample], Organ: row[organ]}] = struct{}{}
		}
	}
	return keys, nil
}

// Contains reports whether the pair is already logged
func (l *ResultLog) Contains(sample, organ string) (bool, error) {
	keys, err := l.Keys()
	if err != nil {
		return false, err
	}
	_, ok := keys[CaseKey{Sample: sample, Organ: organ}]
	return ok, nil
}
