package csv

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Dm1try555/banister-backend-sub001/errors"
	"github.com/Dm1try555/banister-backend-sub001/export"
)

const partialSuffix = ".partial"

// FileName returns the published artifact name for a job claimed at at
func FileName(kind export.Kind, jobID string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s.csv", kind, jobID, at.UTC().Format("20060102_150405"))
}

// Store publishes artifacts into a results directory
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. The directory is created on first
// use.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the results directory
func (s *Store) Dir() string {
	return s.dir
}

// Open creates the partial file for a job and writes the header row
func (s *Store) Open(kind export.Kind, jobID string, at time.Time, header []string) (export.Artifact, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create results dir %s", s.dir)
	}

	name := FileName(kind, jobID, at)
	partial := filepath.Join(s.dir, name+partialSuffix)

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create artifact %s", partial)
	}

	a := &Artifact{
		dir:     s.dir,
		name:    name,
		partial: partial,
		file:    f,
		w:       csv.NewWriter(f),
	}
	if err := a.write([][]string{header}); err != nil {
		a.Discard()
		return nil, errors.Wrap(err, "failed to write header")
	}
	return a, nil
}

// Artifact is one CSV file being written
type Artifact struct {
	dir     string
	name    string
	partial string
	file    *os.File
	w       *csv.Writer
	rows    int
	closed  bool
}

func (a *Artifact) write(rows [][]string) error {
	if a.closed {
		return errors.New("artifact already closed")
	}
	for _, row := range rows {
		if err := a.w.Write(row); err != nil {
			return err
		}
	}
	a.w.Flush()
	return a.w.Error()
}

// Append writes rows and flushes them to the file
func (a *Artifact) Append(rows [][]string) error {
	if err := a.write(rows); err != nil {
		return errors.Wrapf(err, "failed to append to %s", a.partial)
	}
	a.rows += len(rows)
	return nil
}

// Rows returns the number of data rows written, excluding the header
func (a *Artifact) Rows() int {
	return a.rows
}

// Publish syncs the file and renames it to its final name. Returns the path
// relative to the results directory.
func (a *Artifact) Publish() (string, error) {
	if a.closed {
		return "", errors.New("artifact already closed")
	}
	a.closed = true

	a.w.Flush()
	if err := a.w.Error(); err != nil {
		a.file.Close()
		return "", errors.Wrap(err, "failed to flush artifact")
	}
	if err := a.file.Sync(); err != nil {
		a.file.Close()
		return "", errors.Wrap(err, "failed to sync artifact")
	}
	if err := a.file.Close(); err != nil {
		return "", errors.Wrap(err, "failed to close artifact")
	}

	final := filepath.Join(a.dir, a.name)
	if err := os.Rename(a.partial, final); err != nil {
		return "", errors.Wrapf(err, "failed to publish %s", final)
	}
	return a.name, nil
}

// Discard closes and removes the partial file. Safe to call more than once.
func (a *Artifact) Discard() error {
	if !a.closed {
		a.closed = true
		a.file.Close()
	}
	if err := os.Remove(a.partial); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove %s", a.partial)
	}
	return nil
}
