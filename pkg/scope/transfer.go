package scope

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/OpenTraceScope/pkg/visa"
)

// TransferOutcome is the result for one catalog entry. Err is nil on
// success.
type TransferOutcome struct {
	Name  string
	Path  string
	Bytes int
	Err   error
}

// Succeeded reports whether the file landed on disk.
func (o TransferOutcome) Succeeded() bool { return o.Err == nil }

// TransferReport summarizes TransferAll.
type TransferReport struct {
	Attempted int
	Succeeded int
	OutputDir string
	Outcomes  []TransferOutcome
}

// Failed returns the outcomes that did not succeed.
func (r TransferReport) Failed() []TransferOutcome {
	var out []TransferOutcome
	for _, o := range r.Outcomes {
		if !o.Succeeded() {
			out = append(out, o)
		}
	}
	return out
}

// TransferEngine copies files from the instrument to a local directory.
type TransferEngine struct {
	session *visa.Session
	logger  *logrus.Entry
}

func NewTransferEngine(session *visa.Session) *TransferEngine {
	return &TransferEngine{
		session: session,
		logger:  logrus.WithField("component", "FileTransferEngine"),
	}
}

// TransferAll fetches each entry in order and writes it to localDir. A
// failing entry is recorded and the loop moves on. localDir is created the
// first time a file is about to be written; failing to create it stops the
// transfer with a ConfigurationError. Cancelling ctx stops the loop between
// entries.
func (t *TransferEngine) TransferAll(ctx context.Context, entries []FileEntry, localDir string) (TransferReport, error) {
	outDir, err := filepath.Abs(localDir)
	if err != nil {
		return TransferReport{}, &ConfigurationError{Field: "local_dir", Err: err}
	}
	report := TransferReport{OutputDir: outDir}
	dirReady := false

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		report.Attempted++
		log := t.logger.WithField("file", entry.Name)
		log.Infof("Downloading %d/%d: %s", i+1, len(entries), entry.Name)

		outcome := TransferOutcome{Name: entry.Name}
		data, err := t.fetch(entry.Name)
		if err != nil {
			outcome.Err = err
			report.Outcomes = append(report.Outcomes, outcome)
			log.WithError(err).Error("Failed to download file")
			continue
		}

		if !dirReady {
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return report, &ConfigurationError{
					Field: "local_dir",
					Err:   fmt.Errorf("create output directory %s: %w", outDir, err),
				}
			}
			dirReady = true
		}

		outcome.Path = filepath.Join(outDir, entry.Name)
		if err := os.WriteFile(outcome.Path, data, 0o644); err != nil {
			outcome.Err = &FileTransferError{Name: entry.Name, Op: "write", Err: err}
			report.Outcomes = append(report.Outcomes, outcome)
			log.WithError(err).Error("Failed to save file")
			continue
		}

		outcome.Bytes = len(data)
		report.Succeeded++
		report.Outcomes = append(report.Outcomes, outcome)
		log.WithField("bytes", len(data)).Debug("Saved")
	}

	t.logger.WithFields(logrus.Fields{
		"attempted": report.Attempted,
		"succeeded": report.Succeeded,
	}).Infof("Transferred %d/%d files to %s", report.Succeeded, report.Attempted, outDir)
	return report, nil
}

func (t *TransferEngine) fetch(name string) ([]byte, error) {
	if err := ValidateFileName(name); err != nil {
		return nil, &FileTransferError{Name: name, Op: "validate", Err: err}
	}
	if err := t.session.Write(fmt.Sprintf(`FILESystem:READFile "%s"`, name)); err != nil {
		return nil, &FileTransferError{Name: name, Op: "request", Err: err}
	}
	data, err := t.session.ReadRaw()
	if err != nil {
		return nil, &FileTransferError{Name: name, Op: "read", Err: err}
	}
	return data, nil
}

var errUnsafeName = errors.New("unsafe file name")

// ValidateFileName rejects names that would escape the output directory.
func ValidateFileName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w %q", errUnsafeName, name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w %q: contains a path separator", errUnsafeName, name)
	case strings.Contains(name, ".."):
		return fmt.Errorf("%w %q: contains ..", errUnsafeName, name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w %q: contains NUL", errUnsafeName, name)
	}
	return nil
}

// transferErrorKind gives a short label for manifests and summaries.
func transferErrorKind(err error) string {
	var fte *FileTransferError
	if errors.As(err, &fte) {
		switch {
		case visa.IsTimeout(err):
			return fte.Op + ": timeout"
		case visa.IsDisconnected(err):
			return fte.Op + ": disconnected"
		}
		return fte.Op
	}
	return "error"
}
