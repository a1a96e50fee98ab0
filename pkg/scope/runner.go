package scope

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/OpenTraceScope/pkg/visa"
)

// Profile stage names applied by Run.
const (
	StageConfigure = "configure"
	StageArm       = "arm"
)

// StageApplier applies a named stage of instrument setup commands.
// Missing stages must be a no-op.
type StageApplier interface {
	Apply(ctx context.Context, session *visa.Session, stage string, vars map[string]string) error
}

// Archiver receives the transfer report once files are on disk.
// manifestPath is empty when no manifest was written.
type Archiver interface {
	Archive(ctx context.Context, runID string, report TransferReport, manifestPath string) error
}

// RunResult collects what each phase produced. Fields for phases that did
// not run are left zero.
type RunResult struct {
	RunID        string
	Handshake    HandshakeResult
	Listing      Listing
	Report       TransferReport
	ManifestPath string
	// ArchiveErr is set when uploading failed. The transfer itself still
	// counts as done.
	ArchiveErr error
}

// Runner owns one session from open to close and sequences the phases.
type Runner struct {
	cfg      Config
	opener   visa.Opener
	clock    Clock
	profile  StageApplier
	archiver Archiver
	logger   *logrus.Entry
}

// Option configures a Runner.
type Option func(*Runner)

// WithOpener sets how the transport is opened. The default dispatches on
// the resource kind.
func WithOpener(o visa.Opener) Option { return func(r *Runner) { r.opener = o } }

// WithClock replaces the clock used for every wait.
func WithClock(c Clock) Option { return func(r *Runner) { r.clock = c } }

// WithProfile sets the instrument setup applied before acquisition.
func WithProfile(p StageApplier) Option { return func(r *Runner) { r.profile = p } }

// WithArchiver uploads the transferred files after the run.
func WithArchiver(a Archiver) Option { return func(r *Runner) { r.archiver = a } }

func NewRunner(cfg Config, opts ...Option) *Runner {
	r := &Runner{
		cfg:    cfg,
		opener: visa.DefaultOpener,
		clock:  SystemClock{},
		logger: logrus.WithField("component", "SessionLifecycle"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the runner's configuration.
func (r *Runner) Config() Config { return r.cfg }

// Run performs the full sequence: establish, configure, arm, acquire, cool
// down, list and transfer, then write the manifest and archive.
func (r *Runner) Run(ctx context.Context) (RunResult, error) {
	result := RunResult{RunID: r.newRunID()}
	err := r.withSession(func(s *visa.Session) error {
		hs, err := r.establish(ctx, s)
		result.Handshake = hs
		if err != nil {
			return err
		}

		if err := r.applyStage(ctx, s, StageConfigure); err != nil {
			return err
		}
		if err := s.Advance(visa.StateConfigured); err != nil {
			return err
		}
		if err := r.applyStage(ctx, s, StageArm); err != nil {
			return err
		}

		acq := NewAcquisitionController(s, r.cfg, r.clock)
		if err := acq.Start(); err != nil {
			return err
		}
		if err := acq.AwaitCompletion(ctx); err != nil {
			return err
		}

		r.logger.WithField("cooldown", r.cfg.Cooldown.Duration).Info("Waiting for files to be written")
		if err := r.clock.Sleep(ctx, r.cfg.Cooldown.Duration); err != nil {
			return err
		}

		return r.collect(ctx, s, &result)
	})
	return result, err
}

// Identify runs the handshake only.
func (r *Runner) Identify(ctx context.Context) (HandshakeResult, error) {
	var hs HandshakeResult
	err := r.withSession(func(s *visa.Session) error {
		var err error
		hs, err = NewEstablisher(s, r.cfg, r.clock).Handshake(ctx)
		return err
	})
	return hs, err
}

// Catalog establishes the session and lists the remote directory.
func (r *Runner) Catalog(ctx context.Context) (HandshakeResult, Listing, error) {
	var (
		hs      HandshakeResult
		listing Listing
	)
	err := r.withSession(func(s *visa.Session) error {
		var err error
		if hs, err = r.establish(ctx, s); err != nil {
			return err
		}
		listing, err = NewCatalogReader(s, r.cfg, r.clock).List(ctx, r.cfg.RemoteDir)
		return err
	})
	return hs, listing, err
}

// Fetch transfers whatever is already in the remote directory without
// starting an acquisition.
func (r *Runner) Fetch(ctx context.Context) (RunResult, error) {
	result := RunResult{RunID: r.newRunID()}
	err := r.withSession(func(s *visa.Session) error {
		hs, err := r.establish(ctx, s)
		result.Handshake = hs
		if err != nil {
			return err
		}
		return r.collect(ctx, s, &result)
	})
	return result, err
}

// withSession opens the session, runs fn and closes the session exactly once
// on every path, panics included.
func (r *Runner) withSession(fn func(*visa.Session) error) (err error) {
	s, err := visa.Open(r.cfg.Resource, r.opener)
	if err != nil {
		return &ConfigurationError{Field: "resource", Err: err}
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			if err == nil {
				err = fmt.Errorf("scope: close session: %w", cerr)
			} else {
				r.logger.WithError(cerr).Warn("Close failed")
			}
		}
	}()
	return fn(s)
}

func (r *Runner) establish(ctx context.Context, s *visa.Session) (HandshakeResult, error) {
	return NewEstablisher(s, r.cfg, r.clock).Establish(ctx)
}

func (r *Runner) applyStage(ctx context.Context, s *visa.Session, stage string) error {
	if r.profile == nil {
		return nil
	}
	if err := r.profile.Apply(ctx, s, stage, r.cfg.ProfileVars()); err != nil {
		return fmt.Errorf("scope: apply %s stage: %w", stage, err)
	}
	return nil
}

// collect lists the remote directory, transfers the eligible files and
// writes the manifest and archive.
func (r *Runner) collect(ctx context.Context, s *visa.Session, result *RunResult) error {
	listing, err := NewCatalogReader(s, r.cfg, r.clock).List(ctx, r.cfg.RemoteDir)
	result.Listing = listing
	if err != nil {
		return err
	}
	eligible := listing.Eligible()
	if len(eligible) == 0 {
		r.logger.WithField("dir", r.cfg.RemoteDir).Info("Nothing to transfer")
		return nil
	}

	report, err := NewTransferEngine(s).TransferAll(ctx, eligible, r.cfg.LocalDir)
	result.Report = report
	if err != nil {
		return err
	}

	if r.cfg.ReportName != "" && report.Succeeded > 0 {
		name, err := r.manifestName(result.RunID, report)
		if err != nil {
			return err
		}
		m := NewManifest(result.RunID, r.clock.Now(), r.cfg, result.Handshake, report)
		path, err := WriteManifest(report.OutputDir, name, m)
		if err != nil {
			return err
		}
		result.ManifestPath = path
	}

	if r.archiver != nil && report.Succeeded > 0 {
		if err := r.archiver.Archive(ctx, result.RunID, report, result.ManifestPath); err != nil {
			result.ArchiveErr = err
			r.logger.WithError(err).Warn("Archive upload failed")
		}
	}
	return nil
}

// manifestName returns ReportName, or a run-stamped variant of it when a
// transferred file already uses that name.
func (r *Runner) manifestName(runID string, report TransferReport) (string, error) {
	taken := make(map[string]bool, len(report.Outcomes))
	for _, o := range report.Outcomes {
		taken[strings.ToLower(o.Name)] = true
	}
	name := r.cfg.ReportName
	if !taken[strings.ToLower(name)] {
		return name, nil
	}

	ext := filepath.Ext(name)
	alt := strings.TrimSuffix(name, ext) + "-" + runID + ext
	if taken[strings.ToLower(alt)] {
		return "", &ConfigurationError{
			Field: "report_name",
			Err:   fmt.Errorf("%q and %q are both transferred file names", name, alt),
		}
	}
	r.logger.WithField("report", alt).Warnf("A transferred file is named %s, writing the manifest as %s", name, alt)
	return alt, nil
}

func (r *Runner) newRunID() string {
	return r.clock.Now().UTC().Format("20060102T150405Z")
}
