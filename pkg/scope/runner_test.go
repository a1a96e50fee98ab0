package scope

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceScope/pkg/visa"
)

// saveProfile arms save-on-trigger into the remote directory, like the
// default instrument profile does.
type saveProfile struct {
	applied []string
	panicOn string
}

func (p *saveProfile) Apply(ctx context.Context, s *visa.Session, stage string, vars map[string]string) error {
	p.applied = append(p.applied, stage)
	if stage == p.panicOn {
		panic("profile exploded")
	}
	if stage != StageArm {
		return nil
	}
	for _, cmd := range []string{
		`SAVEONEVent:FILEDest "` + vars["remote_dir"] + `"`,
		`SAVEONEVent:FILEName "` + vars["save_name"] + `"`,
		"ACTONEVent:ENable 1",
	} {
		if err := s.Write(cmd); err != nil {
			return err
		}
	}
	return nil
}

type recordingArchiver struct {
	runID    string
	report   TransferReport
	manifest string
	err      error
}

func (a *recordingArchiver) Archive(ctx context.Context, runID string, report TransferReport, manifestPath string) error {
	a.runID, a.report, a.manifest = runID, report, manifestPath
	return a.err
}

func newTestRunner(t *testing.T, simCfg visa.SimConfig, opts ...Option) (*Runner, *visa.SimInstrument, *fakeClock) {
	t.Helper()
	sim := visa.NewSimInstrument(simCfg)
	clock := newFakeClock()
	cfg := testConfig()
	cfg.LocalDir = filepath.Join(t.TempDir(), "Lab_Data_Transfer")

	opts = append([]Option{
		WithOpener(func(visa.Resource) (visa.Transport, error) { return sim, nil }),
		WithClock(clock),
	}, opts...)
	return NewRunner(cfg, opts...), sim, clock
}

func TestRunFullSequence(t *testing.T) {
	simCfg := visa.DefaultSimConfig()
	simCfg.SaveFiles = 3
	profile := &saveProfile{}
	archiver := &recordingArchiver{}
	runner, sim, clock := newTestRunner(t, simCfg, WithProfile(profile), WithArchiver(archiver))

	result, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, HandshakeVerified, result.Handshake.Status)
	assert.Equal(t, []string{StageConfigure, StageArm}, profile.applied)
	assert.Equal(t, []string{"run_001.csv", "run_002.csv", "run_003.csv"}, result.Listing.Names())
	assert.Equal(t, 3, result.Report.Attempted)
	assert.Equal(t, 3, result.Report.Succeeded)
	for _, o := range result.Report.Outcomes {
		assert.FileExists(t, o.Path)
	}

	require.NotEmpty(t, result.ManifestPath)
	m, err := ReadManifest(result.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, result.RunID, m.RunID)
	assert.Equal(t, "verified", m.Handshake)
	assert.Equal(t, 3, m.Succeeded)
	assert.Len(t, m.Files, 3)

	assert.Equal(t, result.RunID, archiver.runID)
	assert.Equal(t, 3, archiver.report.Succeeded)
	assert.Equal(t, result.ManifestPath, archiver.manifest)
	assert.NoError(t, result.ArchiveErr)

	assert.Contains(t, clock.sleeps, 10*time.Second, "cool-down")
	assert.Equal(t, 1, sim.CloseCount())

	// acquisition starts after the profile armed the save action
	cmds := strings.Join(sim.Commands(), "\n")
	assert.Less(t, strings.Index(cmds, "ACTONEVent:ENable 1"), strings.Index(cmds, "ACQuire:STATE ON"))
	assert.Less(t, strings.Index(cmds, "ACQuire:STATE ON"), strings.Index(cmds, "FILESystem:DIR?"))
}

func TestRunNothingToTransfer(t *testing.T) {
	runner, sim, _ := newTestRunner(t, visa.DefaultSimConfig())

	result, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Listing.NoFiles)
	assert.Zero(t, result.Report.Attempted)
	assert.Empty(t, result.ManifestPath)
	assert.NoDirExists(t, runner.Config().LocalDir)
	assert.Equal(t, 1, sim.CloseCount())
}

func TestRunClosesOnError(t *testing.T) {
	runner, sim, _ := newTestRunner(t, visa.DefaultSimConfig())
	sim.OnWrite = func(cmd string) ([]byte, bool, error) {
		if cmd == "ACQuire:STATE ON" {
			return nil, true, disconnected()
		}
		return nil, false, nil
	}

	_, err := runner.Run(context.Background())
	require.Error(t, err)
	assert.True(t, visa.IsDisconnected(err))
	assert.Equal(t, 1, sim.CloseCount())
}

func TestRunClosesOnPanic(t *testing.T) {
	runner, sim, _ := newTestRunner(t, visa.DefaultSimConfig(), WithProfile(&saveProfile{panicOn: StageConfigure}))

	assert.Panics(t, func() { _, _ = runner.Run(context.Background()) })
	assert.Equal(t, 1, sim.CloseCount())
}

func TestRunRejectsUnverifiedWhenConfigured(t *testing.T) {
	simCfg := visa.DefaultSimConfig()
	simCfg.Identity = "SIGLENT,SDS1104X-E"
	sim := visa.NewSimInstrument(simCfg)
	cfg := testConfig()
	cfg.AllowUnverified = false
	runner := NewRunner(cfg,
		WithOpener(func(visa.Resource) (visa.Transport, error) { return sim, nil }),
		WithClock(newFakeClock()))

	result, err := runner.Run(context.Background())
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, HandshakeVerifiedWithWarning, result.Handshake.Status)
	assert.Zero(t, countCommands(sim, "ACQuire:STATE ON"))
	assert.Equal(t, 1, sim.CloseCount())
}

func TestRunArchiveFailureKeepsReport(t *testing.T) {
	archiver := &recordingArchiver{err: errors.New("bucket missing")}
	runner, _, _ := newTestRunner(t, visa.DefaultSimConfig(), WithProfile(&saveProfile{}), WithArchiver(archiver))

	result, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Report.Succeeded)
	assert.EqualError(t, result.ArchiveErr, "bucket missing")
}

func TestRunnerBadResource(t *testing.T) {
	cfg := testConfig()
	cfg.Resource = "GPIB0::7::INSTR"
	_, err := NewRunner(cfg).Identify(context.Background())

	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "resource", cerr.Field)
}

func TestIdentify(t *testing.T) {
	runner, sim, _ := newTestRunner(t, visa.DefaultSimConfig())

	hs, err := runner.Identify(context.Background())
	require.NoError(t, err)
	assert.True(t, hs.Verified())
	assert.Equal(t, visa.DefaultSimConfig().Identity, hs.Identity)
	assert.Zero(t, countCommands(sim, "*RST"))
	assert.Equal(t, 1, sim.CloseCount())
}

func TestCatalog(t *testing.T) {
	simCfg := visa.DefaultSimConfig()
	simCfg.Files = silicon("a.csv", "b.txt")
	runner, _, _ := newTestRunner(t, simCfg)

	hs, listing, err := runner.Catalog(context.Background())
	require.NoError(t, err)
	assert.True(t, hs.Verified())
	assert.Equal(t, []string{"a.csv"}, listing.Names())
}

func TestFetchSkipsAcquisition(t *testing.T) {
	simCfg := visa.DefaultSimConfig()
	simCfg.Files = silicon("old_001.csv", "old_002.csv")
	runner, sim, _ := newTestRunner(t, simCfg)

	result, err := runner.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Report.Succeeded)
	assert.Zero(t, countCommands(sim, "ACQuire:STATE ON"))
	assert.FileExists(t, filepath.Join(runner.Config().LocalDir, "transfer-report.yaml"))
}

func TestFetchManifestKeepsTransferredFileWithSameName(t *testing.T) {
	payload := []byte("INSTRUMENT PAYLOAD")
	simCfg := visa.DefaultSimConfig()
	simCfg.Files = map[string]map[string][]byte{"C:/Silicon": {
		"transfer-report.yaml": payload,
		"a.csv":                []byte("TIME,CH1\n"),
	}}
	runner, _, _ := newTestRunner(t, simCfg)
	runner.cfg.Extension = ""

	result, err := runner.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Report.Succeeded)

	local := filepath.Join(runner.Config().LocalDir, "transfer-report.yaml")
	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	assert.Equal(t, filepath.Join(result.Report.OutputDir, "transfer-report-"+result.RunID+".yaml"), result.ManifestPath)
	m, err := ReadManifest(result.ManifestPath)
	require.NoError(t, err)
	assert.Len(t, m.Files, 2)
}

func TestManifestNameCollisionExhausted(t *testing.T) {
	runner, _, clock := newTestRunner(t, visa.DefaultSimConfig())
	runner.cfg.Extension = ""
	runID := clock.Now().UTC().Format("20060102T150405Z")

	report := TransferReport{Outcomes: []TransferOutcome{
		{Name: "Transfer-Report.yaml"},
		{Name: "transfer-report-" + runID + ".yaml"},
	}}
	_, err := runner.manifestName(runID, report)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "report_name", cfgErr.Field)
}
