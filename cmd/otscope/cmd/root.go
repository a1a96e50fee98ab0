package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceScope/internal/logging"
	"github.com/OpenTraceLab/OpenTraceScope/pkg/archive"
	"github.com/OpenTraceLab/OpenTraceScope/pkg/profile"
	"github.com/OpenTraceLab/OpenTraceScope/pkg/scope"
	"github.com/OpenTraceLab/OpenTraceScope/pkg/visa"
)

var (
	// Global flags
	verbose     bool
	logFormat   string
	configPath  string
	resource    string
	remoteDir   string
	localDir    string
	profilePath string
	simFiles    []string // For simulator: files already present in the remote directory
)

var rootCmd = &cobra.Command{
	Use:   "otscope",
	Short: "Oscilloscope acquisition and file transfer",
	Long: `Drive a bench oscilloscope through one capture: recover the connection,
apply a setup profile, arm save-on-trigger, wait for the acquisition and copy
the saved waveform files to this machine.

Examples:
  otscope run --resource SIM                           # Full run against the simulator
  otscope idn --resource USB0::0x0699::0x0530::INSTR   # Check the instrument answers
  otscope list --config bench.yaml                     # Show files waiting on the scope
  otscope fetch --local-dir ./captures                 # Copy files without acquiring`,
	Version:       "0.3.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := "info"
		if verbose {
			level = "debug"
		}
		return logging.Configure(logging.Options{Level: level, Format: logFormat})
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	pf.StringVarP(&configPath, "config", "c", "", "configuration file (.yaml, .yml or .toml)")
	pf.StringVarP(&resource, "resource", "r", "", "instrument address, e.g. USB0::0x0699::0x0530::INSTR, TCPIP0::host::4000::SOCKET or SIM")
	pf.StringVar(&remoteDir, "remote-dir", "", "directory on the instrument where captures are saved")
	pf.StringVarP(&localDir, "local-dir", "o", "", "local directory receiving the files")
	pf.StringVarP(&profilePath, "profile", "p", "", "instrument setup profile (default: built-in Tektronix MSO profile)")
	pf.StringSliceVar(&simFiles, "sim-files", nil,
		"simulator: file names already present in the remote directory")
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig() (scope.Config, error) {
	cfg := scope.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = scope.LoadConfig(configPath); err != nil {
			return cfg, err
		}
	}

	if resource != "" {
		cfg.Resource = resource
	}
	if remoteDir != "" {
		cfg.RemoteDir = remoteDir
	}
	if localDir != "" {
		cfg.LocalDir = localDir
	}
	if profilePath != "" {
		cfg.Profile = profilePath
	}
	return cfg, cfg.Validate()
}

// interruptContext is cancelled on Ctrl-C so a command unwinds through the
// runner and closes the session.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

// newRunner builds a runner for cfg with its profile and, when configured,
// the archive uploader.
func newRunner(ctx context.Context, cfg scope.Config) (*scope.Runner, error) {
	prof, err := profile.Load(cfg.Profile)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	opts := []scope.Option{
		scope.WithProfile(prof),
		scope.WithOpener(opener(cfg)),
	}

	if cfg.Archive.Enabled() {
		up, err := archive.New(ctx, cfg.Archive)
		if err != nil {
			return nil, err
		}
		opts = append(opts, scope.WithArchiver(up))
	}
	return scope.NewRunner(cfg, opts...), nil
}

// opener seeds the simulator with --sim-files; real resources use the
// default transports.
func opener(cfg scope.Config) visa.Opener {
	if len(simFiles) == 0 {
		return visa.DefaultOpener
	}
	return func(res visa.Resource) (visa.Transport, error) {
		if res.Kind != visa.ResourceSimulator {
			return visa.DefaultOpener(res)
		}
		simCfg := visa.DefaultSimConfig()
		seeded := make(map[string][]byte, len(simFiles))
		for i, name := range simFiles {
			seeded[name] = []byte(fmt.Sprintf("TIME,CH1\n0.0,%d.0\n", i))
		}
		simCfg.Files = map[string]map[string][]byte{cfg.RemoteDir: seeded}
		return visa.NewSimInstrument(simCfg), nil
	}
}
