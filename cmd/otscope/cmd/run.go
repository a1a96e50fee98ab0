package cmd

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Acquire once and transfer the saved files",
	Long: `Run the complete capture sequence:

  1. Flush the instrument buffer and verify its identity
  2. Reset and apply the profile's configure stage
  3. Apply the arm stage (save-on-trigger into the remote directory)
  4. Start a single acquisition and wait until it completes
  5. List the remote directory and copy every matching file

Examples:
  otscope run --resource SIM --local-dir ./captures
  otscope run --config bench.yaml --profile mso44.profile`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := interruptContext()
	defer stop()

	runner, err := newRunner(ctx, cfg)
	if err != nil {
		return err
	}
	res, err := runner.Run(ctx)
	printResult(res)
	return err
}
