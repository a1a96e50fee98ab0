package cmd

import (
	"github.com/spf13/cobra"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Copy files already on the instrument",
	Long: `Verify the instrument, list the remote directory and copy every matching
file without configuring or starting an acquisition. Use this to recover the
files of an interrupted run.`,
	Args: cobra.NoArgs,
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
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
	res, err := runner.Fetch(ctx)
	printResult(res)
	return err
}
