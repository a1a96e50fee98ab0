package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceScope/pkg/scope"
)

var idnCmd = &cobra.Command{
	Use:   "idn",
	Short: "Flush the buffer and print the instrument identity",
	Args:  cobra.NoArgs,
	RunE:  runIdn,
}

func init() {
	rootCmd.AddCommand(idnCmd)
}

func runIdn(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := interruptContext()
	defer stop()

	hs, err := scope.NewRunner(cfg, scope.WithOpener(opener(cfg))).Identify(ctx)
	if err != nil {
		return err
	}
	printHandshake(hs)

	if verbose {
		for _, a := range hs.Attempts {
			fmt.Printf("  attempt %d: %s, %d stale response(s) discarded", a.Ordinal, a.Outcome, a.Drained)
			if a.Response != "" {
				fmt.Printf(", got %q", a.Response)
			}
			fmt.Println()
		}
	}
	return nil
}
