package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceScope/pkg/scope"
)

var listAll bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List capture files in the remote directory",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVarP(&listAll, "all", "a", false, "also show files that do not match the extension")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := interruptContext()
	defer stop()

	_, listing, err := scope.NewRunner(cfg, scope.WithOpener(opener(cfg))).Catalog(ctx)
	if err != nil {
		return err
	}

	if listing.NoFiles {
		fmt.Printf("No files found in %s\n", cfg.RemoteDir)
		return nil
	}

	eligible := listing.Eligible()
	fmt.Printf("Found %d %s file(s) in %s:\n", len(eligible), cfg.Extension, cfg.RemoteDir)
	for _, e := range listing.Entries {
		switch {
		case e.Eligible:
			fmt.Printf("  %s\n", e.Name)
		case listAll:
			fmt.Printf("  %s (skipped)\n", e.Name)
		}
	}
	return nil
}
