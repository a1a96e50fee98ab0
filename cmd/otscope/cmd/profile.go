package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceScope/pkg/profile"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect instrument setup profiles",
}

var profileCheckCmd = &cobra.Command{
	Use:   "check [FILE]",
	Short: "Parse a profile and print its stages",
	Long: `Parse a profile file and print every stage with its steps. Without FILE the
built-in profile is shown.

Examples:
  otscope profile check
  otscope profile check mso44.profile`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProfileCheck,
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileCheckCmd)
}

func runProfileCheck(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	}
	prof, err := profile.Load(path)
	if err != nil {
		return err
	}

	fmt.Printf("Profile %q\n", prof.Name)
	for _, name := range prof.StageNames() {
		steps := prof.Stage(name)
		fmt.Printf("stage %s (%d steps)\n", name, len(steps))
		for _, step := range steps {
			fmt.Printf("  %3d  %s\n", step.Line, step)
		}
	}
	return nil
}
