package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceScope/pkg/visa"
)

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List connected instruments",
	Long: `Scan the host for USBTMC instruments and print their resource strings.
The simulator is always listed so commands can be tried without hardware.`,
	RunE: runInterfaces,
}

func init() {
	rootCmd.AddCommand(interfacesCmd)
}

func runInterfaces(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	infos, err := visa.DiscoverInstruments(ctx)
	if err != nil {
		return fmt.Errorf("discover instruments: %w", err)
	}

	fmt.Println("Detected instruments:")
	for _, info := range infos {
		fmt.Printf("  - %s [%s]\n      %s\n", info.Label(), info.Kind, info.Resource)
	}
	return nil
}
