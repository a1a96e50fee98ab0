package cmd

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceScope/pkg/scope"
)

func printHandshake(hs scope.HandshakeResult) {
	fmt.Printf("Instrument: %s\n", hs.Identity)
	fmt.Printf("Handshake:  %s after %d attempt(s)\n", hs.Status, len(hs.Attempts))
	if hs.Status == scope.HandshakeVerifiedWithWarning {
		fmt.Println("WARNING: identity not confirmed, communication may be out of sync")
	}
}

func printResult(res scope.RunResult) {
	if len(res.Handshake.Attempts) == 0 {
		return
	}
	fmt.Printf("Run %s\n", res.RunID)
	printHandshake(res.Handshake)

	if res.Listing.NoFiles || len(res.Listing.Eligible()) == 0 {
		fmt.Println("No files to transfer.")
		return
	}

	rep := res.Report
	fmt.Printf("Transferred %d/%d file(s) to %s\n", rep.Succeeded, rep.Attempted, rep.OutputDir)
	for _, o := range rep.Outcomes {
		if o.Succeeded() {
			fmt.Printf("  ok      %s (%d bytes)\n", o.Name, o.Bytes)
		} else {
			fmt.Printf("  FAILED  %s: %v\n", o.Name, o.Err)
		}
	}
	if res.ManifestPath != "" {
		fmt.Printf("Manifest: %s\n", res.ManifestPath)
	}
	if res.ArchiveErr != nil {
		fmt.Printf("Archive upload failed: %v\n", res.ArchiveErr)
	}
}
