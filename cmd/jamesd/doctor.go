package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/config"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/doctor"
)

// runDoctorCommand prints a diagnosis of the local installation. Exit code 1
// when any check fails, 0 otherwise (warnings do not fail the command).
func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOut := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOut = true
		default:
			fmt.Fprintln(os.Stderr, "usage: jamesd doctor [--json]")
			return 2
		}
	}

	cfg, err := config.Load(os.Getenv("JAMESBRAIN_HOME"))
	if err != nil {
		// The doctor still runs: checkConfig reports the failure.
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		cfg = nil
	}

	diag := doctor.Run(ctx, cfg, Version)

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(diag)
	} else {
		fmt.Printf("jamesd %s (%s/%s, %s)\n\n", diag.System.Version, diag.System.OS, diag.System.Arch, diag.System.Go)
		for _, r := range diag.Results {
			fmt.Printf("  [%s] %-12s %s\n", r.Status, r.Name, r.Message)
			if r.Detail != "" {
				fmt.Printf("         %s\n", r.Detail)
			}
		}
	}

	for _, r := range diag.Results {
		if r.Status == "FAIL" {
			return 1
		}
	}
	return 0
}
