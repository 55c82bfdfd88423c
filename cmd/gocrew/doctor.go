package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-crew/internal/doctor"
)

func newDoctorCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the gocrew environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.doctor(cmd.Context(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func (a *app) doctor(ctx context.Context, asJSON bool) error {
	diag := doctor.Run(ctx, &a.cfg, Version)

	if asJSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			return failed("encoding the report", err)
		}
	} else {
		u := newUI(a.stdout)
		fmt.Fprintf(a.stdout, "gocrew doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(a.stdout, "System: %s/%s (%s), config %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Fingerprint)
		fmt.Fprintln(a.stdout, "---")

		for _, res := range diag.Results {
			fmt.Fprintf(a.stdout, "%s %-13s %s\n", statusMark(u, res.Status), res.Name, res.Message)
			if res.Detail != "" {
				fmt.Fprintf(a.stdout, "    %s\n", u.render(dimStyle, res.Detail))
			}
		}
	}

	if diag.Failed() {
		return errReported
	}
	return nil
}

func statusMark(u ui, status string) string {
	switch status {
	case doctor.StatusFail:
		return u.render(failStyle, "✗")
	case doctor.StatusWarn:
		return u.render(warnStyle, "!")
	case doctor.StatusSkip:
		return u.render(dimStyle, "-")
	}
	return u.render(okStyle, "✓")
}
