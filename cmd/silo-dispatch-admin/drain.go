package main

import (
	"fmt"
	"net/http"

	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/spf13/cobra"
)

func newDrainCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drain <command>",
		Short: "Manage server drain mode.",
	}
	cmd.AddCommand(
		newDrainToggleCmd(opts, "enable", "Stop handing out work and starting material updates."),
		newDrainToggleCmd(opts, "disable", "Resume normal scheduling."),
		&cobra.Command{
			Use:   "info",
			Short: "Show drain mode and what is still running.",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var info dto.DrainModeInfoResponse
				if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/admin/drain_mode/info", nil, &info); err != nil {
					return err
				}
				printDrainInfo(cmd, info)
				return nil
			},
		},
	)
	return cmd
}

func newDrainToggleCmd(opts *rootOptions, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var state dto.DrainModeResponse
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/admin/drain_mode/"+action, nil, &state); err != nil {
				return err
			}
			printDrainState(cmd, state)
			return nil
		},
	}
}

func printDrainState(cmd *cobra.Command, state dto.DrainModeResponse) {
	mode := successColor("off")
	if state.IsDrainMode {
		mode = warnColor("on")
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Drain mode: %s\n", mode)
	fmt.Fprintf(out, "Updated by: %s at %s\n", orDash(state.UpdatedBy), formatTime(state.UpdatedOn))
}

func printDrainInfo(cmd *cobra.Command, info dto.DrainModeInfoResponse) {
	printDrainState(cmd, info.DrainModeResponse)
	out := cmd.OutOrStdout()

	drained := warnColor("no")
	if info.IsCompletelyDrained {
		drained = successColor("yes")
	}
	fmt.Fprintf(out, "Completely drained: %s\n", drained)

	running := info.RunningSystems
	fmt.Fprintf(out, "\nMaterial updates in flight: %d\n", len(running.MDU))
	for _, mdu := range running.MDU {
		fmt.Fprintf(out, "  %s (since %s)\n", mdu.Material, formatTime(mdu.StartedAt))
	}
	fmt.Fprintf(out, "Running jobs: %d\n", len(running.Jobs))
	for _, job := range running.Jobs {
		fmt.Fprintf(out, "  %s %s on %s\n", job.BuildLocator, statusColor(job.State), orDash(job.AgentUUID))
	}
	fmt.Fprintf(out, "Scheduled jobs: %d\n", len(running.ScheduledJobs))
	for _, job := range running.ScheduledJobs {
		fmt.Fprintf(out, "  %s\n", job.BuildLocator)
	}
}
