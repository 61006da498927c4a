package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/spf13/cobra"
)

func newJobsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs <command>",
		Short: "Schedule, inspect and cancel jobs.",
	}
	cmd.AddCommand(
		newJobsListCmd(opts),
		newJobsScheduleCmd(opts),
		newJobsCancelCmd(opts),
		newJobsConsoleCmd(opts),
	)
	return cmd
}

func newJobsListCmd(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active jobs.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp dto.JobsResponse
			path := "/api/admin/jobs?all=" + strconv.FormatBool(all)
			if err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			tbl := newTable(cmd.OutOrStdout(), "BUILD", "LOCATOR", "STATE", "RESULT", "AGENT", "SCHEDULED").
				style(2, statusColor).
				style(3, statusColor)
			for _, j := range resp.Jobs {
				tbl.row(j.BuildID, j.BuildLocator, j.State, j.Result, orDash(j.AgentUUID), formatTime(j.ScheduledAt))
			}
			return tbl.flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include finished jobs")
	return cmd
}

func newJobsScheduleCmd(opts *rootOptions) *cobra.Command {
	var (
		req dto.ScheduleJobRequest
		env []string
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a job.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			vars, err := parseEnv(env)
			if err != nil {
				return err
			}
			req.EnvironmentVariables = vars

			var job dto.JobResponse
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/admin/jobs", req, &job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scheduled %s as build %d\n", job.BuildLocator, job.BuildID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.PipelineName, "pipeline", "", "Pipeline name")
	f.IntVar(&req.PipelineCounter, "pipeline-counter", 1, "Pipeline counter")
	f.StringVar(&req.StageName, "stage", "", "Stage name")
	f.IntVar(&req.StageCounter, "stage-counter", 1, "Stage counter")
	f.StringVar(&req.JobName, "job", "", "Job name")
	f.StringSliceVar(&req.Resources, "resources", nil, "Resources an agent must have")
	f.StringVar(&req.Environment, "environment", "", "Environment the agent must belong to")
	f.StringVar(&req.ElasticProfileID, "elastic-profile", "", "Elastic profile id")
	f.StringArrayVar(&req.Commands, "command", nil, "Shell command to run, repeatable")
	f.StringArrayVar(&env, "env", nil, "Environment variable KEY=VALUE, repeatable")
	for _, name := range []string{"pipeline", "stage", "job", "command"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q, expected KEY=VALUE", pair)
		}
		vars[k] = v
	}
	return vars, nil
}

func newJobsCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <build-id>",
		Short: "Cancel a job.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buildID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid build id %q", args[0])
			}
			var job dto.JobResponse
			path := fmt.Sprintf("/api/admin/jobs/%d/cancel", buildID)
			if err := opts.client().do(cmd.Context(), http.MethodPost, path, nil, &job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Build %d is %s (%s)\n", job.BuildID, statusColor(job.State), statusColor(job.Result))
			return nil
		},
	}
}

func newJobsConsoleCmd(opts *rootOptions) *cobra.Command {
	var from int64
	cmd := &cobra.Command{
		Use:   "console <build-id>",
		Short: "Print a job's console output.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buildID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid build id %q", args[0])
			}
			var resp dto.ConsoleResponse
			path := fmt.Sprintf("/api/admin/jobs/%d/console?from=%d", buildID, from)
			if err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			for _, line := range resp.Lines {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "First line to print")
	return cmd
}
