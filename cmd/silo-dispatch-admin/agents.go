package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/spf13/cobra"
)

func newAgentsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents <command>",
		Short: "List and configure agents.",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List known agents with their live status.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp dto.AgentsResponse
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/admin/agents", nil, &resp); err != nil {
				return err
			}
			tbl := newTable(cmd.OutOrStdout(), "UUID", "HOSTNAME", "CONFIG", "RUNTIME", "BUILD", "RESOURCES", "ENVIRONMENTS").
				style(2, statusColor).
				style(3, statusColor)
			for _, a := range resp.Agents {
				tbl.row(a.UUID, a.Hostname, a.ConfigStatus, a.RuntimeStatus,
					orDash(a.BuildLocator), orDash(strings.Join(a.Resources, ",")), orDash(strings.Join(a.Environments, ",")))
			}
			return tbl.flush()
		},
	}

	var resources, environments []string
	update := &cobra.Command{
		Use:   "update <uuid>",
		Short: "Replace an agent's resources or environments.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := dto.UpdateAgentRequest{}
			if cmd.Flags().Changed("resources") {
				req.Resources = &resources
			}
			if cmd.Flags().Changed("environments") {
				req.Environments = &environments
			}
			if req.Resources == nil && req.Environments == nil {
				return fmt.Errorf("nothing to update: pass --resources or --environments")
			}
			return patchAgent(cmd, opts, args[0], req)
		},
	}
	update.Flags().StringSliceVar(&resources, "resources", nil, "Comma separated resources")
	update.Flags().StringSliceVar(&environments, "environments", nil, "Comma separated environments")

	cmd.AddCommand(list, update,
		newAgentStatusCmd(opts, "enable", "Enabled"),
		newAgentStatusCmd(opts, "disable", "Disabled"),
	)
	return cmd
}

func newAgentStatusCmd(opts *rootOptions, use, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <uuid>",
		Short: "Mark an agent " + strings.ToLower(status) + ".",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return patchAgent(cmd, opts, args[0], dto.UpdateAgentRequest{ConfigStatus: &status})
		},
	}
}

func patchAgent(cmd *cobra.Command, opts *rootOptions, agentUUID string, req dto.UpdateAgentRequest) error {
	var agent dto.AgentResponse
	if err := opts.client().do(cmd.Context(), http.MethodPatch, "/api/admin/agents/"+agentUUID, req, &agent); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Agent %s is %s\n", agent.UUID, statusColor(agent.ConfigStatus))
	return nil
}
