package main

import (
	"fmt"
	"net/http"

	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/spf13/cobra"
)

func newKeysCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys <command>",
		Short: "Manage agent auto-register keys.",
	}

	var description string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an auto-register key.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var key dto.AutoRegisterKeyResponse
			req := dto.CreateAutoRegisterKeyRequest{Description: description}
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/admin/auto_register_keys", req, &key); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Key:     %s\n", successColor(key.Key))
			fmt.Fprintf(out, "ID:      %s\n", key.ID)
			if key.ExpiresAt != nil {
				fmt.Fprintf(out, "Expires: %s\n", formatTime(*key.ExpiresAt))
			}
			fmt.Fprintln(out, "\nSet agent.auto_register_key in the agent's application.yaml.")
			return nil
		},
	}
	create.Flags().StringVar(&description, "description", "", "What the key is for")

	list := &cobra.Command{
		Use:   "list",
		Short: "List auto-register keys.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp dto.ListAutoRegisterKeysResponse
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/admin/auto_register_keys", nil, &resp); err != nil {
				return err
			}
			tbl := newTable(cmd.OutOrStdout(), "ID", "DESCRIPTION", "STATIC", "REGISTRATIONS", "EXPIRES")
			for _, k := range resp.Keys {
				expires := "-"
				if k.ExpiresAt != nil {
					expires = formatTime(*k.ExpiresAt)
				}
				tbl.row(k.ID, orDash(k.Description), k.Static, k.Registrations, expires)
			}
			return tbl.flush()
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an auto-register key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().do(cmd.Context(), http.MethodDelete, "/api/admin/auto_register_keys/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked key %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}
