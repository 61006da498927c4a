package main

import (
	"bufio"
	"fmt"
	"net/http"
	"strings"

	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/EternisAI/silo-dispatch/internal/users"
	"github.com/spf13/cobra"
)

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange admin credentials for a bearer token.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				p, err := readLine(cmd, "Password: ")
				if err != nil {
					return err
				}
				password = p
			}
			var resp dto.LoginResponse
			req := dto.LoginRequest{Username: username, Password: password}
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/admin/login", req, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Admin username")
	cmd.Flags().StringVar(&password, "password", "", "Admin password, prompted when empty")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for auth.admins in the server config.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				p, err := readLine(cmd, "Password: ")
				if err != nil {
					return err
				}
				password = p
			}
			hash, err := users.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func readLine(cmd *cobra.Command, prompt string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
