package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newShareCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "share <key>",
		Short: "Create a public share token for a file",
		Long: `Create a public share token for a file. Anyone holding the token can
download the file with "meshdrive get --token". Sharing a file twice returns
the same token when the metadata index is enabled.`,
		Args: cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app) error {
			owner, err := a.requireOwner()
			if err != nil {
				return err
			}
			token, err := a.svc.Share(cmd.Context(), owner, args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		}),
	}
}

func newResolveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <token>",
		Short: "Print the key a share token points to",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app) error {
			key, err := a.svc.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		}),
	}
}
