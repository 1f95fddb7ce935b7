package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/meshdrive/internal/metrics"
)

func newUsageCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show storage used against the quota",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app) error {
			owner, err := a.requireOwner()
			if err != nil {
				return err
			}
			st, err := a.svc.Usage(cmd.Context(), owner)
			if err != nil {
				return err
			}
			metrics.NewCollector(a.metrics, a.svc, owner).Collect(cmd.Context())

			limit, avail := "unlimited", "unlimited"
			if st.MaxBytes > 0 {
				limit = humanize.IBytes(uint64(st.MaxBytes))
				avail = humanize.IBytes(uint64(st.AvailableBytes))
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "Owner:\t%s\n", owner)
			_, _ = fmt.Fprintf(w, "Used:\t%s\n", humanize.IBytes(uint64(st.UsedBytes)))
			_, _ = fmt.Fprintf(w, "Limit:\t%s\n", limit)
			_, _ = fmt.Fprintf(w, "Available:\t%s\n", avail)
			if st.MaxBytes > 0 {
				_, _ = fmt.Fprintf(w, "Used %%:\t%.1f%%\n", float64(st.UsedBytes)/float64(st.MaxBytes)*100)
			}
			return w.Flush()
		}),
	}
}

func newReindexCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the metadata index from the object store",
		Long: `Rebuild the owner's rows in the metadata index from the object store
listing. Existing share tokens are kept. Requires metadata.enabled.`,
		Args: cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app) error {
			owner, err := a.requireOwner()
			if err != nil {
				return err
			}
			if a.index == nil {
				return fmt.Errorf("metadata index is disabled; set metadata.enabled in the config file")
			}
			n, err := a.svc.Reindex(cmd.Context(), owner)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d entries for %s\n", n, owner)
			return nil
		}),
	}
}
