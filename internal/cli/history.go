package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/config"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		conversation string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent command invocations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			if cfg.Store.Driver != "sqlite" {
				return fmt.Errorf("invocation history is disabled (store.driver=%s)", cfg.Store.Driver)
			}

			path := storePath(cfg)
			if _, err := os.Stat(path); err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No history yet.")
				return nil
			}
			db, err := store.Open(path, log)
			if err != nil {
				return err
			}
			defer db.Close()

			invs, err := db.RecentInvocations(cmd.Context(), conversation, limit)
			if err != nil {
				return err
			}
			if len(invs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No history yet.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tCOMMAND\tCONVERSATION\tACTOR\tOUTCOME\tMEMBERS\tDURATION")
			for _, inv := range invs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					humanize.Time(inv.CreatedAt), inv.Command, inv.Conversation, inv.Actor,
					inv.Outcome, inv.Members, inv.Duration)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&conversation, "conversation", "", "only show this conversation")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum rows")

	return cmd
}
