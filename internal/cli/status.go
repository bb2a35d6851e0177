package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/config"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/store"
	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/version"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tagall status and configuration summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "tagall %s (commit %s)\n\n", version.Version, version.Commit)

			// Show paths
			fmt.Fprintf(w, "Config:    %s\n", paths.Config)
			fmt.Fprintf(w, "Data:      %s\n", paths.Data)
			fmt.Fprintf(w, "Logs:      %s\n", paths.Logs)
			fmt.Fprintln(w)

			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Fprintf(w, "Config:    error loading: %v\n", err)
				return nil
			}
			if _, err := os.Stat(paths.Config); os.IsNotExist(err) {
				fmt.Fprintln(w, "Config:    not found (using defaults)")
			}

			fmt.Fprintf(w, "Backend:   %s\n", cfg.Backend)
			switch {
			case cfg.Backend == "irc" && cfg.IRC != nil:
				fmt.Fprintf(w, "IRC:       server=%s nick=%s channels=%s tls=%v multiline=%v\n",
					cfg.IRC.Server, cfg.IRC.Nick, strings.Join(cfg.IRC.Channels, ","), cfg.IRC.UseTLS, cfg.IRC.Multiline)
			case cfg.Backend == "bridge" && cfg.Bridge != nil:
				fmt.Fprintf(w, "Bridge:    url=%s token=%v\n", cfg.Bridge.URL, cfg.Bridge.Token != "")
			}

			c := cfg.Commands
			fmt.Fprintf(w, "Commands:  marker=%q policy=%s cooldown=%s timeout=%s botAdmin=%v\n",
				c.Marker, c.ContentPolicy, c.Cooldown(), c.Timeout(), c.AllowBotAdmin)
			fmt.Fprintf(w, "Delivery:  attempts=%d delay=%s readyWaits=%d\n",
				cfg.Delivery.MaxAttempts, cfg.Delivery.Delay(), cfg.Delivery.MaxReadyWaits)
			fmt.Fprintf(w, "Reconnect: delay=%s max=%s multiplier=%g\n",
				cfg.Reconnect.Delay(), cfg.Reconnect.MaxDelay(), cfg.Reconnect.Multiplier)

			if cfg.Store.Driver == "sqlite" {
				printStoreStatus(cmd.Context(), w, storePath(cfg))
			}

			// Validation
			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Fprintf(w, "\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(w, "  - %s\n", issue)
				}
			}

			return nil
		},
	}

	return cmd
}

func storePath(cfg config.Config) string {
	if cfg.Store.Path != "" {
		return cfg.Store.Path
	}
	return paths.Database()
}

func printStoreStatus(ctx context.Context, w io.Writer, path string) {
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(w, "History:   (no database yet)")
		return
	}
	db, err := store.Open(path, log)
	if err != nil {
		fmt.Fprintf(w, "History:   error opening %s: %v\n", path, err)
		return
	}
	defer db.Close()

	if v, err := db.SchemaVersion(ctx); err == nil {
		fmt.Fprintf(w, "Database:  %s (schema v%d)\n", path, v)
	}
	if last, err := db.LastConnection(ctx); err == nil && last != nil {
		line := fmt.Sprintf("Session:   %s %s", last.State, humanize.Time(last.CreatedAt))
		if last.Reason != "" {
			line += " (" + last.Reason + ")"
		}
		fmt.Fprintln(w, line)
	}

	st, err := db.InvocationStats(ctx)
	if err != nil {
		fmt.Fprintf(w, "History:   error: %v\n", err)
		return
	}
	if st.Total == 0 {
		fmt.Fprintln(w, "History:   no commands run yet")
		return
	}

	outcomes := make([]string, 0, len(st.ByOutcome))
	for o, n := range st.ByOutcome {
		outcomes = append(outcomes, fmt.Sprintf("%s=%s", o, humanize.Comma(int64(n))))
	}
	sort.Strings(outcomes)
	fmt.Fprintf(w, "History:   %s commands (%s)\n", humanize.Comma(int64(st.Total)), strings.Join(outcomes, " "))
	if st.Last != nil {
		fmt.Fprintf(w, "Last:      %s in %s by %s, %s %s\n",
			st.Last.Command, st.Last.Conversation, st.Last.Actor, st.Last.Outcome, humanize.Time(st.Last.CreatedAt))
	}
}
