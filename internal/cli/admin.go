package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/civicpoll/backend/config"
	"github.com/civicpoll/backend/internal/analytics"
	"github.com/civicpoll/backend/internal/store"
	"github.com/civicpoll/backend/internal/store/backend"
)

// MigrateCmd returns the migrate command.
func MigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Long:  "Apply the embedded Postgres migrations, or create the SQLite schema, for the configured STORAGE_DRIVER",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			st, err := backend.Open(cmd.Context(), cfg, zap.NewNop(), true)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer st.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s Schema up to date (%s)\n", color.GreenString("✓"), cfg.Storage.Driver)
			return nil
		},
	}
}

// StatsCmd returns the stats command.
func StatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show platform statistics and top polls",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("top")

			svc, closeFn, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			list, err := svc.ListPolls(cmd.Context(), store.ListFilter{})
			if err != nil {
				return fmt.Errorf("failed to list polls: %w", err)
			}
			now := svc.Now()
			s := analytics.Summarize(list, now)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Polls: %d (%d active, %d expired)\n", s.TotalPolls, s.ActivePolls, s.ExpiredPolls)
			fmt.Fprintf(out, "Votes: %d\n", s.TotalVotes)
			fmt.Fprintf(out, "Polls with votes: %d (%.2f%%)\n", s.PollsWithVotes, s.CompletionRate)
			fmt.Fprintf(out, "Average votes per poll: %.2f\n", s.AvgVotesPerPoll)

			if len(s.CategoryDistribution) > 0 {
				fmt.Fprintln(out, "\nCategories:")
				for _, c := range s.CategoryDistribution {
					fmt.Fprintf(out, "  %-20s %d\n", c.Name, c.Count)
				}
			}

			top := analytics.Top(list, limit, now)
			if len(top) == 0 {
				return nil
			}
			fmt.Fprintln(out, "\nTop polls:")
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "#\tID\tTITLE\tVOTES\tSHARE")
			for i, p := range top {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d%%\n", i+1, short(p.ID), p.Title, p.VoteCount, p.VoteShare)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntP("top", "n", analytics.DefaultTopLimit, "Number of top polls to show")
	return cmd
}
