package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/civicpoll/backend/internal/polls"
	"github.com/civicpoll/backend/internal/store"
)

// ListCmd returns the list command.
func ListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List polls",
		Long:  "List polls with the same search, status, category and sort rules as GET /polls",
		RunE: func(cmd *cobra.Command, args []string) error {
			search, _ := cmd.Flags().GetString("search")
			status, _ := cmd.Flags().GetString("status")
			category, _ := cmd.Flags().GetString("category")
			sortBy, _ := cmd.Flags().GetString("sort")
			creator, _ := cmd.Flags().GetString("creator")

			statusFilter, err := polls.ParseStatusFilter(status)
			if err != nil {
				return fmt.Errorf("%w\nValid statuses: all, active, expired", err)
			}
			order, err := polls.ParseSortOrder(sortBy)
			if err != nil {
				return fmt.Errorf("%w\nValid sorts: newest, oldest, most_votes, trending", err)
			}

			svc, closeFn, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			list, err := svc.Search(cmd.Context(), store.ListFilter{CreatorID: creator}, polls.Query{
				Search:   search,
				Status:   statusFilter,
				Category: category,
				Sort:     order,
			})
			if err != nil {
				return fmt.Errorf("failed to list polls: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No polls found")
				return nil
			}

			now := svc.Now()
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tCATEGORY\tSTATUS\tVOTES\tCREATED")
			fmt.Fprintln(w, "--\t-----\t--------\t------\t-----\t-------")
			for _, p := range list {
				category := p.Category
				if category == "" {
					category = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					short(p.ID), p.Title, category, statusLabel(polls.Classify(p, now)),
					p.TotalVotes, p.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringP("search", "s", "", "Case-insensitive match on title or description")
	cmd.Flags().String("status", "all", "Filter by status (all, active, expired)")
	cmd.Flags().StringP("category", "c", "", "Filter by category")
	cmd.Flags().String("sort", "newest", "Sort order (newest, oldest, most_votes, trending)")
	cmd.Flags().String("creator", "", "Only polls created by this user id")
	return cmd
}

// ResultsCmd returns the results command.
func ResultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "results [poll-id]",
		Short: "Show the results of a poll",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid poll id %q", args[0])
			}

			svc, closeFn, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			r, err := svc.Results(cmd.Context(), id, "")
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Poll: %s\n", r.PollID)
			fmt.Fprintf(out, "Title: %s\n", r.Title)
			fmt.Fprintf(out, "Status: %s\n", statusLabel(r.Status))
			fmt.Fprintf(out, "Total votes: %d\n\n", r.TotalVotes)

			lead := 0
			for _, o := range r.Options {
				if o.Votes > lead {
					lead = o.Votes
				}
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "OPTION\tVOTES\tSHARE\t")
			for _, o := range r.Options {
				share := fmt.Sprintf("%3d%% %s", o.Percentage, strings.Repeat("#", o.Percentage/5))
				if lead > 0 && o.Votes == lead {
					share = color.New(color.FgHiGreen).Sprint(share)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t\n", o.Text, o.Votes, share)
			}
			return w.Flush()
		},
	}
}
