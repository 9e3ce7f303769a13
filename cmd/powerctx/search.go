package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oceanbase/powerctx-go/pkg/core"
	"github.com/oceanbase/powerctx-go/pkg/retrieval"
)

const searchDefaultLimit = 10

func newSearchCmd(flags *globalFlags) *cobra.Command {
	var (
		limit      int
		sources    []string
		entity     string
		timeFilter string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Rank context for a query",
		Long: `Rank the user's knowledge for a query without running the agent.

Examples:
  powerctx search "emails from Sarah last week"
  powerctx search --source jira --limit 5 "open tasks for the launch"
  powerctx search --json "budget" | jq '.items[].item.title'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(flags); err != nil {
				return err
			}
			client, err := flags.newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := signalContext()
			defer cancel()

			opts := []core.SearchOption{core.WithLimit(limit)}
			if len(sources) > 0 {
				opts = append(opts, core.WithSources(sources...))
			}
			if entity != "" {
				opts = append(opts, core.WithEntityFilter(entity))
			}
			if timeFilter != "" {
				opts = append(opts, core.WithTimeFilter(timeFilter))
			}

			res, err := client.Search(ctx, flags.userID, strings.Join(args, " "), opts...)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			return printResults(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", searchDefaultLimit, "Maximum number of results")
	cmd.Flags().StringSliceVar(&sources, "source", nil, "Restrict to sources (gmail, outlook, gdrive, onedrive, jira, calendar)")
	cmd.Flags().StringVar(&entity, "entity", "", "Restrict to items related to a person, project or company")
	cmd.Flags().StringVar(&timeFilter, "time", "", "Time window: today, yesterday, last_week, last_month, last_3_months, last_6_months")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output the full result as JSON")
	return cmd
}

func printResults(w io.Writer, res *retrieval.Result) error {
	if len(res.Items) == 0 {
		fmt.Fprintln(w, "No results.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tSOURCE\tKIND\tDATE\tTITLE\tSTRATEGIES")
	for _, it := range res.Items {
		strategies := make([]string, len(it.Strategies))
		for i, s := range it.Strategies {
			strategies[i] = string(s)
		}
		fmt.Fprintf(tw, "%.3f\t%s\t%s\t%s\t%s\t%s\n",
			it.Score,
			it.Item.Source,
			it.Item.ContentKind,
			it.Item.SourceCreatedAt.Format("2006-01-02"),
			it.Item.Title,
			strings.Join(strategies, ","),
		)
	}
	return tw.Flush()
}
