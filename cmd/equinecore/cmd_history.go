package main

import (
	"fmt"
	"time"

	"equinecore/pkg/domain"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query and summarize trait provenance",
	}
	cmd.AddCommand(newHistoryQueryCmd(a), newHistorySummaryCmd(a), newHistoryPurgeCmd(a))
	return cmd
}

func newHistoryQueryCmd(a *app) *cobra.Command {
	var (
		source     string
		epigenetic string
		from, to   string
		limit      int
		offset     int
	)
	cmd := &cobra.Command{
		Use:   "query [subject-id]",
		Short: "List a subject's history entries, newest first",
		Long: `Lists trait history entries for a subject.

Example:
  equinecore history query foal-7 --source environmental
  equinecore history query foal-7 --epigenetic=false --limit 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := domain.HistoryFilter{SourceType: domain.SourceType(source), Limit: limit, Offset: offset}
			if source != "" && !filter.SourceType.Valid() {
				return fmt.Errorf("unknown source type %q", source)
			}
			switch epigenetic {
			case "":
			case "true", "false":
				v := epigenetic == "true"
				filter.IsEpigenetic = &v
			default:
				return fmt.Errorf("--epigenetic must be true or false")
			}
			var err error
			if filter.From, err = parseTime(from); err != nil {
				return err
			}
			if filter.To, err = parseTime(to); err != nil {
				return err
			}

			ctx, cancel := a.context(cmd)
			defer cancel()
			svc, err := a.service(ctx)
			if err != nil {
				return err
			}
			entries, err := svc.History().Query(ctx, args[0], filter)
			if err != nil {
				return err
			}
			return writeJSON(cmd, entries)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Only entries of this source type")
	cmd.Flags().StringVar(&epigenetic, "epigenetic", "", "Only epigenetic (true) or inherited (false) entries")
	cmd.Flags().StringVar(&from, "from", "", "Only entries at or after this RFC3339 time")
	cmd.Flags().StringVar(&to, "to", "", "Only entries at or before this RFC3339 time")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum entries returned")
	cmd.Flags().IntVar(&offset, "offset", 0, "Entries skipped before the first returned")
	return cmd
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", v, err)
	}
	return &t, nil
}

func newHistorySummaryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "summary [subject-id]",
		Short: "Summarize a subject's trait history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			svc, err := a.service(ctx)
			if err != nil {
				return err
			}
			summary, err := svc.History().Summarize(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, summary)
		},
	}
}

func newHistoryPurgeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete every history entry (development mode only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			svc, err := a.service(ctx)
			if err != nil {
				return err
			}
			n, err := svc.History().Purge(ctx)
			if err != nil {
				return err
			}
			a.logger.Warn("trait history purged", zap.Int("entries", n))
			return writeJSON(cmd, map[string]int{"purged": n})
		},
	}
}
