package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/history"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived conversion jobs",
		RunE:  runHistory,
	}
	cmd.Flags().Int("limit", 20, "Maximum number of jobs to list")
	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg := manager.Get()
	if cfg.History.Path == "" {
		return fmt.Errorf("history persistence is disabled (set history.path)")
	}
	limit, _ := cmd.Flags().GetInt("limit")

	store, err := history.Open(cfg.History.Path, history.Options{})
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	records, err := store.RecentJobs(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no archived jobs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tINPUT\tPERCENT\tENDED\tREASON")
	for _, rec := range records {
		ended := ""
		if !rec.EndedAt.IsZero() {
			ended = rec.EndedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
			rec.ID[:8], rec.State, rec.InputPath, rec.Percent, ended, rec.FailureReason)
	}
	return w.Flush()
}
