package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/refguard/internal/model"
	"github.com/sells-group/refguard/internal/store"
)

var suggestionsCmd = &cobra.Command{
	Use:   "suggestions",
	Short: "Inspect stored suggestions",
	Long:  "Commands for listing, viewing, and summarizing stored suggestions.",
}

// -- suggestions list --

var suggestionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List suggestions, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		ref, _ := cmd.Flags().GetString("reference")
		limit, _ := cmd.Flags().GetInt("limit")

		sugs, err := st.ListSuggestions(ctx, store.SuggestionFilter{
			ReferenceID: ref,
			Status:      model.SuggestionStatus(status),
			Limit:       limit,
		})
		if err != nil {
			return eris.Wrap(err, "suggestions list")
		}

		if len(sugs) == 0 {
			fmt.Fprintln(os.Stderr, "No suggestions found.")
			return nil
		}

		formatSuggestionsList(os.Stdout, sugs)
		return nil
	},
}

// -- suggestions show --

var suggestionsShowCmd = &cobra.Command{
	Use:   "show <suggestion-id>",
	Short: "Show full details of a suggestion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sg, err := st.GetSuggestion(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "suggestions show")
		}
		return printJSON(os.Stdout, sg)
	},
}

// -- suggestions stats --

var suggestionsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate suggestion statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		sugs, err := st.ListSuggestions(ctx, store.SuggestionFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "suggestions stats")
		}

		var cutoff time.Time
		if since > 0 {
			cutoff = time.Now().Add(-since)
		}
		formatSuggestionStats(os.Stdout, computeSuggestionStats(sugs, cutoff))
		return nil
	},
}

func init() {
	suggestionsListCmd.Flags().String("status", "", "filter by status (pending, accepted, rejected, expired)")
	suggestionsListCmd.Flags().String("reference", "", "filter by reference ID")
	suggestionsListCmd.Flags().Int("limit", 50, "max number of suggestions to display")

	suggestionsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	suggestionsCmd.AddCommand(suggestionsListCmd)
	suggestionsCmd.AddCommand(suggestionsShowCmd)
	suggestionsCmd.AddCommand(suggestionsStatsCmd)
	rootCmd.AddCommand(suggestionsCmd)
}

// suggestionStats holds aggregate statistics over a set of suggestions.
type suggestionStats struct {
	Total         int
	Passed        int
	Failed        int
	Pending       int
	Accepted      int
	Rejected      int
	Expired       int
	AvgCalibrated float64
	ByStage       map[int]int
}

// computeSuggestionStats tallies sugs created at or after cutoff. sugs must be
// newest first; a zero cutoff counts everything.
func computeSuggestionStats(sugs []model.Suggestion, cutoff time.Time) suggestionStats {
	s := suggestionStats{ByStage: make(map[int]int)}
	var conf float64

	for _, sg := range sugs {
		if !cutoff.IsZero() && sg.CreatedAt.Before(cutoff) {
			break
		}
		s.Total++
		conf += sg.CalibratedConfidence
		if sg.Validation.Passed {
			s.Passed++
		} else {
			s.Failed++
			s.ByStage[sg.Validation.FailedStage()]++
		}
		switch sg.Status {
		case model.StatusPending:
			s.Pending++
		case model.StatusAccepted:
			s.Accepted++
		case model.StatusRejected:
			s.Rejected++
		case model.StatusExpired:
			s.Expired++
		}
	}

	if s.Total > 0 {
		s.AvgCalibrated = conf / float64(s.Total)
	}
	return s
}

// formatSuggestionsList writes a tabular list of suggestions to w.
func formatSuggestionsList(out io.Writer, sugs []model.Suggestion) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tREFERENCE\tTIER\tSTATUS\tPASSED\tCONFIDENCE\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t---------\t----\t------\t------\t----------\t-------")

	for _, sg := range sugs {
		ref := sg.ReferenceID
		if len(ref) > 30 {
			ref = ref[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%.3f\t%s\n",
			truncateID(sg.ID),
			ref,
			sg.Tier,
			sg.Status,
			sg.Validation.Passed,
			sg.CalibratedConfidence,
			sg.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatSuggestionStats writes aggregate stats to w.
func formatSuggestionStats(out io.Writer, s suggestionStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total suggestions:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Passed validation:\t%d\n", s.Passed)
	_, _ = fmt.Fprintf(w, "Failed validation:\t%d\n", s.Failed)
	for stage := 1; stage <= 7; stage++ {
		if n := s.ByStage[stage]; n > 0 {
			_, _ = fmt.Fprintf(w, "  Stage %d:\t%d\n", stage, n)
		}
	}
	_, _ = fmt.Fprintf(w, "Pending:\t%d\n", s.Pending)
	_, _ = fmt.Fprintf(w, "Accepted:\t%d\n", s.Accepted)
	_, _ = fmt.Fprintf(w, "Rejected:\t%d\n", s.Rejected)
	_, _ = fmt.Fprintf(w, "Expired:\t%d\n", s.Expired)
	if s.Total > 0 {
		_, _ = fmt.Fprintf(w, "Avg calibrated confidence:\t%.3f\n", s.AvgCalibrated)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
