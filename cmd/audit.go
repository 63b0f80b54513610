package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/refguard/internal/audit"
	"github.com/sells-group/refguard/internal/model"
	"github.com/sells-group/refguard/internal/store"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and verify the audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute the audit hash chain",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		v, err := audit.NewLog(st).VerifyChain(ctx, limit)
		if err != nil {
			return err
		}
		if err := printJSON(os.Stdout, v); err != nil {
			return err
		}
		if !v.Valid {
			return eris.Errorf("audit chain broken at %s", v.BrokenAt)
		}
		return nil
	},
}

var auditEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List audit events, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		eventType, _ := cmd.Flags().GetString("type")
		ref, _ := cmd.Flags().GetString("reference")
		limit, _ := cmd.Flags().GetInt("limit")

		evs, err := audit.NewLog(st).Events(ctx, store.AuditFilter{
			EventType:   model.AuditEventType(eventType),
			ReferenceID: ref,
			Limit:       limit,
		})
		if err != nil {
			return err
		}
		if len(evs) == 0 {
			fmt.Fprintln(os.Stderr, "No events found.")
			return nil
		}
		formatEvents(os.Stdout, evs)
		return nil
	},
}

func formatEvents(out io.Writer, evs []model.AuditEvent) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tTYPE\tACTOR\tREFERENCE\tSUGGESTION\tHASH")
	_, _ = fmt.Fprintln(w, "----\t----\t-----\t---------\t----------\t----")
	for _, e := range evs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"),
			e.EventType,
			e.ActorID,
			e.ReferenceID,
			truncateID(e.SuggestionID),
			truncateHash(e.EventHash),
		)
	}
	_ = w.Flush()
}

func truncateHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func init() {
	auditVerifyCmd.Flags().Int("limit", 0, "verify only the first N events from the root (0 = all)")
	auditEventsCmd.Flags().String("type", "", "filter by event type")
	auditEventsCmd.Flags().String("reference", "", "filter by reference ID")
	auditEventsCmd.Flags().Int("limit", 50, "max events to display")

	auditCmd.AddCommand(auditVerifyCmd, auditEventsCmd)
	rootCmd.AddCommand(auditCmd)
}
