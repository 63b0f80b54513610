package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/refguard/internal/guard"
	"github.com/sells-group/refguard/internal/tier0"
)

var (
	tier0DryRun bool
	tier0Limit  int
	tier0Actor  string
)

// tier0Report is one reference's result.
type tier0Report struct {
	Plan   tier0.Plan         `json:"plan"`
	Result *guard.BatchResult `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

var tier0Cmd = &cobra.Command{
	Use:   "tier0 [reference-id...]",
	Short: "Apply deterministic formatting fixes through the data guard",
	Long:  "Repairs whitespace, doubled punctuation and decorated years. Without IDs, scans up to --limit stored references.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initBase(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		ids := args
		if len(ids) == 0 {
			ids, err = env.Store.ListReferenceIDs(ctx, tier0Limit, 0)
			if err != nil {
				return eris.Wrap(err, "tier0: list references")
			}
		}

		fixer := tier0.New(env.Guard)
		var reports []tier0Report
		applied := 0
		for _, id := range ids {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ref, err := env.Store.GetReference(ctx, id)
			if err != nil {
				reports = append(reports, tier0Report{Plan: tier0.Plan{ReferenceID: id}, Error: err.Error()})
				continue
			}
			plan, res, err := fixer.Run(ctx, ref, tier0Actor, tier0DryRun)
			r := tier0Report{Plan: plan, Result: res}
			if err != nil {
				r.Error = err.Error()
			}
			if res != nil && res.Applied {
				applied++
			}
			if len(plan.Fixes) > 0 || len(plan.Violations) > 0 || r.Error != "" {
				reports = append(reports, r)
			}
		}

		zap.L().Info("tier0 complete",
			zap.Int("scanned", len(ids)),
			zap.Int("applied", applied),
			zap.Bool("dry_run", tier0DryRun),
		)
		return printJSON(os.Stdout, reports)
	},
}

func init() {
	tier0Cmd.Flags().BoolVar(&tier0DryRun, "dry-run", false, "report planned fixes without writing")
	tier0Cmd.Flags().IntVar(&tier0Limit, "limit", 100, "max stored references to scan")
	tier0Cmd.Flags().StringVar(&tier0Actor, "actor", "tier0", "actor recorded in the audit log")
	rootCmd.AddCommand(tier0Cmd)
}
