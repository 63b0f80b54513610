package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/refguard/internal/model"
	"github.com/sells-group/refguard/internal/shadow"
)

var (
	shadowLimit       int
	shadowIDs         []string
	shadowConcurrency int
	shadowTier        string
	shadowOutcomes    bool
)

var shadowCmd = &cobra.Command{
	Use:   "shadow",
	Short: "Replay the suggestion path over stored references",
	Long:  "Generates and validates suggestions for stored references without applying them, then prints a pass-rate summary.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		sc := cfg.Shadow
		if shadowConcurrency > 0 {
			sc.Concurrency = shadowConcurrency
		}
		if shadowLimit > 0 {
			sc.Limit = shadowLimit
		}
		if shadowTier != "" {
			sc.Tier = model.Tier(shadowTier)
		}
		cfg.Shadow = sc

		env, err := initPipeline(ctx, "shadow")
		if err != nil {
			return err
		}
		defer env.Close()

		runner := shadow.New(env.Orchestrator, env.Store, shadow.DetectViolations, sc)
		sum, err := runner.Run(ctx, shadowIDs)
		if err != nil {
			return err
		}

		zap.L().Info("shadow run complete",
			zap.Int("total", sum.Total),
			zap.Int("passed", sum.Passed),
			zap.Int("failed", sum.Failed),
			zap.Int("errored", sum.Errored),
			zap.Float64("pass_rate", sum.PassRate),
			zap.Duration("duration", sum.Duration),
		)

		if !shadowOutcomes {
			sum.Outcomes = nil
		}
		return printJSON(os.Stdout, sum)
	},
}

func init() {
	shadowCmd.Flags().IntVar(&shadowLimit, "limit", 0, "max references to replay (default from config)")
	shadowCmd.Flags().StringSliceVar(&shadowIDs, "ids", nil, "replay only these reference IDs")
	shadowCmd.Flags().IntVar(&shadowConcurrency, "concurrency", 0, "parallel suggestion calls (default from config)")
	shadowCmd.Flags().StringVar(&shadowTier, "tier", "", "trust tier for generated suggestions")
	shadowCmd.Flags().BoolVar(&shadowOutcomes, "outcomes", false, "include per-reference outcomes in the output")
	rootCmd.AddCommand(shadowCmd)
}
