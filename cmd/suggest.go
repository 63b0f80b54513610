package main

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/refguard/internal/model"
	"github.com/sells-group/refguard/internal/orchestrator"
	"github.com/sells-group/refguard/internal/shadow"
)

var (
	suggestViolations []string
	suggestTier       string
	suggestIdentity   string
)

var suggestCmd = &cobra.Command{
	Use:   "suggest <reference-id>",
	Short: "Generate, validate and store one suggestion",
	Long:  "Runs the full suggestion path for a reference. Without --violation the violations are detected from the stored record.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		violations, err := parseViolations(suggestViolations)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "suggest")
		if err != nil {
			return err
		}
		defer env.Close()

		if len(violations) == 0 {
			ref, err := env.Store.GetReference(ctx, args[0])
			if err != nil {
				return eris.Wrapf(err, "suggest: load reference %s", args[0])
			}
			violations = shadow.DetectViolations(ref)
			if len(violations) == 0 {
				return eris.Errorf("suggest: reference %s has no detected violations", args[0])
			}
		}

		desc, err := env.Orchestrator.Suggest(ctx, orchestrator.Request{
			ReferenceID: args[0],
			Identity:    suggestIdentity,
			Tier:        model.Tier(suggestTier),
			Violations:  violations,
		})
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, desc)
	},
}

// parseViolations reads field:code pairs. The code defaults to "invalid".
func parseViolations(specs []string) ([]model.Violation, error) {
	out := make([]model.Violation, 0, len(specs))
	for _, s := range specs {
		field, code, _ := strings.Cut(s, ":")
		field = strings.TrimSpace(field)
		if field == "" {
			return nil, eris.Errorf("invalid violation %q: want field:code", s)
		}
		code = strings.TrimSpace(code)
		if code == "" {
			code = "invalid"
		}
		out = append(out, model.Violation{Field: field, Code: code})
	}
	return out, nil
}

func init() {
	suggestCmd.Flags().StringArrayVar(&suggestViolations, "violation", nil, "violation to address as field:code (repeatable)")
	suggestCmd.Flags().StringVar(&suggestTier, "tier", "", "trust tier (tier_0..tier_3, default from config)")
	suggestCmd.Flags().StringVar(&suggestIdentity, "identity", "cli", "caller identity for rollout and audit")
	rootCmd.AddCommand(suggestCmd)
}
