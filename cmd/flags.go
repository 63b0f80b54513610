package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/refguard/internal/model"
	"github.com/sells-group/refguard/internal/rollout"
)

var flagsCmd = &cobra.Command{
	Use:   "flags",
	Short: "Manage rollout feature flags",
}

var flagsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List feature flags",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initBase(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		flags, err := env.Rollout.Flags(cmd.Context())
		if err != nil {
			return err
		}
		if len(flags) == 0 {
			fmt.Fprintln(os.Stderr, "No flags found.")
			return nil
		}
		formatFlags(os.Stdout, flags)
		return nil
	},
}

var flagsStatusCmd = &cobra.Command{
	Use:   "status <flag>",
	Short: "Show a flag and its override counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initBase(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.Rollout.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, st)
	},
}

var flagsEnableCmd = &cobra.Command{
	Use:   "enable <flag>",
	Short: "Enable a flag for a fraction of identities",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pct, _ := cmd.Flags().GetFloat64("pct")
		return changeFlag(cmd, args[0], pct, true)
	},
}

var flagsDisableCmd = &cobra.Command{
	Use:   "disable <flag>",
	Short: "Disable a flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeFlag(cmd, args[0], 0, false)
	},
}

var flagsOverrideCmd = &cobra.Command{
	Use:   "override <flag> <identity> <on|off|clear>",
	Short: "Force a flag on or off for one identity",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initBase(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		flag, identity := args[0], args[1]
		if args[2] == "clear" {
			return env.Rollout.ClearOverride(ctx, identity, flag)
		}
		enabled, err := parseOnOff(args[2])
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")
		actor, _ := cmd.Flags().GetString("actor")
		return env.Rollout.SetOverride(ctx, model.UserOverride{
			Identity: identity,
			Flag:     flag,
			Enabled:  enabled,
			Reason:   reason,
		}, actor)
	},
}

var flagsHistoryCmd = &cobra.Command{
	Use:   "history <flag>",
	Short: "Show a flag's change history, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initBase(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		h, err := env.Rollout.History(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		formatHistory(os.Stdout, h)
		return nil
	},
}

func changeFlag(cmd *cobra.Command, flag string, pct float64, enable bool) error {
	ctx := cmd.Context()
	env, err := initBase(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	reason, _ := cmd.Flags().GetString("reason")
	actor, _ := cmd.Flags().GetString("actor")
	ch := rollout.Change{Flag: flag, Percentage: pct, Reason: reason, Actor: actor}

	var f *model.FeatureFlag
	if enable {
		f, err = env.Rollout.Enable(ctx, ch)
	} else {
		f, err = env.Rollout.Disable(ctx, ch)
	}
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, f)
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, eris.Errorf("invalid override state %q: want on, off or clear", s)
	}
	return b, nil
}

func formatFlags(out io.Writer, flags []model.FeatureFlag) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tENABLED\tPERCENT\tSTRATEGY\tUPDATED\tBY")
	_, _ = fmt.Fprintln(w, "----\t-------\t-------\t--------\t-------\t--")
	for _, f := range flags {
		_, _ = fmt.Fprintf(w, "%s\t%t\t%.0f%%\t%s\t%s\t%s\n",
			f.Name,
			f.Enabled,
			f.RolloutPercentage*100,
			f.Strategy,
			f.UpdatedAt.Format("2006-01-02 15:04"),
			f.UpdatedBy,
		)
	}
	_ = w.Flush()
}

func formatHistory(out io.Writer, h []model.RolloutHistoryEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tEVENT\tENABLED\tPERCENT\tTRIGGER\tACTOR\tREASON")
	_, _ = fmt.Fprintln(w, "----\t-----\t-------\t-------\t-------\t-----\t------")
	for _, e := range h {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t->%t\t%.0f%%->%.0f%%\t%s\t%s\t%s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"),
			e.EventType,
			e.OldEnabled, e.NewEnabled,
			e.OldPercentage*100, e.NewPercentage*100,
			e.TriggeredBy,
			e.TriggeredActor,
			e.Reason,
		)
	}
	_ = w.Flush()
}

func init() {
	for _, c := range []*cobra.Command{flagsEnableCmd, flagsDisableCmd, flagsOverrideCmd} {
		c.Flags().String("reason", "", "reason recorded in history and audit")
		c.Flags().String("actor", "cli", "actor recorded in history and audit")
	}
	flagsEnableCmd.Flags().Float64("pct", 1.0, "fraction of identities to enable (0..1)")
	flagsHistoryCmd.Flags().Int("limit", 50, "max entries to display")

	flagsCmd.AddCommand(flagsListCmd, flagsStatusCmd, flagsEnableCmd, flagsDisableCmd, flagsOverrideCmd, flagsHistoryCmd)
	rootCmd.AddCommand(flagsCmd)
}
