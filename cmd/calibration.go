package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/refguard/internal/calibration"
)

var calibrationCmd = &cobra.Command{
	Use:   "calibration",
	Short: "Manage confidence calibration profiles",
}

var calibrationImportCmd = &cobra.Command{
	Use:   "import <file|dir>",
	Short: "Import a profile file, or every profile in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initBase(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		info, err := os.Stat(args[0])
		if err != nil {
			return eris.Wrapf(err, "stat %s", args[0])
		}

		if info.IsDir() {
			n, err := env.Calibration.LoadDir(ctx, args[0])
			if err != nil {
				return err
			}
			zap.L().Info("calibration import complete", zap.Int("profiles", n))
			return nil
		}

		p, err := calibration.ReadProfile(args[0])
		if err != nil {
			return err
		}
		if err := env.Calibration.Save(ctx, p); err != nil {
			return err
		}
		zap.L().Info("calibration import complete",
			zap.String("model_version", p.ModelVersion),
			zap.String("method", p.Method),
		)
		return nil
	},
}

var calibrationShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List stored calibration profiles",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initBase(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		profiles, err := env.Calibration.Profiles(cmd.Context())
		if err != nil {
			return err
		}
		if len(profiles) == 0 {
			fmt.Fprintln(os.Stderr, "No calibration profiles found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "MODEL\tMETHOD\tSAMPLES\tNEVER_RAISES\tCREATED")
		_, _ = fmt.Fprintln(w, "-----\t------\t-------\t------------\t-------")
		for i := range profiles {
			p := &profiles[i]
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n",
				p.ModelVersion,
				p.Method,
				p.SampleSize,
				calibration.NeverRaises(p),
				p.CreatedAt.Format("2006-01-02 15:04"),
			)
		}
		return w.Flush()
	},
}

func init() {
	calibrationCmd.AddCommand(calibrationImportCmd, calibrationShowCmd)
	rootCmd.AddCommand(calibrationCmd)
}
