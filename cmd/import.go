package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/refguard/internal/refimport"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import references from a CSV or JSON file",
	Long:  "Upserts canonical references. CSV files need an id column; JSON files hold an array of {id, fields} objects.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		refs, err := refimport.ReadFile(args[0])
		if err != nil {
			return err
		}
		if len(refs) == 0 {
			zap.L().Warn("import: no references found", zap.String("file", args[0]))
			return nil
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.ImportReferences(ctx, refs)
		if err != nil {
			return eris.Wrap(err, "import references")
		}

		zap.L().Info("import complete",
			zap.Int64("written", n),
			zap.Int("read", len(refs)),
			zap.String("file", args[0]),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
