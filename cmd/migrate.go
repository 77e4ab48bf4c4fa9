package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	Long:  "Applies all pending SQL migrations for the configured store driver in lexicographic order.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close() //nolint:errcheck

		if err := b.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate")
		}

		zap.L().Info("all migrations applied successfully", zap.String("driver", b.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
