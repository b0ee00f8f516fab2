package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hostaudit/internal/observability"
	"github.com/xkilldash9x/hostaudit/internal/service"
	"github.com/xkilldash9x/hostaudit/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			pool, err := service.OpenPool(ctx, cfg.Database(), logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			version, err := store.Migrate(ctx, pool, logger)
			if err != nil {
				return err
			}
			logger.Info("Database schema is up to date.", zap.Int64("version", version))
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
}
