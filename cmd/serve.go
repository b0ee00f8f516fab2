package cmd

import (
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/hostaudit/internal/api"
	"github.com/xkilldash9x/hostaudit/internal/observability"
	"github.com/xkilldash9x/hostaudit/internal/service"
)

func newServeCmd(factory service.ComponentFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the scan API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer components.Shutdown()

			return api.NewServer(cfg.Server(), logger, components.Orchestrator).Run(ctx)
		},
	}
}
