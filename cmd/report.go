// File: cmd/report.go
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hostaudit/api/schemas"
	"github.com/xkilldash9x/hostaudit/internal/observability"
	"github.com/xkilldash9x/hostaudit/internal/service"
)

// reportReader is the slice of the orchestrator the report command reads.
type reportReader interface {
	GetReport(ctx context.Context, publicID uuid.UUID, req schemas.Requester) (schemas.ScanReport, error)
}

func newReportCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		flags      requesterFlags
		outputPath string
	)

	reportCmd := &cobra.Command{
		Use:   "report <scan-id>",
		Short: "Print a stored scan with its findings, technologies and AI summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			req, err := flags.requester()
			if err != nil {
				return err
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid scan id %q: %w", args[0], err)
			}
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			defer components.Shutdown()

			return runReport(ctx, logger, components.Orchestrator, id, req, outputPath, cmd.OutOrStdout())
		},
	}
	flags.register(reportCmd)
	reportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path. If unset, the report is printed to stdout.")
	return reportCmd
}

// runReport loads the report and writes it to outputPath or, when empty, to out.
func runReport(
	ctx context.Context,
	logger *zap.Logger,
	svc reportReader,
	id uuid.UUID,
	req schemas.Requester,
	outputPath string,
	out io.Writer,
) error {
	logger.Info("Starting report generation", zap.String("scan_id", id.String()))

	report, err := svc.GetReport(ctx, id, req)
	if err != nil {
		return fmt.Errorf("failed to load scan %s: %w", id, err)
	}

	if outputPath == "" {
		return writeJSON(out, report)
	}

	var buf bytes.Buffer
	if err := writeJSON(&buf, report); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	logger.Info("Report successfully written to file", zap.String("path", outputPath))
	return nil
}
