// File: cmd/scan.go
package cmd

import (
	"context"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hostaudit/api/schemas"
	"github.com/xkilldash9x/hostaudit/internal/observability"
	"github.com/xkilldash9x/hostaudit/internal/service"
)

// scanExecutor is the slice of the orchestrator the scan command drives.
type scanExecutor interface {
	ExecuteScan(ctx context.Context, rawTarget string, req schemas.Requester) (schemas.ScanResult, error)
}

// requesterFlags are shared by the commands that act on behalf of a user.
type requesterFlags struct {
	userID int64
	admin  bool
}

func (f *requesterFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.userID, "user-id", 0, "ID of the user the command acts for (required)")
	cmd.Flags().BoolVar(&f.admin, "admin", false, "Act with admin rights (bypasses ownership checks)")
	_ = cmd.MarkFlagRequired("user-id")
}

func (f *requesterFlags) requester() (schemas.Requester, error) {
	if f.userID <= 0 {
		return schemas.Requester{}, fmt.Errorf("--user-id must be a positive integer")
	}
	return schemas.Requester{UserID: f.userID, IsAdmin: f.admin}, nil
}

func newScanCmd(factory service.ComponentFactory) *cobra.Command {
	var flags requesterFlags

	scanCmd := &cobra.Command{
		Use:   "scan <target>",
		Short: "Scan a host and store the classified result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			req, err := flags.requester()
			if err != nil {
				return err
			}
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize scan components: %w", err)
			}
			defer components.Shutdown()

			return runScan(ctx, logger, components.Orchestrator, args[0], req, cmd.OutOrStdout())
		},
	}
	flags.register(scanCmd)
	return scanCmd
}

// runScan executes one scan and prints its result as JSON.
func runScan(ctx context.Context, logger *zap.Logger, svc scanExecutor, target string, req schemas.Requester, out io.Writer) error {
	result, err := svc.ExecuteScan(ctx, target, req)
	if err != nil {
		return err
	}
	logger.Info("Scan execution completed", zap.String("scan_id", result.PublicID.String()))
	return writeJSON(out, result)
}

func writeJSON(out io.Writer, v any) error {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize output: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
