// File: internal/service/components.go
package service

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hostaudit/api/schemas"
	"github.com/xkilldash9x/hostaudit/internal/coordinator"
	"github.com/xkilldash9x/hostaudit/internal/orchestrator"
	"github.com/xkilldash9x/hostaudit/internal/store"
	"github.com/xkilldash9x/hostaudit/internal/usage"
)

// Components holds every service a scan or a read needs, and owns their
// lifecycle.
type Components struct {
	Store        *store.Store
	Coordinator  *coordinator.Coordinator
	LLMClient    schemas.LLMClient
	Guard        *usage.Guard
	Orchestrator *orchestrator.Orchestrator
	DBPool       *pgxpool.Pool

	logger *zap.Logger
}

// Shutdown releases resources in reverse order of creation. It is safe to
// call on partially initialized components.
func (c *Components) Shutdown() {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	if c.LLMClient != nil {
		if err := c.LLMClient.Close(); err != nil {
			logger.Warn("Error closing LLM client.", zap.Error(err))
		} else {
			logger.Debug("LLM client closed.")
		}
	}

	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down.")
}
