// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/hostaudit/internal/classifier"
	"github.com/xkilldash9x/hostaudit/internal/config"
	"github.com/xkilldash9x/hostaudit/internal/coordinator"
	"github.com/xkilldash9x/hostaudit/internal/orchestrator"
	"github.com/xkilldash9x/hostaudit/internal/store"
	"github.com/xkilldash9x/hostaudit/internal/units"
	"github.com/xkilldash9x/hostaudit/internal/usage"
)

// ComponentFactory creates the set of components the commands run against.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

type concreteFactory struct{}

// NewComponentFactory creates the production factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create opens the database pool and wires every component on top of it.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	pool, err := OpenPool(ctx, cfg.Database(), logger)
	if err != nil {
		return nil, err
	}

	components, err := Assemble(ctx, cfg, logger, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	components.DBPool = pool
	logger.Info("All components initialized successfully.")
	return components, nil
}

// Assemble wires the pipeline over an open database handle.
func Assemble(ctx context.Context, cfg config.Interface, logger *zap.Logger, db store.DBPool) (*Components, error) {
	components := &Components{logger: logger}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Store
	dbStore, err := store.New(ctx, db, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize database store: %w", err)
		return nil, initializationErr
	}
	components.Store = dbStore
	logger.Debug("Store service initialized.")

	// 2. Scanner units and coordinator
	scanCfg := cfg.Scan()
	scannerUnits, err := units.DefaultRegistry.Build(scanCfg.Units, units.Deps{Logger: logger, Config: cfg.Units()})
	if err != nil {
		initializationErr = fmt.Errorf("failed to build scanner units: %w", err)
		return nil, initializationErr
	}
	coord, err := coordinator.New(logger, scanCfg.UnitTimeout, scanCfg.MaxParallel, scannerUnits...)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create coordinator: %w", err)
		return nil, initializationErr
	}
	components.Coordinator = coord
	logger.Debug("Coordinator initialized.", zap.Strings("units", scanCfg.Units))

	// 3. Classifier
	components.LLMClient = InitializeLLMClient(ctx, cfg.LLM(), logger)
	cls := classifier.New(logger, components.LLMClient, cfg.Classifier())

	// 4. Usage guard
	guard, err := usage.New(logger, dbStore, cfg.Usage())
	if err != nil {
		initializationErr = fmt.Errorf("failed to create usage guard: %w", err)
		return nil, initializationErr
	}
	components.Guard = guard

	// 5. Orchestrator
	orch, err := orchestrator.New(cfg, logger, dbStore, coord, cls, guard)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create orchestrator: %w", err)
		return nil, initializationErr
	}
	components.Orchestrator = orch
	logger.Debug("Orchestrator initialized.")

	return components, nil
}
