// Package units holds the registry of built-in scanner units.
package units

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/hostaudit/api/schemas"
	"github.com/xkilldash9x/hostaudit/internal/config"
	"github.com/xkilldash9x/hostaudit/internal/units/headers"
	"github.com/xkilldash9x/hostaudit/internal/units/paths"
	"github.com/xkilldash9x/hostaudit/internal/units/ports"
	"github.com/xkilldash9x/hostaudit/internal/units/tlscheck"
)

// Deps is what a factory may use to build its unit.
type Deps struct {
	Logger *zap.Logger
	Config config.UnitsConfig
}

// Factory builds a scanner unit instance.
type Factory func(Deps) schemas.ScannerUnit

// Registry maps unit names to constructors.
type Registry map[string]Factory

// DefaultRegistry contains the built-in units.
var DefaultRegistry = Registry{
	headers.Name:  func(d Deps) schemas.ScannerUnit { return headers.New(d.Config.Headers, d.Logger) },
	tlscheck.Name: func(d Deps) schemas.ScannerUnit { return tlscheck.New(d.Config.TLS, d.Logger) },
	ports.Name:    func(d Deps) schemas.ScannerUnit { return ports.New(d.Config.Ports, d.Logger) },
	paths.Name:    func(d Deps) schemas.ScannerUnit { return paths.New(d.Config.Paths, d.Logger) },
}

// Build instantiates units from the provided names. Unknown names are an
// error; repeated names are built once.
func (r Registry) Build(names []string, deps Deps) ([]schemas.ScannerUnit, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	var built []schemas.ScannerUnit
	seen := map[string]struct{}{}
	for _, name := range names {
		factory, ok := r[name]
		if !ok {
			return nil, fmt.Errorf("unknown scanner unit: %s (available: %v)", name, r.Names())
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		built = append(built, factory(deps))
	}
	return built, nil
}

// Names lists the registered unit names in sorted order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
