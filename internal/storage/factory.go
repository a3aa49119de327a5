package storage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/live-assets/asset-repository/internal/config"
)

// FactoryFunc builds a backend from configuration.
type FactoryFunc func(*config.Config) (Storage, error)

var factories = make(map[string]FactoryFunc)

// Register makes a mirror backend selectable by name. Backends register
// themselves from init.
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// NewStorage creates the mirror backend selected by mirror.backend.
func NewStorage(cfg *config.Config) (Storage, error) {
	factory, ok := factories[cfg.Mirror.Backend]
	if !ok {
		return nil, fmt.Errorf("unsupported mirror backend %q (registered: %s)", cfg.Mirror.Backend, registered())
	}
	return factory(cfg)
}

func registered() string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
