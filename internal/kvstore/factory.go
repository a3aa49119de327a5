package kvstore

import (
	"fmt"
	"sort"
	"strings"

	"github.com/live-assets/asset-repository/internal/config"
)

// FactoryFunc creates a store from configuration.
type FactoryFunc func(*config.Config) (Store, error)

var factories = make(map[string]FactoryFunc)

// Register registers a store backend factory
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// New creates the store selected by store.backend
func New(cfg *config.Config) (Store, error) {
	factory, ok := factories[cfg.Store.Backend]
	if !ok {
		return nil, fmt.Errorf("unsupported store backend: %s (registered: %s)", cfg.Store.Backend, strings.Join(registered(), ", "))
	}
	return factory(cfg)
}

func registered() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
