package compute

import (
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Constructor builds an engine from an engine-specific config string.
type Constructor func(config string) (Engine, error)

var (
	registryMu   sync.RWMutex
	constructors = map[string]Constructor{}
)

// Register makes an engine available by name. Call it from an init function.
func Register(name string, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	constructors[name] = c
}

// DefaultConfig is used by New when ConfigEnvVar is not set.
var DefaultConfig = "host"

// ConfigEnvVar selects the engine: "<engine>[:<config>]", e.g. "host:nosubgroups".
const ConfigEnvVar = "BNORM_ENGINE"

// New builds the engine named by $BNORM_ENGINE, falling back to DefaultConfig.
func New() (Engine, error) {
	if config, found := os.LookupEnv(ConfigEnvVar); found {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

func splitConfig(config string) (string, string) {
	name, rest, _ := strings.Cut(config, ":")
	return name, rest
}

// NewWithConfig builds an engine from "<engine>[:<config>]".
func NewWithConfig(config string) (Engine, error) {
	name, engineConfig := splitConfig(config)
	registryMu.RLock()
	c, ok := constructors[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown engine %q for config %q, registered: %q", name, config, List())
	}
	eng, err := c(engineConfig)
	if err != nil {
		return nil, errors.Wrapf(err, "create engine %q", name)
	}
	return eng, nil
}

// List returns the registered engine names, sorted.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(constructors))
	for name := range constructors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
