package pods

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]Pod{}
)

func Register(p Pod) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[p.Name()] = p
}

func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func Run(ctx *ExecContext, name string, in any) (any, error) {
	registryMu.RLock()
	p, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPod, "%q, registered: %q", name, Names())
	}
	return p.Run(ctx, in)
}
