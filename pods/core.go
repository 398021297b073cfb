package pods

import (
	"context"
	"time"

	"github.com/openfluke/bnorm/compute"
	"github.com/openfluke/bnorm/kcache"
	"github.com/pkg/errors"
)

// Pod is one batch normalization scenario.
type Pod interface {
	Name() string
	Run(ctx *ExecContext, in any) (out any, err error)
}

// ExecContext carries the engine a pod runs on and the resources it shares
// with other pods.
type ExecContext struct {
	Ctx        context.Context
	Engine     compute.Engine
	Stream     compute.Stream
	Cache      *kcache.Cache
	Scratchpad *compute.EngineScratchpad
	Now        time.Time
}

// NewContext opens a stream and a scratchpad on eng. Kernels are shared
// through kcache.Default().
func NewContext(eng compute.Engine) (*ExecContext, error) {
	s, err := eng.NewStream()
	if err != nil {
		return nil, errors.Wrapf(err, "open stream on %s", eng.Name())
	}
	return &ExecContext{
		Ctx:        context.Background(),
		Engine:     eng,
		Stream:     s,
		Cache:      kcache.Default(),
		Scratchpad: compute.NewScratchpad(eng),
		Now:        time.Now(),
	}, nil
}

func (ec *ExecContext) WithCache(c *kcache.Cache) *ExecContext {
	ec.Cache = c
	return ec
}

// Close waits for queued work and frees the scratchpad.
func (ec *ExecContext) Close() error {
	err := ec.Stream.Finish()
	ec.Scratchpad.Release()
	return err
}
