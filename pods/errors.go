package pods

import "github.com/pkg/errors"

var (
	ErrUnknownPod = errors.New("unknown pod")
	ErrBadInput   = errors.New("unexpected pod input")

	// ErrNoGPU is returned by GPU-only helpers in builds without -tags=gpu.
	ErrNoGPU = errors.New("gpu unavailable (build with -tags=gpu to enable)")
)
