package compute

import (
	"sync"

	"github.com/pkg/errors"
)

// Scratchpad grants transient buffers to one execution. Buffers returned for
// a key stay valid until the scratchpad is released.
type Scratchpad interface {
	Get(key string, size int64) (Buffer, error)
}

// EngineScratchpad allocates scratch buffers from an engine and reuses them
// across executions while they are large enough.
type EngineScratchpad struct {
	eng  Engine
	mu   sync.Mutex
	bufs map[string]Buffer
}

func NewScratchpad(eng Engine) *EngineScratchpad {
	return &EngineScratchpad{eng: eng, bufs: map[string]Buffer{}}
}

func (s *EngineScratchpad) Get(key string, size int64) (Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bufs[key]; ok {
		if b.Size() >= size {
			return b, nil
		}
		b.Release()
		delete(s.bufs, key)
	}
	b, err := s.eng.NewBuffer(size)
	if err != nil {
		return nil, errors.Wrapf(err, "scratchpad %q (%d bytes)", key, size)
	}
	s.bufs[key] = b
	return b, nil
}

// Release frees every buffer handed out.
func (s *EngineScratchpad) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.bufs {
		b.Release()
		delete(s.bufs, key)
	}
}
