package registry

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

var shared struct {
	mu    sync.Mutex
	reg   *Registry
	refs  int
	group singleflight.Group
}

// Handle is a reference to the process-wide registry.
type Handle struct {
	reg  *Registry
	once sync.Once
}

// Shared returns a handle on the process-wide registry, calling open to
// create it when no handle is outstanding. Concurrent first calls share a
// single open.
func Shared(ctx context.Context, open func(context.Context) (*Registry, error)) (*Handle, error) {
	for {
		v, err, _ := shared.group.Do("registry", func() (any, error) {
			shared.mu.Lock()
			reg := shared.reg
			shared.mu.Unlock()
			if reg != nil {
				return reg, nil
			}
			reg, err := open(ctx)
			if err != nil {
				return nil, err
			}
			shared.mu.Lock()
			shared.reg = reg
			shared.mu.Unlock()
			return reg, nil
		})
		if err != nil {
			return nil, err
		}
		reg := v.(*Registry)

		shared.mu.Lock()
		if shared.reg == reg {
			shared.refs++
			shared.mu.Unlock()
			return &Handle{reg: reg}, nil
		}
		// Released by its last holder while we waited.
		shared.mu.Unlock()
	}
}

func (h *Handle) Registry() *Registry { return h.reg }

// Release drops the reference. The last release closes the registry.
func (h *Handle) Release() {
	h.once.Do(func() {
		shared.mu.Lock()
		shared.refs--
		if shared.refs > 0 || shared.reg != h.reg {
			shared.mu.Unlock()
			return
		}
		shared.reg = nil
		shared.mu.Unlock()
		h.reg.Close()
	})
}
