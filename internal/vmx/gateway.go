package vmx

import (
	"sync"

	"github.com/karstos/karst/internal/platform"
)

// Context is the entry point VM-lifecycle code allocates VPIDs through. It
// owns the enable/disable lifecycle: the first live consumer brings every
// online CPU into VMX root operation, and the last release takes them back
// out. All operations, including the cross-CPU broadcasts they imply, are
// serialized by one lock; allocation and release are VM-lifecycle events, not
// hot-path operations, so no finer-grained locking is warranted.
type Context struct {
	plat platform.Platform

	mu        sync.Mutex
	state     *cpuState // non-nil iff consumers > 0
	consumers int
}

// NewContext returns a Context over the given platform. No hardware state is
// touched until the first AllocVpid call.
func NewContext(p platform.Platform) *Context {
	return &Context{plat: p}
}

// AllocVpid leases the lowest free VPID, first constructing the CPU state if
// this is the first live consumer. A construction failure is propagated
// directly and leaves no state behind.
func (c *Context) AllocVpid() (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.consumers == 0 {
		state, err := newCPUState(c.plat)
		if err != nil {
			return 0, err
		}
		c.state = state
	}
	c.consumers++
	return c.state.allocVpid()
}

// ReleaseVpid returns a leased VPID and, when the last consumer is gone,
// tears the CPU state down. A failed release leaves the consumer count and
// the CPU state untouched.
func (c *Context) ReleaseVpid(vpid uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == nil {
		return ErrInvalidArgs
	}
	if err := c.state.releaseVpid(vpid); err != nil {
		return err
	}
	c.consumers--
	if c.consumers == 0 {
		c.state.destroy()
		c.state = nil
	}
	return nil
}
