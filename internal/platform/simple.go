package platform

import "fmt"

// SimplePlatform implements Platform from optional function fields. A nil
// register or VMX field fails the operation, a nil topology field describes a
// single-CPU machine, and nil memory fields are backed by a built-in pool of
// anonymous pages. It is intended for tests and for embedders that only need
// to override part of the surface.
type SimplePlatform struct {
	ReadMSRFunc  func(reg uint32) (uint64, error)
	WriteMSRFunc func(reg uint32, value uint64) error
	ReadCRFunc   func(n int) (uint64, error)
	WriteCRFunc  func(n int, value uint64) error

	VmxonFunc  func(pa PhysAddr) error
	VmxoffFunc func() error

	NumCPUsFunc    func() uint
	OnlineMaskFunc func() CPUMask
	CurrentCPUFunc func() uint
	RunOnCPUsFunc  func(mask CPUMask, task func())

	AllocPageFunc func() (PhysAddr, error)
	FreePageFunc  func(pa PhysAddr)
	PageBytesFunc func(pa PhysAddr) []byte

	pool *PagePool
}

func (p *SimplePlatform) ReadMSR(reg uint32) (uint64, error) {
	if p.ReadMSRFunc != nil {
		return p.ReadMSRFunc(reg)
	}
	return 0, fmt.Errorf("read MSR %#x: %w", reg, ErrNotPrivileged)
}

func (p *SimplePlatform) WriteMSR(reg uint32, value uint64) error {
	if p.WriteMSRFunc != nil {
		return p.WriteMSRFunc(reg, value)
	}
	return fmt.Errorf("write MSR %#x: %w", reg, ErrNotPrivileged)
}

func (p *SimplePlatform) ReadCR(n int) (uint64, error) {
	if p.ReadCRFunc != nil {
		return p.ReadCRFunc(n)
	}
	return 0, fmt.Errorf("read CR%d: %w", n, ErrNotPrivileged)
}

func (p *SimplePlatform) WriteCR(n int, value uint64) error {
	if p.WriteCRFunc != nil {
		return p.WriteCRFunc(n, value)
	}
	return fmt.Errorf("write CR%d: %w", n, ErrNotPrivileged)
}

func (p *SimplePlatform) Vmxon(pa PhysAddr) error {
	if p.VmxonFunc != nil {
		return p.VmxonFunc(pa)
	}
	return fmt.Errorf("vmxon: %w", ErrNotPrivileged)
}

func (p *SimplePlatform) Vmxoff() error {
	if p.VmxoffFunc != nil {
		return p.VmxoffFunc()
	}
	return fmt.Errorf("vmxoff: %w", ErrNotPrivileged)
}

func (p *SimplePlatform) NumCPUs() uint {
	if p.NumCPUsFunc != nil {
		return p.NumCPUsFunc()
	}
	return 1
}

func (p *SimplePlatform) OnlineMask() CPUMask {
	if p.OnlineMaskFunc != nil {
		return p.OnlineMaskFunc()
	}
	return MaskAll(p.NumCPUs())
}

func (p *SimplePlatform) CurrentCPU() uint {
	if p.CurrentCPUFunc != nil {
		return p.CurrentCPUFunc()
	}
	return 0
}

// RunOnCPUs with no override runs task once per CPU in mask on the calling
// goroutine, in ascending CPU order. That preserves the barrier semantics but
// not real CPU placement; overrides that need CurrentCPU to track the target
// CPU must supply both fields.
func (p *SimplePlatform) RunOnCPUs(mask CPUMask, task func()) {
	if p.RunOnCPUsFunc != nil {
		p.RunOnCPUsFunc(mask, task)
		return
	}
	for cpu := uint(0); cpu < MaxCPUs; cpu++ {
		if mask.Contains(cpu) {
			task()
		}
	}
}

func (p *SimplePlatform) AllocPage() (PhysAddr, error) {
	if p.AllocPageFunc != nil {
		return p.AllocPageFunc()
	}
	if p.pool == nil {
		p.pool = NewPagePool(0)
	}
	return p.pool.AllocPage()
}

func (p *SimplePlatform) FreePage(pa PhysAddr) {
	if p.FreePageFunc != nil {
		p.FreePageFunc(pa)
		return
	}
	if p.pool != nil {
		p.pool.FreePage(pa)
	}
}

func (p *SimplePlatform) PageBytes(pa PhysAddr) []byte {
	if p.PageBytesFunc != nil {
		return p.PageBytesFunc(pa)
	}
	if p.pool != nil {
		return p.pool.PageBytes(pa)
	}
	return nil
}

var _ Platform = &SimplePlatform{}
