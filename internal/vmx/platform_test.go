package vmx

import (
	"fmt"

	"github.com/karstos/karst/internal/platform"
)

// Capability MSR values for a fully capable CPU.
const (
	goodBasic = uint64(0x1) | // revision id
		1024<<32 | // region size
		memoryTypeWriteBack<<50 |
		1<<54 | // io exit info
		1<<55 // true controls

	goodMisc = uint64(1<<8) | 2<<25 // wait-for-sipi, 1536-entry MSR lists

	goodEpt = uint64(1<<6) | 1<<14 | 1<<16 | 1<<17 |
		1<<20 | 1<<21 | 1<<22 | 1<<25 | 1<<26

	// CR0 must have PE and NE set; everything else is free.
	goodCR0Fixed0 = uint64(0x21)
	goodCR0Fixed1 = ^uint64(0)

	// CR4 must have VMXE set while in VMX operation.
	goodCR4Fixed0 = cr4VMXE
	goodCR4Fixed1 = ^uint64(0)

	goodCR0 = uint64(0x80000021)
	goodCR4 = uint64(0x660)
)

type testCPU struct {
	msrs map[uint32]uint64
	crs  map[int]uint64

	vmxonErr  error
	vmxoffErr error

	vmxonCalls  int
	vmxoffCalls int
	vmxonAddr   platform.PhysAddr
	inVMX       bool
}

func newTestCPU() *testCPU {
	return &testCPU{
		msrs: map[uint32]uint64{
			msrVMXBasic:       goodBasic,
			msrVMXMisc:        goodMisc,
			msrVMXEptVpidCap:  goodEpt,
			msrFeatureControl: 0,
			msrVMXCR0Fixed0:   goodCR0Fixed0,
			msrVMXCR0Fixed1:   goodCR0Fixed1,
			msrVMXCR4Fixed0:   goodCR4Fixed0,
			msrVMXCR4Fixed1:   goodCR4Fixed1,
		},
		crs: map[int]uint64{
			0: goodCR0,
			4: goodCR4,
		},
	}
}

// testPlatform simulates a multi-CPU machine. RunOnCPUs executes tasks
// sequentially on the calling goroutine, switching the current-CPU register
// state per target, which preserves the broadcast's barrier semantics.
type testPlatform struct {
	cpus   []*testCPU
	online platform.CPUMask
	cur    uint
	pool   *platform.PagePool

	broadcasts int
}

func newTestPlatform(numCPUs uint) *testPlatform {
	p := &testPlatform{
		online: platform.MaskAll(numCPUs),
		pool:   platform.NewPagePool(0),
	}
	for i := uint(0); i < numCPUs; i++ {
		p.cpus = append(p.cpus, newTestCPU())
	}
	return p
}

func (p *testPlatform) current() *testCPU { return p.cpus[p.cur] }

func (p *testPlatform) ReadMSR(reg uint32) (uint64, error) {
	v, ok := p.current().msrs[reg]
	if !ok {
		return 0, fmt.Errorf("no MSR %#x on CPU %d", reg, p.cur)
	}
	return v, nil
}

func (p *testPlatform) WriteMSR(reg uint32, value uint64) error {
	p.current().msrs[reg] = value
	return nil
}

func (p *testPlatform) ReadCR(n int) (uint64, error) {
	v, ok := p.current().crs[n]
	if !ok {
		return 0, fmt.Errorf("no CR%d on CPU %d", n, p.cur)
	}
	return v, nil
}

func (p *testPlatform) WriteCR(n int, value uint64) error {
	p.current().crs[n] = value
	return nil
}

func (p *testPlatform) Vmxon(pa platform.PhysAddr) error {
	cpu := p.current()
	cpu.vmxonCalls++
	if cpu.vmxonErr != nil {
		return cpu.vmxonErr
	}
	cpu.vmxonAddr = pa
	cpu.inVMX = true
	return nil
}

func (p *testPlatform) Vmxoff() error {
	cpu := p.current()
	cpu.vmxoffCalls++
	if cpu.vmxoffErr != nil {
		return cpu.vmxoffErr
	}
	cpu.inVMX = false
	return nil
}

func (p *testPlatform) NumCPUs() uint                { return uint(len(p.cpus)) }
func (p *testPlatform) OnlineMask() platform.CPUMask { return p.online }
func (p *testPlatform) CurrentCPU() uint             { return p.cur }

func (p *testPlatform) RunOnCPUs(mask platform.CPUMask, task func()) {
	p.broadcasts++
	prev := p.cur
	for cpu := uint(0); cpu < p.NumCPUs(); cpu++ {
		if mask.Contains(cpu) {
			p.cur = cpu
			task()
		}
	}
	p.cur = prev
}

func (p *testPlatform) AllocPage() (platform.PhysAddr, error) { return p.pool.AllocPage() }
func (p *testPlatform) FreePage(pa platform.PhysAddr)         { p.pool.FreePage(pa) }
func (p *testPlatform) PageBytes(pa platform.PhysAddr) []byte { return p.pool.PageBytes(pa) }

var _ platform.Platform = &testPlatform{}
