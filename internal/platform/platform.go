// Package platform is the privileged boundary between the VMX core and the
// machine it runs on: register access, the VMXON/VMXOFF instructions, CPU
// topology with a synchronous cross-CPU broadcast, and physical page
// allocation. Everything above this package is portable; everything
// environment-specific lives in an implementation of these interfaces.
package platform

import (
	"errors"
	"io"
	"math/bits"
)

var (
	ErrUnsupportedHost = errors.New("platform unsupported on this host")
	ErrNotPrivileged   = errors.New("operation requires a privileged execution environment")
	ErrOutOfMemory     = errors.New("out of physical memory")
)

// PhysAddr is a physical memory address. Zero is the "unallocated" sentinel
// and is never returned by a Memory implementation.
type PhysAddr uint64

// PageSize is the size of a physical page handed out by Memory.
const PageSize = 4096

// MaxCPUs bounds the number of logical CPUs a CPUMask can describe.
const MaxCPUs = 64

// CPUMask is a set of logical CPU numbers; CPU n is bit n.
type CPUMask uint64

// MaskAll returns the mask containing CPUs 0 through n-1.
func MaskAll(n uint) CPUMask {
	if n >= MaxCPUs {
		return ^CPUMask(0)
	}
	return CPUMask(1)<<n - 1
}

// Contains reports whether cpu is in the mask.
func (m CPUMask) Contains(cpu uint) bool {
	return cpu < MaxCPUs && m&(CPUMask(1)<<cpu) != 0
}

// Count returns the number of CPUs in the mask.
func (m CPUMask) Count() int {
	return bits.OnesCount64(uint64(m))
}

// MSRs reads and writes model-specific registers on the calling CPU.
type MSRs interface {
	ReadMSR(reg uint32) (uint64, error)
	WriteMSR(reg uint32, value uint64) error
}

// ControlRegisters reads and writes control registers on the calling CPU.
type ControlRegisters interface {
	ReadCR(n int) (uint64, error)
	WriteCR(n int, value uint64) error
}

// Registers is the full register-access surface required by the enable and
// disable tasks.
type Registers interface {
	MSRs
	ControlRegisters
}

// VMX executes the VMX root-operation entry and exit instructions on the
// calling CPU.
type VMX interface {
	// Vmxon enters VMX root operation using the VMXON region at pa.
	Vmxon(pa PhysAddr) error
	// Vmxoff leaves VMX root operation.
	Vmxoff() error
}

// Topology describes the machine's logical CPUs and provides the synchronous
// cross-CPU broadcast the enable and disable sequences are built on.
type Topology interface {
	// NumCPUs returns the number of CPU slots known to the system. Slots are
	// numbered 0 through NumCPUs()-1; not all of them need be online.
	NumCPUs() uint

	// OnlineMask returns the set of CPUs currently online.
	OnlineMask() CPUMask

	// CurrentCPU returns the logical number of the calling CPU.
	CurrentCPU() uint

	// RunOnCPUs executes task once on every CPU in mask and blocks the
	// caller until all of them have completed it. There is no cancellation;
	// tasks are expected to be bounded instruction sequences.
	RunOnCPUs(mask CPUMask, task func())
}

// Memory allocates physical pages and translates them to virtual mappings.
type Memory interface {
	// AllocPage allocates one physical page. The returned address is never
	// zero. Fails with an error wrapping ErrOutOfMemory on exhaustion.
	AllocPage() (PhysAddr, error)

	// FreePage returns a page obtained from AllocPage to the allocator.
	FreePage(pa PhysAddr)

	// PageBytes returns the virtual mapping of an allocated page as a
	// PageSize-byte slice.
	PageBytes(pa PhysAddr) []byte
}

// Platform is the complete privileged surface the VMX core runs against.
type Platform interface {
	Registers
	VMX
	Topology
	Memory
}

// MSRProber reads model-specific registers on a chosen CPU. It is the
// read-only surface needed for capability inspection and is implementable
// from user space, unlike Platform.
type MSRProber interface {
	io.Closer

	NumCPUs() uint
	ReadMSROnCPU(cpu uint, reg uint32) (uint64, error)
}
