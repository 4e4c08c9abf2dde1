// Package karst is the hypervisor-enablement subsystem of the Karst kernel's
// x86 virtualization support. It probes per-CPU VMX capabilities, transitions
// every CPU into and out of VMX root operation as an all-or-nothing unit, and
// leases the VPIDs that keep TLB entries from aliasing across guests.
//
// The privileged surface (registers, VMXON/VMXOFF, cross-CPU broadcast,
// physical pages) is injected as a Platform; the core itself is portable.
package karst

import (
	"github.com/karstos/karst/internal/platform"
	"github.com/karstos/karst/internal/platform/factory"
	"github.com/karstos/karst/internal/vmx"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Platform is the privileged boundary the VMX core runs against.
type Platform = platform.Platform

// SimplePlatform implements Platform from optional function fields.
type SimplePlatform = platform.SimplePlatform

// PagePool is a Memory implementation with synthetic physical addresses.
type PagePool = platform.PagePool

// CPUMask is a set of logical CPU numbers.
type CPUMask = platform.CPUMask

// PhysAddr is a physical memory address.
type PhysAddr = platform.PhysAddr

// Context owns the VMX enable/disable lifecycle and the VPID lease pool.
type Context = vmx.Context

// CPUCapabilities is one CPU's VMX capability state as sampled by Probe.
type CPUCapabilities = vmx.CPUCapabilities

// BasicInfo, MiscInfo and EptInfo are the decoded capability snapshots.
type (
	BasicInfo = vmx.BasicInfo
	MiscInfo  = vmx.MiscInfo
	EptInfo   = vmx.EptInfo
)

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

// NumVpids is the number of issuable VPIDs; identifiers run 1..NumVpids.
const NumVpids = vmx.NumVpids

// PageSize is the physical page size used for control regions.
const PageSize = platform.PageSize

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Common sentinel errors, matched with errors.Is.
var (
	ErrUnsupported = vmx.ErrUnsupported
	ErrOutOfMemory = vmx.ErrOutOfMemory
	ErrNoResources = vmx.ErrNoResources
	ErrOutOfRange  = vmx.ErrOutOfRange
	ErrInvalidArgs = vmx.ErrInvalidArgs
	ErrInternal    = vmx.ErrInternal

	// ErrUnsupportedHost indicates capability probing is not available on
	// this host (non-Linux, missing msr driver, or insufficient privilege).
	ErrUnsupportedHost = platform.ErrUnsupportedHost
)

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// NewContext returns a Context over the given platform. The first AllocVpid
// call enables VMX on every online CPU; the last ReleaseVpid disables it.
func NewContext(p Platform) *Context {
	return vmx.NewContext(p)
}

// Probe reads the VMX capabilities of every CPU on the running host. It is a
// read-only inspection and needs only MSR read access, not a privileged
// execution environment.
func Probe() ([]CPUCapabilities, error) {
	pr, err := factory.OpenProber()
	if err != nil {
		return nil, err
	}
	defer pr.Close()

	return vmx.Probe(pr)
}
