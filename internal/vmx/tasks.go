package vmx

import (
	"encoding/binary"
	"log/slog"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/karstos/karst/internal/platform"
)

// vmxonContext is shared by every CPU running the enable task during one
// broadcast.
type vmxonContext struct {
	pages []Page

	// mask accumulates one bit per CPU that reached VMX root operation.
	// Updated with an atomic fetch-or, so the final value is the union of
	// all completions regardless of ordering across CPUs.
	mask atomicbitops.Uint64
}

func (c *vmxonContext) succeededMask() platform.CPUMask {
	return platform.CPUMask(c.mask.Load())
}

// vmxonTask runs on the target CPU as part of a synchronous broadcast and
// attempts to bring that CPU into VMX root operation. Every step is a hard
// gate: on failure the task returns without setting its bit in the success
// mask. Capability gaps are deliberately silent; only the aggregate mismatch
// against the online mask is surfaced, by the caller.
func vmxonTask(p platform.Platform, ctx *vmxonContext) {
	cpu := p.CurrentCPU()
	page := &ctx.pages[cpu]

	// Capabilities are re-read on this core; per-core hardware may diverge.
	basic, err := ReadBasicInfo(p)
	if err != nil {
		return
	}

	// Exits on I/O instructions must carry decoded instruction information.
	if !basic.IOExitInfo {
		return
	}

	// The true VMX control MSRs must be available.
	if !basic.TrueControls {
		return
	}

	ept, err := ReadEptInfo(p)
	if err != nil {
		return
	}

	// A page-walk length of 4 must be supported.
	if !ept.PageWalk4 {
		return
	}

	// Write-back memory for EPT structures must be supported.
	if !ept.WriteBack {
		return
	}

	// Accessed and dirty flags for EPT must be supported.
	if !ept.EptFlags {
		return
	}

	// The INVEPT instruction must be supported.
	if !ept.Invept {
		return
	}

	// Wait-for-SIPI must be a supported activity state.
	misc, err := ReadMiscInfo(p)
	if err != nil {
		return
	}
	if !misc.WaitForSIPI {
		return
	}

	// Enable VMXON through IA32_FEATURE_CONTROL, if required.
	fc, err := p.ReadMSR(msrFeatureControl)
	if err != nil {
		return
	}
	if fc&featureControlLock == 0 || fc&featureControlVmxon == 0 {
		if fc&featureControlLock != 0 && fc&featureControlVmxon == 0 {
			// Locked with VMXON disallowed; cannot be changed until reset.
			return
		}
		fc |= featureControlLock
		fc |= featureControlVmxon
		if err := p.WriteMSR(msrFeatureControl, fc); err != nil {
			return
		}
	}

	// Check the control registers are in a VMX-friendly state. CR4 is
	// evaluated with VMXE already set, since that is the value we commit.
	cr0, err := p.ReadCR(0)
	if err != nil {
		return
	}
	cr0Fixed0, err := p.ReadMSR(msrVMXCR0Fixed0)
	if err != nil {
		return
	}
	cr0Fixed1, err := p.ReadMSR(msrVMXCR0Fixed1)
	if err != nil {
		return
	}
	if crInvalid(cr0, cr0Fixed0, cr0Fixed1) {
		return
	}

	cr4, err := p.ReadCR(4)
	if err != nil {
		return
	}
	cr4 |= cr4VMXE
	cr4Fixed0, err := p.ReadMSR(msrVMXCR4Fixed0)
	if err != nil {
		return
	}
	cr4Fixed1, err := p.ReadMSR(msrVMXCR4Fixed1)
	if err != nil {
		return
	}
	if crInvalid(cr4, cr4Fixed0, cr4Fixed1) {
		return
	}

	// Enable VMX using the VMXE bit.
	if err := p.WriteCR(4, cr4); err != nil {
		return
	}

	// Stamp the VMXON region with this core's revision identifier.
	binary.LittleEndian.PutUint32(page.VirtualAddress()[:4], basic.RevisionID)

	if err := p.Vmxon(page.PhysicalAddress()); err != nil {
		slog.Error("vmx: failed to turn on VMX", "cpu", cpu, "error", err)
		return
	}

	atomicbitops.OrUint64(&ctx.mask, 1<<cpu)
}

// vmxoffTask takes the calling CPU out of VMX root operation. Failures are
// logged, never propagated; this runs during rollback or teardown where
// there is no caller to report to.
func vmxoffTask(p platform.Platform) {
	if err := p.Vmxoff(); err != nil {
		slog.Error("vmx: failed to turn off VMX", "cpu", p.CurrentCPU(), "error", err)
		return
	}

	cr4, err := p.ReadCR(4)
	if err != nil {
		slog.Error("vmx: read CR4 after vmxoff", "cpu", p.CurrentCPU(), "error", err)
		return
	}
	if err := p.WriteCR(4, cr4&^cr4VMXE); err != nil {
		slog.Error("vmx: clear CR4.VMXE", "cpu", p.CurrentCPU(), "error", err)
	}
}
