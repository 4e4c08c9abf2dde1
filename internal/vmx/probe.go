package vmx

import (
	"fmt"

	"github.com/karstos/karst/internal/platform"
)

// CPUCapabilities is the read-only VMX capability state of one CPU, as
// sampled by Probe.
type CPUCapabilities struct {
	CPU uint

	// VMXSupported is false when the capability MSRs are not implemented on
	// this CPU; the snapshots below are then zero.
	VMXSupported bool

	Basic BasicInfo
	Misc  MiscInfo
	Ept   EptInfo

	// FeatureControlLocked reports whether IA32_FEATURE_CONTROL is locked.
	FeatureControlLocked bool
	// VmxonAllowed reports whether VMXON outside SMX is currently allowed.
	VmxonAllowed bool
}

// Enableable reports whether the enable task's capability gates would pass on
// this CPU. It mirrors the gate sequence but draws no conclusion about the
// control registers, which can only be examined on the CPU itself.
func (c CPUCapabilities) Enableable() bool {
	if !c.VMXSupported {
		return false
	}
	if !c.Basic.IOExitInfo || !c.Basic.TrueControls {
		return false
	}
	if !c.Ept.PageWalk4 || !c.Ept.WriteBack || !c.Ept.EptFlags || !c.Ept.Invept {
		return false
	}
	if !c.Misc.WaitForSIPI {
		return false
	}
	if c.FeatureControlLocked && !c.VmxonAllowed {
		return false
	}
	return true
}

// cpuMSRs adapts an MSRProber to the per-CPU msrReader the snapshot
// constructors take.
type cpuMSRs struct {
	pr  platform.MSRProber
	cpu uint
}

func (c cpuMSRs) ReadMSR(reg uint32) (uint64, error) {
	return c.pr.ReadMSROnCPU(c.cpu, reg)
}

// Probe samples the VMX capabilities of every CPU the prober can see. A CPU
// whose VMX capability MSRs cannot be read does not support VMX at all; it is
// reported with an empty snapshot rather than failing the whole probe.
func Probe(pr platform.MSRProber) ([]CPUCapabilities, error) {
	numCPUs := pr.NumCPUs()
	if numCPUs == 0 {
		return nil, fmt.Errorf("probe: no CPUs visible")
	}

	caps := make([]CPUCapabilities, 0, numCPUs)
	for cpu := uint(0); cpu < numCPUs; cpu++ {
		r := cpuMSRs{pr: pr, cpu: cpu}
		c := CPUCapabilities{CPU: cpu}

		if basic, err := ReadBasicInfo(r); err == nil {
			c.VMXSupported = true
			c.Basic = basic
		}
		if misc, err := ReadMiscInfo(r); err == nil {
			c.Misc = misc
		}
		if ept, err := ReadEptInfo(r); err == nil {
			c.Ept = ept
		}
		if fc, err := r.ReadMSR(msrFeatureControl); err == nil {
			c.FeatureControlLocked = fc&featureControlLock != 0
			c.VmxonAllowed = fc&featureControlVmxon != 0
		}

		caps = append(caps, c)
	}
	return caps, nil
}
