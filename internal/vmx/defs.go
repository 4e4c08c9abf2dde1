// Package vmx brings every online CPU into and out of VMX root operation and
// leases virtual-processor identifiers (VPIDs) to virtual machines. It
// establishes the precondition the VMCS layer builds on: the CPU is in VMX
// root operation and a VPID is reserved.
package vmx

// Model-specific registers consumed by this package. Numbering per the VMX
// capability reporting facility (SDM Vol. 3, Appendix A).
const (
	msrFeatureControl uint32 = 0x3a

	msrVMXBasic      uint32 = 0x480
	msrVMXMisc       uint32 = 0x485
	msrVMXCR0Fixed0  uint32 = 0x486
	msrVMXCR0Fixed1  uint32 = 0x487
	msrVMXCR4Fixed0  uint32 = 0x488
	msrVMXCR4Fixed1  uint32 = 0x489
	msrVMXEptVpidCap uint32 = 0x48c
)

// IA32_FEATURE_CONTROL bits. Once the lock bit is set the register cannot be
// rewritten until reset.
const (
	featureControlLock  uint64 = 1 << 0
	featureControlVmxon uint64 = 1 << 2 // VMXON allowed outside SMX
)

// CR4.VMXE enables VMX operation.
const cr4VMXE uint64 = 1 << 13

// Memory type encoding reported in IA32_VMX_BASIC bits 53:50.
const memoryTypeWriteBack = 6

// fieldBits extracts bits hi:lo of v, inclusive.
func fieldBits(v uint64, hi, lo uint) uint64 {
	return (v >> lo) & (1<<(hi-lo+1) - 1)
}

// testBit reports whether bit n of v is set.
func testBit(v uint64, n uint) bool {
	return v&(1<<n) != 0
}
