package vmx

// msrReader is the read-only register surface the capability snapshots need.
// Satisfied by platform.Registers and by the per-CPU probe adapter.
type msrReader interface {
	ReadMSR(reg uint32) (uint64, error)
}

// BasicInfo is a snapshot of IA32_VMX_BASIC (SDM Vol. 3, Appendix A.1). It is
// a pure function of hardware state at the moment it is read; the enable task
// re-reads it on each core rather than caching one copy.
type BasicInfo struct {
	// RevisionID is the tag every VMXON and VMCS region must be stamped with.
	RevisionID uint32
	// RegionSize is the number of bytes to allocate for a control region.
	// Greater than 0 and at most 4096.
	RegionSize uint16
	// WriteBack reports whether write-back memory may back control regions.
	WriteBack bool
	// IOExitInfo reports whether VM exits on I/O instructions carry decoded
	// instruction information.
	IOExitInfo bool
	// TrueControls reports whether the "true" control MSRs are available.
	TrueControls bool
}

func ReadBasicInfo(r msrReader) (BasicInfo, error) {
	v, err := r.ReadMSR(msrVMXBasic)
	if err != nil {
		return BasicInfo{}, err
	}
	return BasicInfo{
		RevisionID:   uint32(fieldBits(v, 30, 0)),
		RegionSize:   uint16(fieldBits(v, 44, 32)),
		WriteBack:    fieldBits(v, 53, 50) == memoryTypeWriteBack,
		IOExitInfo:   testBit(v, 54),
		TrueControls: testBit(v, 55),
	}, nil
}

// MiscInfo is a snapshot of IA32_VMX_MISC (Appendix A.6).
type MiscInfo struct {
	// WaitForSIPI reports whether wait-for-SIPI is a legal guest activity
	// state.
	WaitForSIPI bool
	// MSRListLimit is the maximum number of entries in the VM-exit and
	// VM-entry MSR-swap lists.
	MSRListLimit uint32
}

func ReadMiscInfo(r msrReader) (MiscInfo, error) {
	v, err := r.ReadMSR(msrVMXMisc)
	if err != nil {
		return MiscInfo{}, err
	}
	return MiscInfo{
		WaitForSIPI:  testBit(v, 8),
		MSRListLimit: (uint32(fieldBits(v, 27, 25)) + 1) * 512,
	}, nil
}

// EptInfo is a snapshot of IA32_VMX_EPT_VPID_CAP (Appendix A.10).
type EptInfo struct {
	PageWalk4   bool
	WriteBack   bool
	PDE2MBPage  bool
	PDPE1GBPage bool
	// EptFlags reports support for EPT accessed and dirty flags.
	EptFlags bool
	ExitInfo bool
	// Invept is true only if the INVEPT instruction and both its
	// single-context and all-context types are supported.
	Invept bool
}

func ReadEptInfo(r msrReader) (EptInfo, error) {
	v, err := r.ReadMSR(msrVMXEptVpidCap)
	if err != nil {
		return EptInfo{}, err
	}
	return EptInfo{
		PageWalk4:   testBit(v, 6),
		WriteBack:   testBit(v, 14),
		PDE2MBPage:  testBit(v, 16),
		PDPE1GBPage: testBit(v, 17),
		EptFlags:    testBit(v, 21),
		ExitInfo:    testBit(v, 22),
		Invept:      testBit(v, 20) && testBit(v, 25) && testBit(v, 26),
	}, nil
}
