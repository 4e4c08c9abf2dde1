package vmx

import (
	"fmt"

	"github.com/karstos/karst/internal/platform"
)

// Page is an exclusively owned physical page used as a VMXON or VMCS region.
// The physical address is the identity; the virtual mapping is derived on
// demand and never stored. The zero Page is unallocated, and Free on it is a
// no-op, so a half-built owner can release every slot unconditionally.
type Page struct {
	mem platform.Memory
	pa  platform.PhysAddr
}

// Alloc binds one physical page and fills it with fill. A Page can be
// allocated at most once. The capability snapshot gates the allocation: a
// control region larger than a page or one that cannot use write-back memory
// is unsupportable.
func (p *Page) Alloc(mem platform.Memory, basic BasicInfo, fill byte) error {
	if p.pa != 0 {
		panic("vmx: control page already allocated")
	}

	// Appendix A.1: region size is at most 4096, so one page always
	// suffices once this check passes.
	if uint(basic.RegionSize) > platform.PageSize {
		return fmt.Errorf("control region size %d exceeds page size: %w", basic.RegionSize, ErrUnsupported)
	}
	if !basic.WriteBack {
		return fmt.Errorf("write-back memory unusable for control regions: %w", ErrUnsupported)
	}

	pa, err := mem.AllocPage()
	if err != nil {
		return fmt.Errorf("allocate control page: %w", err)
	}

	p.mem = mem
	p.pa = pa

	buf := p.VirtualAddress()
	for i := range buf {
		buf[i] = fill
	}
	return nil
}

// PhysicalAddress returns the page's physical address. Calling it on an
// unallocated page is a programming error.
func (p *Page) PhysicalAddress() platform.PhysAddr {
	if p.pa == 0 {
		panic("vmx: control page not allocated")
	}
	return p.pa
}

// VirtualAddress returns the page's virtual mapping.
func (p *Page) VirtualAddress() []byte {
	if p.pa == 0 {
		panic("vmx: control page not allocated")
	}
	return p.mem.PageBytes(p.pa)
}

// Free returns the page to the allocator. Safe on an unallocated Page.
func (p *Page) Free() {
	if p.pa == 0 {
		return
	}
	p.mem.FreePage(p.pa)
	p.pa = 0
	p.mem = nil
}
