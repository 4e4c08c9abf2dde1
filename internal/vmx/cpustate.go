package vmx

import (
	"fmt"
	"math"

	"gvisor.dev/gvisor/pkg/bitmap"

	"github.com/karstos/karst/internal/platform"
)

// NumVpids is the cardinality of the VPID space: identifiers 1 through
// NumVpids, with 0 reserved to mean "no VPID".
const NumVpids = 65535

// cpuState owns one VMXON page per CPU slot and the VPID bitmap. It exists
// exactly while at least one VPID is leased; the Context constructs it on the
// 0→1 consumer transition and destroys it on 1→0.
type cpuState struct {
	plat  platform.Platform
	pages []Page
	vpids bitmap.Bitmap
}

// newCPUState allocates a VMXON page for every known CPU slot and broadcasts
// the enable task to every online CPU. Either every online CPU ends up in VMX
// root operation or none does: on a partial result the CPUs that did succeed
// are rolled back before the construction fails.
func newCPUState(p platform.Platform) (*cpuState, error) {
	numCPUs := p.NumCPUs()
	if numCPUs == 0 || numCPUs > platform.MaxCPUs {
		return nil, fmt.Errorf("cannot enable VMX for %d CPUs: %w", numCPUs, ErrUnsupported)
	}

	basic, err := ReadBasicInfo(p)
	if err != nil {
		return nil, fmt.Errorf("read VMX basic capabilities: %w", err)
	}

	pages := make([]Page, numCPUs)
	ok := false
	defer func() {
		if !ok {
			for i := range pages {
				pages[i].Free()
			}
		}
	}()

	// A failed page allocation aborts before any hardware state is touched.
	for i := range pages {
		if err := pages[i].Alloc(p, basic, 0); err != nil {
			return nil, err
		}
	}

	ctx := &vmxonContext{pages: pages}
	online := p.OnlineMask()
	p.RunOnCPUs(online, func() {
		vmxonTask(p, ctx)
	})

	if succeeded := ctx.succeededMask(); succeeded != online {
		// Roll back exactly the CPUs that made it, so none is left in VMX
		// operation while the machine as a whole is not.
		p.RunOnCPUs(succeeded, func() {
			vmxoffTask(p)
		})
		return nil, fmt.Errorf("enabled VMX on CPUs %#x of online %#x: %w",
			uint64(succeeded), uint64(online), ErrUnsupported)
	}

	ok = true
	return &cpuState{
		plat:  p,
		pages: pages,
		vpids: newVpidBitmap(),
	}, nil
}

func newVpidBitmap() bitmap.Bitmap {
	return bitmap.New(NumVpids)
}

// destroy broadcasts the disable task to every known CPU, online or not, and
// releases the VMXON pages. Teardown is symmetric and idempotent; it never
// fails.
func (s *cpuState) destroy() {
	p := s.plat
	p.RunOnCPUs(platform.MaskAll(p.NumCPUs()), func() {
		vmxoffTask(p)
	})

	for i := range s.pages {
		s.pages[i].Free()
	}
	s.pages = nil
}

// allocVpid leases the lowest free VPID.
func (s *cpuState) allocVpid() (uint16, error) {
	index, err := s.vpids.FirstZero(0)
	if err != nil || index >= NumVpids {
		return 0, ErrNoResources
	}
	if uint64(index)+1 > math.MaxUint16 {
		// Guards a bitmap larger than the VPID address space.
		return 0, ErrOutOfRange
	}
	s.vpids.Add(index)
	return uint16(index + 1), nil
}

// releaseVpid returns a leased VPID. VPID 0 and unleased VPIDs are rejected.
func (s *cpuState) releaseVpid(vpid uint16) error {
	if vpid == 0 {
		return ErrInvalidArgs
	}
	index := uint32(vpid - 1)
	if set, err := s.vpids.FirstOne(index); err != nil || set != index {
		return ErrInvalidArgs
	}
	s.vpids.Remove(index)
	return nil
}
