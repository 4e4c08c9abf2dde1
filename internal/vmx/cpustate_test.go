package vmx

import (
	"errors"
	"testing"

	"github.com/karstos/karst/internal/platform"
)

func TestCPUStateEnableAll(t *testing.T) {
	p := newTestPlatform(4)

	state, err := newCPUState(p)
	if err != nil {
		t.Fatalf("newCPUState: %v", err)
	}

	for i, cpu := range p.cpus {
		if !cpu.inVMX {
			t.Errorf("CPU %d not in VMX operation", i)
		}
	}
	if got := p.pool.Live(); got != 4 {
		t.Errorf("%d VMXON pages live, want 4", got)
	}

	state.destroy()

	for i, cpu := range p.cpus {
		if cpu.inVMX {
			t.Errorf("CPU %d still in VMX operation after destroy", i)
		}
		if cpu.vmxoffCalls != 1 {
			t.Errorf("CPU %d: vmxoff executed %d times, want 1", i, cpu.vmxoffCalls)
		}
	}
	if got := p.pool.Live(); got != 0 {
		t.Errorf("%d pages live after destroy", got)
	}
}

func TestCPUStateAllOrNothing(t *testing.T) {
	// CPU 2 always fails; construction must fail with ErrUnsupported and
	// roll back exactly the CPUs that succeeded.
	p := newTestPlatform(4)
	p.cpus[2].vmxonErr = errors.New("vmxon faulted")

	_, err := newCPUState(p)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("newCPUState: err = %v, want ErrUnsupported", err)
	}

	for _, i := range []int{0, 1, 3} {
		cpu := p.cpus[i]
		if cpu.vmxoffCalls != 1 {
			t.Errorf("CPU %d: vmxoff executed %d times, want exactly 1", i, cpu.vmxoffCalls)
		}
		if cpu.inVMX {
			t.Errorf("CPU %d left in VMX operation", i)
		}
	}
	if p.cpus[2].vmxoffCalls != 0 {
		t.Errorf("failed CPU 2 received %d vmxoff calls", p.cpus[2].vmxoffCalls)
	}
	if got := p.pool.Live(); got != 0 {
		t.Errorf("%d pages leaked by failed construction", got)
	}
}

func TestCPUStatePageAllocationFailure(t *testing.T) {
	// Pages for 4 CPUs cannot come from a 2-page pool. The failure must be
	// reported before any broadcast is attempted.
	p := newTestPlatform(4)
	p.pool = platform.NewPagePool(2)

	_, err := newCPUState(p)
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("newCPUState: err = %v, want ErrOutOfMemory", err)
	}
	if p.broadcasts != 0 {
		t.Errorf("%d broadcasts despite page allocation failure", p.broadcasts)
	}
	for i, cpu := range p.cpus {
		if cpu.vmxonCalls != 0 {
			t.Errorf("CPU %d: vmxon executed with no pages", i)
		}
	}
	if got := p.pool.Live(); got != 0 {
		t.Errorf("%d pages leaked by failed construction", got)
	}
}

func TestCPUStateOfflineCPUSkipped(t *testing.T) {
	// CPU 1 is offline: it gets a page slot but no enable task, and the
	// construction still succeeds against the online mask.
	p := newTestPlatform(3)
	p.online = 0b101

	state, err := newCPUState(p)
	if err != nil {
		t.Fatalf("newCPUState: %v", err)
	}
	defer state.destroy()

	if p.cpus[1].vmxonCalls != 0 {
		t.Error("offline CPU ran the enable task")
	}
	if !p.cpus[0].inVMX || !p.cpus[2].inVMX {
		t.Error("online CPUs not in VMX operation")
	}
}

func TestVpidLowestFreeReuse(t *testing.T) {
	state := &cpuState{vpids: newVpidBitmap()}

	for want := uint16(1); want <= 5; want++ {
		got, err := state.allocVpid()
		if err != nil {
			t.Fatalf("allocVpid: %v", err)
		}
		if got != want {
			t.Fatalf("allocVpid = %d, want %d", got, want)
		}
	}
	for vpid := uint16(1); vpid <= 5; vpid++ {
		if err := state.releaseVpid(vpid); err != nil {
			t.Fatalf("releaseVpid(%d): %v", vpid, err)
		}
	}

	// Lowest free wins, not next-never-used.
	got, err := state.allocVpid()
	if err != nil {
		t.Fatalf("allocVpid: %v", err)
	}
	if got != 1 {
		t.Errorf("allocVpid after release = %d, want 1", got)
	}
}

func TestVpidExhaustion(t *testing.T) {
	state := &cpuState{vpids: newVpidBitmap()}

	for i := 1; i <= NumVpids; i++ {
		vpid, err := state.allocVpid()
		if err != nil {
			t.Fatalf("allocVpid #%d: %v", i, err)
		}
		if int(vpid) != i {
			t.Fatalf("allocVpid #%d = %d", i, vpid)
		}
	}

	if _, err := state.allocVpid(); !errors.Is(err, ErrNoResources) {
		t.Fatalf("allocVpid on full bitmap: err = %v, want ErrNoResources", err)
	}

	// Releasing one makes room for exactly one more.
	if err := state.releaseVpid(777); err != nil {
		t.Fatalf("releaseVpid: %v", err)
	}
	vpid, err := state.allocVpid()
	if err != nil {
		t.Fatalf("allocVpid after release: %v", err)
	}
	if vpid != 777 {
		t.Errorf("allocVpid after release = %d, want 777", vpid)
	}
	if _, err := state.allocVpid(); !errors.Is(err, ErrNoResources) {
		t.Errorf("bitmap not full again after single release and alloc: %v", err)
	}
}

func TestVpidInvalidRelease(t *testing.T) {
	state := &cpuState{vpids: newVpidBitmap()}

	if err := state.releaseVpid(0); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("releaseVpid(0): err = %v, want ErrInvalidArgs", err)
	}
	if err := state.releaseVpid(7); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("releaseVpid of unleased VPID: err = %v, want ErrInvalidArgs", err)
	}

	vpid, err := state.allocVpid()
	if err != nil {
		t.Fatalf("allocVpid: %v", err)
	}
	if err := state.releaseVpid(vpid + 1); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("releaseVpid of neighbouring VPID: err = %v, want ErrInvalidArgs", err)
	}
	if err := state.releaseVpid(vpid); err != nil {
		t.Errorf("releaseVpid of leased VPID: %v", err)
	}
	if err := state.releaseVpid(vpid); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("double release: err = %v, want ErrInvalidArgs", err)
	}
}
