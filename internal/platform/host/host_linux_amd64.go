//go:build linux && amd64

// Package host implements read-only MSR probing through the Linux msr driver.
// It can inspect VMX capabilities from user space but cannot enter VMX
// operation; the full platform surface needs a privileged environment.
package host

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/karstos/karst/internal/platform"
)

type Prober struct {
	numCPUs uint

	mu  sync.Mutex
	fds map[uint]int
}

// Open counts the CPUs exposed under /dev/cpu and verifies the msr device of
// CPU 0 is readable. Requires the msr kernel module and usually root.
func Open() (*Prober, error) {
	entries, err := os.ReadDir("/dev/cpu")
	if err != nil {
		return nil, fmt.Errorf("host: enumerate CPUs: %w", err)
	}

	var n uint
	for _, e := range entries {
		if _, err := fmt.Sscanf(e.Name(), "%d", new(uint)); err == nil {
			n++
		}
	}
	if n == 0 {
		return nil, fmt.Errorf("host: no CPUs under /dev/cpu: %w", platform.ErrUnsupportedHost)
	}

	p := &Prober{numCPUs: n, fds: make(map[uint]int)}
	if _, err := p.fd(0); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Prober) NumCPUs() uint { return p.numCPUs }

func (p *Prober) fd(cpu uint) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fd, ok := p.fds[cpu]; ok {
		return fd, nil
	}

	fd, err := unix.Open(fmt.Sprintf("/dev/cpu/%d/msr", cpu), unix.O_CLOEXEC|unix.O_RDONLY, 0)
	if err != nil && cpu == 0 {
		// Older msr driver naming.
		fd, err = unix.Open("/dev/msr0", unix.O_CLOEXEC|unix.O_RDONLY, 0)
	}
	if err != nil {
		return -1, fmt.Errorf("host: open msr device for CPU %d: %w", cpu, err)
	}

	p.fds[cpu] = fd
	return fd, nil
}

// ReadMSROnCPU implements platform.MSRProber. The msr driver reads the
// register on the CPU named by the device path, not the calling CPU.
func (p *Prober) ReadMSROnCPU(cpu uint, reg uint32) (uint64, error) {
	fd, err := p.fd(cpu)
	if err != nil {
		return 0, err
	}

	var buf [8]byte
	n, err := unix.Pread(fd, buf[:], int64(reg))
	if err != nil {
		return 0, fmt.Errorf("host: read MSR %#x on CPU %d: %w", reg, cpu, err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("host: short read of MSR %#x on CPU %d", reg, cpu)
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (p *Prober) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for cpu, fd := range p.fds {
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("host: close msr device for CPU %d: %w", cpu, err)
		}
	}
	p.fds = make(map[uint]int)
	return firstErr
}

var _ platform.MSRProber = &Prober{}
