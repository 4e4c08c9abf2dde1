package vmx

import (
	"errors"

	"github.com/karstos/karst/internal/platform"
)

var (
	// ErrUnsupported means a required hardware capability is absent, or not
	// every online CPU could be brought into VMX operation.
	ErrUnsupported = errors.New("virtualization not supported by this processor")

	// ErrOutOfMemory is the page allocator's exhaustion report, propagated
	// unchanged.
	ErrOutOfMemory = platform.ErrOutOfMemory

	// ErrNoResources means the VPID space is exhausted.
	ErrNoResources = errors.New("no free virtual-processor identifiers")

	// ErrOutOfRange guards the VPID bitmap against exceeding the VPID
	// address space. It should be unreachable.
	ErrOutOfRange = errors.New("virtual-processor identifier out of range")

	// ErrInvalidArgs is returned for a release of VPID 0 or of a VPID that
	// is not currently leased.
	ErrInvalidArgs = errors.New("invalid virtual-processor identifier")

	// ErrInternal means a privileged instruction reported failure.
	ErrInternal = errors.New("privileged instruction failed")
)
