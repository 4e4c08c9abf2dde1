package platform

import (
	"fmt"
	"sync"
)

// pagePoolBase keeps synthetic physical addresses away from the zero
// sentinel and page-aligned.
const pagePoolBase PhysAddr = 0x1000

// PagePool is a Memory implementation backed by ordinary allocations with
// synthetic physical addresses. It stands in for a real physical allocator in
// tests and single-process embeddings.
type PagePool struct {
	mu    sync.Mutex
	pages map[PhysAddr][]byte
	next  PhysAddr
	limit int
}

// NewPagePool returns a pool holding at most limit pages; limit 0 means
// unlimited.
func NewPagePool(limit int) *PagePool {
	return &PagePool{
		pages: make(map[PhysAddr][]byte),
		next:  pagePoolBase,
		limit: limit,
	}
}

// AllocPage implements Memory.
func (p *PagePool) AllocPage() (PhysAddr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.limit > 0 && len(p.pages) >= p.limit {
		return 0, fmt.Errorf("page pool exhausted (%d pages): %w", p.limit, ErrOutOfMemory)
	}

	pa := p.next
	p.next += PageSize
	p.pages[pa] = make([]byte, PageSize)
	return pa, nil
}

// FreePage implements Memory. Freeing an address the pool never handed out
// panics; that is a caller bug, not a runtime condition.
func (p *PagePool) FreePage(pa PhysAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.pages[pa]; !ok {
		panic(fmt.Sprintf("platform: free of unknown page %#x", uint64(pa)))
	}
	delete(p.pages, pa)
}

// PageBytes implements Memory.
func (p *PagePool) PageBytes(pa PhysAddr) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pages[pa]
}

// Live returns the number of pages currently allocated.
func (p *PagePool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pages)
}

var _ Memory = &PagePool{}
