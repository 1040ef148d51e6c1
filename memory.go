package cyphalcan

// MemoryResource is the allocation contract for the byte buffers the core
// owns: TX frame payloads and RX session payload buffers (TxQueueItem and
// session records themselves are ordinary Go heap values). It plays
// the role of the C library's allocate/deallocate function pointer pair,
// generalized into a small Go interface so callers can hand the core a
// resource backed by peripheral RAM, a fixed block pool, or (the default)
// the Go heap.
//
// Allocate must run in constant time and may return nil to signal
// exhaustion; it is never retried by the core. Deallocate must be
// idempotent on a nil/empty slice.
type MemoryResource interface {
	Allocate(size int) []byte
	Deallocate(buf []byte)
}

// HeapResource is a MemoryResource backed directly by the Go allocator. It
// is the default used by Instance and NewTxQueue when no resource is
// supplied, and is adequate on any platform with a real heap; the
// BlockPoolResource below exists for the constrained targets this library
// is meant to also serve.
type HeapResource struct{}

func (HeapResource) Allocate(size int) []byte {
	if size == 0 {
		return []byte{}
	}
	return make([]byte, size)
}

func (HeapResource) Deallocate(buf []byte) {
	// Left to the garbage collector; present for symmetry with the
	// MemoryResource contract and so Instances can be written against the
	// interface without special-casing the heap-backed default.
}

// BlockPoolResource is a fixed-block allocator: every Allocate request
// small enough to fit in a block is served from one of a preallocated set of
// equal-sized blocks in O(1), and nothing is ever handed back to the Go
// heap after construction. This mirrors the "nested pool of fixed blocks"
// technique spec.md's design notes call out as a non-normative but
// acceptable strategy for bounding worst-case RAM on a target with no
// general-purpose allocator.
//
// Requests larger than the block size always fail (return nil); callers
// sizing a BlockPoolResource for TX queue payloads should use an MTU-sized
// block (8 or 64 bytes) and for RX session buffers the largest subscribed
// extent.
type BlockPoolResource struct {
	blockSize int
	free      [][]byte
}

// NewBlockPoolResource preallocates count blocks of blockSize bytes each.
func NewBlockPoolResource(blockSize, count int) *BlockPoolResource {
	p := &BlockPoolResource{
		blockSize: blockSize,
		free:      make([][]byte, 0, count),
	}
	for i := 0; i < count; i++ {
		p.free = append(p.free, make([]byte, blockSize))
	}
	return p
}

func (p *BlockPoolResource) Allocate(size int) []byte {
	if size > p.blockSize {
		return nil
	}
	n := len(p.free)
	if n == 0 {
		return nil
	}
	block := p.free[n-1]
	p.free = p.free[:n-1]
	return block[:size]
}

func (p *BlockPoolResource) Deallocate(buf []byte) {
	if buf == nil {
		return
	}
	p.free = append(p.free, buf[:cap(buf)])
}

// Available returns the number of free blocks, useful for tests and for
// the static memory-budget computation spec.md §5 describes.
func (p *BlockPoolResource) Available() int {
	return len(p.free)
}
