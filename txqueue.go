package cyphalcan

import (
	"github.com/tidwall/btree"
)

// TxQueueItem owns one outgoing CAN frame plus its queue bookkeeping. It is
// a member of two trees at once: priorityTree orders it by CAN arbitration
// priority (the 29-bit ID, smaller wins), deadlineTree orders it by
// tx_deadline_usec for O(log n) bulk expiry.
type TxQueueItem struct {
	frame Frame

	// deadlineUsec is the caller-supplied absolute deadline; 0 means
	// "never expire by deadline".
	deadlineUsec Timestamp

	// seq breaks ties within the same CAN-ID (or the same deadline) in
	// insertion order, giving FIFO order within a transfer and within a
	// single priority.
	seq uint64

	// nextInTransfer links to the next frame of the same transfer so a
	// mid-transfer abort (deadline expiry, handler rejection, OOM unwind)
	// can walk and drop the whole chain.
	nextInTransfer *TxQueueItem
}

// effectiveDeadline treats a zero deadline as "infinite" for ordering
// purposes: such items always sort after every item with a real deadline
// and are never popped by expire.
func effectiveDeadline(item *TxQueueItem) Timestamp {
	if item.deadlineUsec == 0 {
		return ^Timestamp(0)
	}
	return item.deadlineUsec
}

func lessByPriority(a, b *TxQueueItem) bool {
	if a.frame.ID != b.frame.ID {
		return a.frame.ID < b.frame.ID
	}
	return a.seq < b.seq
}

func lessByDeadline(a, b *TxQueueItem) bool {
	ad, bd := effectiveDeadline(a), effectiveDeadline(b)
	if ad != bd {
		return ad < bd
	}
	return a.seq < b.seq
}

// TxQueueStats tracks counters a caller can sample; Lost mirrors spec.md
// §4.5's "dropped-frame counter".
type TxQueueStats struct {
	Lost uint64
}

// TxQueue is a bounded, priority-ordered queue of outgoing frames. It
// preserves strict CAN arbitration order across every pending transfer,
// preventing inner priority inversion within its own backlog (spec.md
// §4.6, "Anti-priority-inversion guarantee").
type TxQueue struct {
	resource MemoryResource
	capacity int
	mtu      int

	priorityTree *btree.BTreeG[*TxQueueItem]
	deadlineTree *btree.BTreeG[*TxQueueItem]

	size    int
	nextSeq uint64

	Stats TxQueueStats
}

// NewTxQueue creates a queue bounded to capacity frames, each up to mtu
// bytes of payload (MTUClassic or MTUFD). resource may be nil, in which
// case a HeapResource is used; a queue is free to use a resource distinct
// from its owning Instance's, e.g. to keep frame buffers in peripheral RAM.
func NewTxQueue(capacity, mtu int, resource MemoryResource) *TxQueue {
	if resource == nil {
		resource = HeapResource{}
	}
	return &TxQueue{
		resource:     resource,
		capacity:     capacity,
		mtu:          mtu,
		priorityTree: btree.NewBTreeG(lessByPriority),
		deadlineTree: btree.NewBTreeG(lessByDeadline),
	}
}

// Len returns the number of frames currently enqueued.
func (q *TxQueue) Len() int {
	return q.size
}

// Peek returns the highest-priority pending frame without removing it, or
// nil if the queue is empty.
func (q *TxQueue) Peek() *TxQueueItem {
	item, ok := q.priorityTree.Min()
	if !ok {
		return nil
	}
	return item
}

// Frame returns the wire frame an item holds; exported for driver code
// that only has a *TxQueueItem from Peek/Poll.
func (item *TxQueueItem) Frame() Frame {
	return item.frame
}

// Pop detaches item from both trees without freeing it. The caller must
// subsequently call Free (directly, or by way of Poll's positive-return
// path), or take ownership of item.frame.Payload and free it independently.
func (q *TxQueue) Pop(item *TxQueueItem) {
	if item == nil {
		return
	}
	if _, ok := q.priorityTree.Delete(item); ok {
		q.size--
	}
	q.deadlineTree.Delete(item)
}

// Free releases an item's frame payload back to the queue's memory
// resource. It does not touch the trees; call Pop first if item is still
// enqueued.
func (q *TxQueue) Free(item *TxQueueItem) {
	if item == nil {
		return
	}
	q.resource.Deallocate(item.frame.Payload)
}

// insert adds a single already-built item, enforcing the capacity bound.
func (q *TxQueue) insert(item *TxQueueItem) error {
	if q.size >= q.capacity {
		return ErrOutOfMemory
	}
	item.seq = q.nextSeq
	q.nextSeq++
	q.priorityTree.Set(item)
	q.deadlineTree.Set(item)
	q.size++
	return nil
}

// contains reports whether item is still a member of the queue.
func (q *TxQueue) contains(item *TxQueueItem) bool {
	_, ok := q.priorityTree.Get(item)
	return ok
}

// expire pops and frees every frame (and the rest of its transfer's frame
// chain) whose deadline has elapsed by nowUsec. It is invoked
// opportunistically by Push and Poll; a deadline of 0 never expires.
func (q *TxQueue) expire(nowUsec Timestamp) {
	for {
		head, ok := q.deadlineTree.Min()
		if !ok {
			return
		}
		if head.deadlineUsec == 0 || head.deadlineUsec > nowUsec {
			return
		}
		for cur := head; cur != nil; cur = cur.nextInTransfer {
			if !q.contains(cur) {
				continue
			}
			q.Pop(cur)
			q.Free(cur)
			q.Stats.Lost++
		}
	}
}
