package cyphalcan

import (
	"github.com/oklabs/cyphalcan/internal/crc"
)

// validateMetadata checks the invariants spec.md §4.6 step 1 requires
// regardless of payload or local node-ID.
func validateMetadata(meta TransferMetadata) error {
	if !meta.Priority.valid() {
		return ErrInvalidArgument
	}
	if err := validatePortID(meta.Kind, meta.PortID); err != nil {
		return err
	}
	switch meta.Kind {
	case KindMessage:
		if !meta.RemoteNodeID.IsUnset() {
			return ErrInvalidArgument
		}
	case KindRequest, KindResponse:
		if meta.RemoteNodeID.IsUnset() {
			return ErrInvalidArgument
		}
	default:
		return ErrInvalidArgument
	}
	return nil
}

// Push segments a transfer into one or more frames and enqueues them under
// strict CAN arbitration order (spec.md §4.6). It returns the number of
// frames enqueued, or an error with none of this transfer's frames left in
// the queue (frames expired by nowUsec stay expired).
//
// nowUsec, when non-zero, opportunistically expires deadline-elapsed
// frames before this transfer is allocated, so a high-priority push can
// reclaim space a stale low-priority transfer was holding.
func (q *TxQueue) Push(inst *Instance, txDeadlineUsec Timestamp, meta TransferMetadata, payload []byte, nowUsec Timestamp) (int, error) {
	if err := validateMetadata(meta); err != nil {
		return 0, err
	}
	if len(payload) > 0 && payload == nil {
		return 0, ErrInvalidArgument
	}

	anonymous := inst.NodeID.IsUnset() && meta.Kind == KindMessage
	if inst.NodeID.IsUnset() && meta.Kind != KindMessage {
		return 0, ErrInvalidArgument
	}
	if anonymous && len(payload) > q.mtu-1 {
		return 0, ErrInvalidArgument
	}

	var srcID NodeID
	if anonymous {
		srcID = derivePseudoSourceID(payload)
	} else {
		srcID = inst.NodeID
	}

	var canID uint32
	switch meta.Kind {
	case KindMessage:
		canID = composeMessageID(meta.Priority, meta.PortID, srcID, anonymous)
	case KindRequest:
		canID = composeServiceID(meta.Priority, meta.PortID, srcID, meta.RemoteNodeID, true)
	case KindResponse:
		canID = composeServiceID(meta.Priority, meta.PortID, srcID, meta.RemoteNodeID, false)
	}

	if nowUsec != 0 {
		q.expire(nowUsec)
	}

	tid := normalizeTransferID(meta.TransferID)

	if len(payload) <= q.mtu-1 {
		buf := q.resource.Allocate(len(payload) + 1)
		if buf == nil {
			return 0, ErrOutOfMemory
		}
		copy(buf, payload)
		buf[len(payload)] = tailByte(true, true, true, tid)
		item := &TxQueueItem{frame: Frame{ID: canID, Payload: buf}, deadlineUsec: txDeadlineUsec}
		if err := q.insert(item); err != nil {
			q.resource.Deallocate(buf)
			return 0, err
		}
		inst.log().Debugf("tx push single-frame id=%#x len=%d tid=%d", canID, len(payload), tid)
		return 1, nil
	}

	n, err := q.pushMultiFrame(canID, txDeadlineUsec, tid, payload)
	if err == nil {
		inst.log().Debugf("tx push multi-frame id=%#x len=%d tid=%d frames=%d", canID, len(payload), tid, n)
	}
	return n, err
}

// pushMultiFrame implements the segmentation rules of spec.md §4.6 step 4:
// equal-size chunks of mtu-1 payload bytes each, with the CRC trailer and
// any DLC padding folded into whichever frame has room for them (normally
// the last, but spilling into one extra CRC-only frame when the final
// payload chunk is mtu-2 or mtu-1 bytes long and leaves no room for it).
func (q *TxQueue) pushMultiFrame(canID uint32, deadline Timestamp, tid TransferID, payload []byte) (int, error) {
	mtu := q.mtu
	chunkSize := mtu - 1
	n := len(payload)

	runningCRC := crc.New()
	runningCRC.Add(payload)

	var head, tail *TxQueueItem
	frameCount := 0
	toggle := true
	offset := 0

	rollback := func() {
		for cur := head; cur != nil; {
			next := cur.nextInTransfer
			if q.contains(cur) {
				q.Pop(cur)
			}
			q.resource.Deallocate(cur.frame.Payload)
			cur = next
		}
	}

	appendItem := func(buf []byte) error {
		item := &TxQueueItem{frame: Frame{ID: canID, Payload: buf}, deadlineUsec: deadline}
		if head == nil {
			head = item
		} else {
			tail.nextInTransfer = item
		}
		tail = item
		if err := q.insert(item); err != nil {
			return err
		}
		frameCount++
		return nil
	}

	buildTrailerFrame := func(chunk []byte, sot, eot bool) []byte {
		minLen := len(chunk) + 2 + 1
		dlc := LengthToDLC(minLen)
		bufLen := DLCToLength(uint8(dlc))
		buf := q.resource.Allocate(bufLen)
		if buf == nil {
			return nil
		}
		padStart := copy(buf, chunk)
		padEnd := bufLen - 3
		for i := padStart; i < padEnd; i++ {
			buf[i] = 0
		}
		if padEnd > padStart {
			runningCRC.Add(buf[padStart:padEnd])
		}
		crcVal := runningCRC.Value()
		buf[bufLen-3] = byte(crcVal)
		buf[bufLen-2] = byte(crcVal >> 8)
		buf[bufLen-1] = tailByte(sot, eot, toggle, tid)
		return buf
	}

	for {
		remaining := n - offset
		sot := offset == 0

		if remaining <= chunkSize-2 {
			buf := buildTrailerFrame(payload[offset:n], sot, true)
			if buf == nil {
				rollback()
				return 0, ErrOutOfMemory
			}
			if err := appendItem(buf); err != nil {
				rollback()
				return 0, err
			}
			break
		}

		if remaining <= chunkSize {
			// This chunk fills the frame exactly (or leaves only one spare
			// byte), with no room left for the 2-byte CRC: it becomes a
			// plain data frame, and the CRC spills into one more frame.
			chunk := payload[offset:n]
			minLen := len(chunk) + 1
			dlc := LengthToDLC(minLen)
			bufLen := DLCToLength(uint8(dlc))
			buf := q.resource.Allocate(bufLen)
			if buf == nil {
				rollback()
				return 0, ErrOutOfMemory
			}
			w := copy(buf, chunk)
			for i := w; i < bufLen-1; i++ {
				buf[i] = 0
			}
			if bufLen-1 > w {
				runningCRC.Add(buf[w : bufLen-1])
			}
			buf[bufLen-1] = tailByte(sot, false, toggle, tid)
			if err := appendItem(buf); err != nil {
				rollback()
				return 0, err
			}
			offset = n
			toggle = !toggle

			trailer := buildTrailerFrame(nil, false, true)
			if trailer == nil {
				rollback()
				return 0, ErrOutOfMemory
			}
			if err := appendItem(trailer); err != nil {
				rollback()
				return 0, err
			}
			break
		}

		chunk := payload[offset : offset+chunkSize]
		buf := q.resource.Allocate(mtu)
		if buf == nil {
			rollback()
			return 0, ErrOutOfMemory
		}
		copy(buf, chunk)
		buf[mtu-1] = tailByte(sot, false, toggle, tid)
		if err := appendItem(buf); err != nil {
			rollback()
			return 0, err
		}
		offset += chunkSize
		toggle = !toggle
	}

	return frameCount, nil
}

// TxFrameHandler is invoked by Poll with the highest-priority pending
// frame. A positive return pops and frees it; zero leaves the queue
// untouched (e.g. the driver's TX mailbox is full); negative drops the
// rest of the frame's transfer (e.g. the driver hit a permanent error).
type TxFrameHandler func(userReference any, item *TxQueueItem) int

// Poll is the convenience driver loop body: expire stale frames, peek the
// highest-priority one, hand it to handler, and act on the result.
// Returns the handler's result, or 0 if the queue is empty.
func (q *TxQueue) Poll(inst *Instance, nowUsec Timestamp, userReference any, handler TxFrameHandler) int {
	q.expire(nowUsec)
	item := q.Peek()
	if item == nil {
		return 0
	}
	result := handler(userReference, item)
	switch {
	case result > 0:
		q.Pop(item)
		q.Free(item)
	case result < 0:
		q.dropTransfer(item)
	}
	return result
}

// dropTransfer pops and frees item and every frame still queued after it
// in the same transfer's chain.
func (q *TxQueue) dropTransfer(item *TxQueueItem) {
	for cur := item; cur != nil; cur = cur.nextInTransfer {
		if !q.contains(cur) {
			continue
		}
		q.Pop(cur)
		q.Free(cur)
	}
}
