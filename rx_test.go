package cyphalcan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pushAndDeliver drives payload through a real TxQueue.Push and feeds every
// resulting frame, in arbitration order, into dst.Accept. It returns the
// result of the last Accept call (the one that would complete the
// transfer, if any).
func pushAndDeliver(t *testing.T, src, dst *Instance, meta TransferMetadata, payload []byte, nowUsec Timestamp) (Transfer, bool) {
	t.Helper()
	q := NewTxQueue(16, MTUClassic, nil)
	_, err := q.Push(src, 0, meta, payload, 0)
	require.NoError(t, err)

	var xfer Transfer
	var ok bool
	for q.Len() > 0 {
		item := q.Peek()
		xfer, ok = dst.Accept(item.Frame(), nowUsec)
		q.Pop(item)
		q.Free(item)
	}
	return xfer, ok
}

func TestAcceptRoundTripSingleFrame(t *testing.T) {
	src := NewInstance(10, nil)
	dst := NewInstance(20, nil)
	_, err := dst.Subscribe(KindMessage, 42, 256, 0, nil)
	require.NoError(t, err)

	meta := TransferMetadata{Priority: PriorityNominal, Kind: KindMessage, PortID: 42, RemoteNodeID: NodeIDUnset, TransferID: 1}
	xfer, ok := pushAndDeliver(t, src, dst, meta, []byte("hi"), 1000)
	require.True(t, ok)
	assert.Equal(t, []byte("hi"), xfer.Payload)
	assert.EqualValues(t, 10, xfer.Metadata.RemoteNodeID)
	assert.EqualValues(t, 1, xfer.Metadata.TransferID)
}

func TestAcceptRoundTripMultiFrame(t *testing.T) {
	src := NewInstance(10, nil)
	dst := NewInstance(20, nil)
	_, err := dst.Subscribe(KindMessage, 42, 256, 0, nil)
	require.NoError(t, err)

	payload := make([]byte, 30)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	meta := TransferMetadata{Priority: PriorityNominal, Kind: KindMessage, PortID: 42, RemoteNodeID: NodeIDUnset, TransferID: 2}
	xfer, ok := pushAndDeliver(t, src, dst, meta, payload, 1000)
	require.True(t, ok)
	assert.Equal(t, payload, xfer.Payload)
}

// Regresses a CRC miscalculation where the zero-padding bytes written to
// round a CAN FD chunk up to its DLC length weren't fed into the running
// CRC: an exact-fill chunk (no room left for the CRC trailer in the same
// frame) spills the trailer into its own frame and pads the data frame
// with zero bytes that must still participate in the CRC like any other
// transmitted byte.
func TestAcceptRoundTripMultiFrameFD(t *testing.T) {
	src := NewInstance(10, nil)
	dst := NewInstance(20, nil)
	_, err := dst.Subscribe(KindMessage, 42, 256, 0, nil)
	require.NoError(t, err)

	payload := make([]byte, 125)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	meta := TransferMetadata{Priority: PriorityNominal, Kind: KindMessage, PortID: 42, RemoteNodeID: NodeIDUnset, TransferID: 2}

	q := NewTxQueue(16, MTUFD, nil)
	_, pushErr := q.Push(src, 0, meta, payload, 0)
	require.NoError(t, pushErr)

	var xfer Transfer
	var ok bool
	for q.Len() > 0 {
		item := q.Peek()
		xfer, ok = dst.Accept(item.Frame(), 1000)
		q.Pop(item)
		q.Free(item)
	}
	require.True(t, ok)
	assert.Equal(t, payload, xfer.Payload)
}

func TestAcceptRoundTripService(t *testing.T) {
	src := NewInstance(10, nil)
	dst := NewInstance(20, nil)
	_, err := dst.Subscribe(KindRequest, 7, 64, 0, nil)
	require.NoError(t, err)

	meta := TransferMetadata{Priority: PriorityHigh, Kind: KindRequest, PortID: 7, RemoteNodeID: 20, TransferID: 4}
	xfer, ok := pushAndDeliver(t, src, dst, meta, []byte{1, 2, 3}, 1000)
	require.True(t, ok)
	assert.Equal(t, KindRequest, xfer.Metadata.Kind)
}

func TestAcceptIgnoresServiceAddressedToAnotherNode(t *testing.T) {
	src := NewInstance(10, nil)
	dst := NewInstance(21, nil) // not the destination
	_, err := dst.Subscribe(KindRequest, 7, 64, 0, nil)
	require.NoError(t, err)

	meta := TransferMetadata{Priority: PriorityHigh, Kind: KindRequest, PortID: 7, RemoteNodeID: 20, TransferID: 4}
	_, ok := pushAndDeliver(t, src, dst, meta, []byte{1, 2, 3}, 1000)
	assert.False(t, ok)
}

func TestAcceptIgnoresUnsubscribedPort(t *testing.T) {
	src := NewInstance(10, nil)
	dst := NewInstance(20, nil)
	// no subscription at all

	meta := TransferMetadata{Priority: PriorityNominal, Kind: KindMessage, PortID: 42, RemoteNodeID: NodeIDUnset, TransferID: 1}
	_, ok := pushAndDeliver(t, src, dst, meta, []byte("hi"), 1000)
	assert.False(t, ok)
}

func TestAcceptRejectsEmptyFrame(t *testing.T) {
	dst := NewInstance(20, nil)
	_, err := dst.Subscribe(KindMessage, 42, 256, 0, nil)
	require.NoError(t, err)
	_, ok := dst.Accept(Frame{ID: 0, Payload: nil}, 0)
	assert.False(t, ok)
}

func TestAcceptTruncatesToExtent(t *testing.T) {
	src := NewInstance(10, nil)
	dst := NewInstance(20, nil)
	_, err := dst.Subscribe(KindMessage, 42, 4, 0, nil) // extent smaller than payload
	require.NoError(t, err)

	meta := TransferMetadata{Priority: PriorityNominal, Kind: KindMessage, PortID: 42, RemoteNodeID: NodeIDUnset, TransferID: 1}
	xfer, ok := pushAndDeliver(t, src, dst, meta, []byte("hello world"), 1000)
	require.True(t, ok)
	assert.Equal(t, []byte("hell"), xfer.Payload)
}

func TestAcceptTruncatesMultiFrameToExtent(t *testing.T) {
	src := NewInstance(10, nil)
	dst := NewInstance(20, nil)
	_, err := dst.Subscribe(KindMessage, 42, 5, 0, nil) // smaller than a 30-byte transfer
	require.NoError(t, err)

	payload := make([]byte, 30)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	meta := TransferMetadata{Priority: PriorityNominal, Kind: KindMessage, PortID: 42, RemoteNodeID: NodeIDUnset, TransferID: 2}
	xfer, ok := pushAndDeliver(t, src, dst, meta, payload, 1000)
	require.True(t, ok)
	assert.Equal(t, payload[:5], xfer.Payload)
}

func TestAcceptExtentZeroStillDeliversEmptyPayload(t *testing.T) {
	src := NewInstance(10, nil)
	dst := NewInstance(20, nil)
	_, err := dst.Subscribe(KindMessage, 42, 0, 0, nil)
	require.NoError(t, err)

	meta := TransferMetadata{Priority: PriorityNominal, Kind: KindMessage, PortID: 42, RemoteNodeID: NodeIDUnset, TransferID: 9}
	xfer, ok := pushAndDeliver(t, src, dst, meta, []byte("anything"), 1000)
	require.True(t, ok)
	assert.Equal(t, []byte{}, xfer.Payload)
}

func TestAcceptRejectsCorruptedCRC(t *testing.T) {
	src := NewInstance(10, nil)
	dst := NewInstance(20, nil)
	_, err := dst.Subscribe(KindMessage, 42, 256, 0, nil)
	require.NoError(t, err)

	q := NewTxQueue(16, MTUClassic, nil)
	payload := make([]byte, 20)
	meta := TransferMetadata{Priority: PriorityNominal, Kind: KindMessage, PortID: 42, RemoteNodeID: NodeIDUnset, TransferID: 3}
	_, pushErr := q.Push(src, 0, meta, payload, 0)
	require.NoError(t, pushErr)

	var xfer Transfer
	var ok bool
	var n int
	for q.Len() > 0 {
		item := q.Peek()
		n++
		frame := item.Frame()
		if n == 1 {
			frame.Payload = append([]byte(nil), frame.Payload...)
			frame.Payload[0] ^= 0xFF // corrupt the first data byte
		}
		xfer, ok = dst.Accept(frame, 1000)
		q.Pop(item)
		q.Free(item)
	}
	assert.False(t, ok)
	assert.Equal(t, Transfer{}, xfer)
}

func TestAcceptRestartsOnTransferIDTimeout(t *testing.T) {
	src := NewInstance(10, nil)
	dst := NewInstance(20, nil)
	_, err := dst.Subscribe(KindMessage, 42, 256, 1000, nil) // 1ms timeout
	require.NoError(t, err)

	meta := TransferMetadata{Priority: PriorityNominal, Kind: KindMessage, PortID: 42, RemoteNodeID: NodeIDUnset, TransferID: 1}
	xfer, ok := pushAndDeliver(t, src, dst, meta, []byte("first"), 1000)
	require.True(t, ok)
	assert.Equal(t, []byte("first"), xfer.Payload)

	// Same transfer-ID replayed well past the timeout: since the tid
	// doesn't match the expected next one (2) it must still be treated as
	// a restart because the clock advanced past the timeout.
	xfer, ok = pushAndDeliver(t, src, dst, meta, []byte("redo!"), 10_000_000)
	require.True(t, ok)
	assert.Equal(t, []byte("redo!"), xfer.Payload)
}

func TestAcceptSuppressesDuplicateBeforeTimeout(t *testing.T) {
	src := NewInstance(10, nil)
	dst := NewInstance(20, nil)
	_, err := dst.Subscribe(KindMessage, 42, 256, 1_000_000, nil) // 1s timeout
	require.NoError(t, err)

	meta := TransferMetadata{Priority: PriorityNominal, Kind: KindMessage, PortID: 42, RemoteNodeID: NodeIDUnset, TransferID: 1}
	_, ok := pushAndDeliver(t, src, dst, meta, []byte("first"), 1000)
	require.True(t, ok)

	// Replaying the exact same transfer-ID well inside the timeout window
	// must be discarded as a duplicate, not delivered again.
	_, ok = pushAndDeliver(t, src, dst, meta, []byte("dupe!"), 2000)
	assert.False(t, ok)
}

func TestAcceptAdvancesOnNextTransferID(t *testing.T) {
	src := NewInstance(10, nil)
	dst := NewInstance(20, nil)
	_, err := dst.Subscribe(KindMessage, 42, 256, 1_000_000, nil)
	require.NoError(t, err)

	meta1 := TransferMetadata{Priority: PriorityNominal, Kind: KindMessage, PortID: 42, RemoteNodeID: NodeIDUnset, TransferID: 1}
	_, ok := pushAndDeliver(t, src, dst, meta1, []byte("one"), 1000)
	require.True(t, ok)

	meta2 := TransferMetadata{Priority: PriorityNominal, Kind: KindMessage, PortID: 42, RemoteNodeID: NodeIDUnset, TransferID: 2}
	xfer, ok := pushAndDeliver(t, src, dst, meta2, []byte("two"), 2000)
	require.True(t, ok)
	assert.Equal(t, []byte("two"), xfer.Payload)
}

func TestAcceptSingleFrameInterruptsInProgressMultiFrame(t *testing.T) {
	src := NewInstance(10, nil)
	dst := NewInstance(20, nil)
	sub, err := dst.Subscribe(KindMessage, 42, 256, 0, nil)
	require.NoError(t, err)

	// Manually feed only the first frame of a multi-frame transfer so the
	// session is left in progress, then send a complete single-frame
	// transfer from the same node and port.
	q := NewTxQueue(16, MTUClassic, nil)
	payload := make([]byte, 20)
	meta := TransferMetadata{Priority: PriorityNominal, Kind: KindMessage, PortID: 42, RemoteNodeID: NodeIDUnset, TransferID: 1}
	_, pushErr := q.Push(src, 0, meta, payload, 0)
	require.NoError(t, pushErr)
	first := q.Peek()
	_, ok := dst.Accept(first.Frame(), 1000)
	assert.False(t, ok)

	sess := sub.sessionFor(src.NodeID)
	assert.True(t, sess.inProgress)

	singleMeta := TransferMetadata{Priority: PriorityNominal, Kind: KindMessage, PortID: 42, RemoteNodeID: NodeIDUnset, TransferID: 5}
	xfer, ok := pushAndDeliver(t, src, dst, singleMeta, []byte("short"), 2000)
	require.True(t, ok)
	assert.Equal(t, []byte("short"), xfer.Payload)
	assert.False(t, sess.inProgress)
}

func TestSubscribeReplacesExistingAndUnsubscribeClears(t *testing.T) {
	inst := NewInstance(1, nil)
	sub1, err := inst.Subscribe(KindMessage, 5, 64, 0, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", sub1.UserReference)

	sub2, err := inst.Subscribe(KindMessage, 5, 64, 0, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", sub2.UserReference)
	assert.Same(t, sub2, inst.FindSubscription(KindMessage, 5))

	inst.Unsubscribe(KindMessage, 5)
	assert.Nil(t, inst.FindSubscription(KindMessage, 5))

	inst.Unsubscribe(KindMessage, 5) // no-op, must not panic
}

func TestSubscribeRejectsOutOfRangePortID(t *testing.T) {
	inst := NewInstance(1, nil)
	_, err := inst.Subscribe(KindMessage, MaxSubjectID+1, 64, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = inst.Subscribe(KindRequest, MaxServiceID+1, 64, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
