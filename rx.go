package cyphalcan

import "github.com/oklabs/cyphalcan/internal/crc"

// Accept feeds one received CAN frame into the reassembly pipeline. It
// returns the completed Transfer and true once a transfer's last frame has
// arrived intact; otherwise it returns the zero Transfer and false, whether
// because the frame was silently rejected, merely advanced an in-progress
// reassembly, or belongs to a port-ID nothing is subscribed to.
//
// Accept never returns an error: every rejection spec.md §4.8 describes is
// a discard, not a fault, matching the reference semantics of "accept
// returns 0 when there is nothing to deliver".
func (inst *Instance) Accept(frame Frame, timestampUsec Timestamp) (Transfer, bool) {
	if len(frame.Payload) == 0 {
		return Transfer{}, false
	}

	d := parseCANID(frame.ID)
	if d.reservedBits {
		return Transfer{}, false
	}
	if d.Kind != KindMessage {
		if inst.NodeID.IsUnset() || d.DstNodeID != inst.NodeID {
			return Transfer{}, false
		}
	}

	sub := inst.subscriptions[d.Kind].find(d.PortID)
	if sub == nil {
		return Transfer{}, false
	}

	tail := parseTailByte(frame.Payload[len(frame.Payload)-1])
	body := frame.Payload[:len(frame.Payload)-1]
	sess := sub.sessionFor(d.SrcNodeID)

	if tail.StartOfTransfer && tail.EndOfTransfer {
		return inst.acceptSingleFrame(sub, sess, d, tail, body, timestampUsec)
	}

	if tail.StartOfTransfer {
		if sess.inProgress {
			sess.reset()
		} else if !acceptsAsNewTransfer(sess, tail, timestampUsec) {
			return Transfer{}, false
		}
		beginSession(sub, sess, tail, timestampUsec)
		if sub.Extent > 0 && sess.payload == nil {
			sess.inProgress = false
			return Transfer{}, false
		}
	} else {
		if !sess.inProgress {
			// spec.md §4.8 step 7: a stray non-SOT frame with no transfer in
			// progress still advances the expected transfer-ID, so a
			// genuine next transfer isn't mistaken for a stale duplicate by
			// acceptsAsNewTransfer and held back until the timeout elapses.
			sess.expectedXferID = (sess.expectedXferID + 1) & 0x1F
			return Transfer{}, false
		}
		if tail.TransferID != sess.expectedXferID || tail.Toggle != sess.expectedToggle {
			sess.reset()
			return Transfer{}, false
		}
	}

	crcOK := false
	if tail.EndOfTransfer && len(body) >= 2 {
		// The last frame ends with the transfer CRC, little-endian; it is
		// compared against the CRC of every byte received before it.
		sess.calculatedCRC.Add(body[:len(body)-2])
		crcOK = sess.calculatedCRC.Value() == uint16(body[len(body)-2])|uint16(body[len(body)-1])<<8
	} else {
		sess.calculatedCRC.Add(body)
	}
	sess.totalSize += len(body)
	appendTruncated(sess, body)

	if !tail.EndOfTransfer {
		sess.expectedToggle = !sess.expectedToggle
		return Transfer{}, false
	}

	return finalize(d, sess, crcOK, timestampUsec)
}

// acceptSingleFrame handles a frame whose tail byte declares it the sole
// frame of its transfer (spec.md §4.8 step 5): its whole payload arrives at
// once, so no toggle or CRC bookkeeping applies. It still interrupts and
// replaces any multi-frame reassembly in progress from the same node, and
// still advances the session's duplicate-suppression state so a
// retransmitted single frame is not delivered twice.
func (inst *Instance) acceptSingleFrame(sub *Subscription, sess *session, d decomposedID, tail parsedTail, body []byte, timestampUsec Timestamp) (Transfer, bool) {
	if sess.inProgress {
		sess.reset()
	} else if sess.everSeen && !acceptsAsNewTransfer(sess, tail, timestampUsec) {
		return Transfer{}, false
	}
	sess.timestampUsec = timestampUsec
	sess.transferIDTmoUs = sub.TransferIDTimeoutUsec
	sess.expectedXferID = (tail.TransferID + 1) & 0x1F
	sess.everSeen = true

	payload := body
	if sub.Extent >= 0 && len(body) > sub.Extent {
		payload = body[:sub.Extent] // implicit truncation, spec.md §4.8 step 9
	}

	return Transfer{
		Metadata: TransferMetadata{
			Priority:     d.Priority,
			Kind:         d.Kind,
			PortID:       d.PortID,
			RemoteNodeID: d.SrcNodeID,
			TransferID:   tail.TransferID,
		},
		Timestamp: timestampUsec,
		Payload:   append([]byte(nil), payload...),
	}, true
}

// acceptsAsNewTransfer decides, for an idle session that has already
// completed at least one transfer, whether a start-of-transfer frame with a
// transfer-ID other than the next expected one should still be honored: it
// is a genuine restart (accept) if the transfer-ID timeout has elapsed
// since the session's last activity, or if the transfer-ID jumped more than
// one step ahead of the last completed one; otherwise it is a stale
// duplicate of the last completed transfer and must be discarded (spec.md
// §4.8 step 6).
func acceptsAsNewTransfer(sess *session, tail parsedTail, nowUsec Timestamp) bool {
	if !sess.everSeen {
		return true
	}
	if tail.TransferID == sess.expectedXferID {
		return true
	}
	if sess.transferIDTmoUs != 0 && nowUsec-sess.timestampUsec >= sess.transferIDTmoUs {
		return true
	}
	return transferIDDistance(tail.TransferID, sess.expectedXferID) > 1
}

// beginSession resets a session's reassembly state to start accumulating a
// new multi-frame transfer, (re)allocating its payload buffer from the
// subscription's extent if needed.
func beginSession(sub *Subscription, sess *session, tail parsedTail, timestampUsec Timestamp) {
	sess.inProgress = true
	sess.timestampUsec = timestampUsec
	sess.transferIDTmoUs = sub.TransferIDTimeoutUsec
	sess.expectedXferID = tail.TransferID
	sess.expectedToggle = true
	sess.payloadSize = 0
	sess.totalSize = 0
	sess.calculatedCRC = crc.New()
	if sub.Extent > 0 && sess.payloadCapacity != sub.Extent {
		if sess.payload != nil {
			sub.resource.Deallocate(sess.payload)
		}
		sess.payload = sub.resource.Allocate(sub.Extent)
		sess.payloadCapacity = sub.Extent
	}
}

// finalize closes a just-completed multi-frame transfer whose CRC trailer
// the caller has already checked (crcOK), advances the session's
// duplicate-suppression state, and returns the reassembled Transfer
// (spec.md §4.8 steps 10-11). On CRC failure the whole transfer is
// discarded, matching the reference semantics of a silent drop rather than
// an error.
func finalize(d decomposedID, sess *session, crcOK bool, timestampUsec Timestamp) (Transfer, bool) {
	ok := crcOK && sess.totalSize >= 2
	xferID := sess.expectedXferID
	startTime := sess.timestampUsec

	// realLen is how many of the stored bytes are actual payload rather
	// than CRC trailer; when the extent truncated storage short of the
	// trailer, every stored byte is payload and nothing needs trimming.
	realLen := sess.totalSize - 2
	if realLen > sess.payloadSize {
		realLen = sess.payloadSize
	}

	var payload []byte
	if ok && realLen > 0 {
		payload = append([]byte(nil), sess.payload[:realLen]...)
	} else if ok {
		payload = []byte{}
	}

	sess.reset()
	sess.expectedXferID = (xferID + 1) & 0x1F
	sess.everSeen = true
	sess.timestampUsec = timestampUsec

	if !ok {
		return Transfer{}, false
	}

	return Transfer{
		Metadata: TransferMetadata{
			Priority:     d.Priority,
			Kind:         d.Kind,
			PortID:       d.PortID,
			RemoteNodeID: d.SrcNodeID,
			TransferID:   xferID,
		},
		Timestamp: startTime,
		Payload:   payload,
	}, true
}

// appendTruncated copies src into sess.payload starting at the current
// write offset, silently dropping any bytes beyond payloadCapacity (spec.md
// §4.8 step 9, "implicit truncation"). The running CRC has already been
// updated over the untruncated src by the caller, so truncation never
// invalidates an otherwise-correct transfer's CRC check.
func appendTruncated(sess *session, src []byte) {
	if sess.payload == nil {
		return
	}
	room := sess.payloadCapacity - sess.payloadSize
	if room <= 0 {
		return
	}
	n := len(src)
	if n > room {
		n = room
	}
	copy(sess.payload[sess.payloadSize:], src[:n])
	sess.payloadSize += n
}
