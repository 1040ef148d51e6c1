package cyphalcan

import "github.com/oklabs/cyphalcan/internal/crc"

// Bit layout of the 29-bit extended CAN identifier, high to low, per
// spec.md §4.3. Field widths below include the reserved bits the encoder
// always zeroes and the decoder always checks.
const (
	canIDPriorityShift = 26
	canIDPriorityMask  = 0x7

	canIDServiceNotMessageBit = 1 << 25

	// Bit 24: anonymous-not-regular for messages, request-not-response for
	// services.
	canIDFlagBit = 1 << 24

	canIDServiceIDShift = 14
	canIDServiceIDMask  = 0x3FF // 10-bit field, top bit (bit 23) reserved

	canIDSubjectIDShift = 8
	canIDSubjectIDMask  = 0x7FFF // 15-bit field (bits 22..8), only low 13 bits legal

	canIDDestNodeShift = 7
	canIDDestNodeMask  = 0x7F

	canIDSrcNodeMask = 0x7F // bits 6..0

	// Messages leave bit 23 and bit 7 outside any field (the service-ID and
	// destination-node fields of a service frame occupy exactly those
	// positions instead); both must be zero on a message frame.
	canIDMsgReservedBit23 = 1 << 23
	canIDMsgReservedBit7  = 1 << 7
)

// composeMessageID builds the CAN-ID for a message transfer. srcNodeID must
// already be resolved: the real source node-ID for a regular message, or
// the pseudo-random derived source for an anonymous one.
func composeMessageID(priority Priority, subjectID PortID, srcNodeID NodeID, anonymous bool) uint32 {
	id := uint32(priority&canIDPriorityMask) << canIDPriorityShift
	id |= (uint32(subjectID) & canIDSubjectIDMask) << canIDSubjectIDShift
	if anonymous {
		id |= canIDFlagBit
	}
	id |= uint32(srcNodeID) & canIDSrcNodeMask
	return id
}

// composeServiceID builds the CAN-ID for a request or response transfer.
func composeServiceID(priority Priority, serviceID PortID, srcNodeID, dstNodeID NodeID, isRequest bool) uint32 {
	id := uint32(priority&canIDPriorityMask) << canIDPriorityShift
	id |= canIDServiceNotMessageBit
	if isRequest {
		id |= canIDFlagBit
	}
	id |= (uint32(serviceID) & canIDServiceIDMask) << canIDServiceIDShift
	id |= (uint32(dstNodeID) & canIDDestNodeMask) << canIDDestNodeShift
	id |= uint32(srcNodeID) & canIDSrcNodeMask
	return id
}

// derivePseudoSourceID derives the 7-bit pseudo-random source node-ID used
// for anonymous messages from the CRC of the payload being sent, per
// spec.md §4.3. Two pushes of the same payload always yield the same
// derived ID (spec property P9); no RNG is required.
func derivePseudoSourceID(payload []byte) NodeID {
	c := crc.New()
	c.Add(payload)
	return NodeID(c.Value() & canIDSrcNodeMask)
}

// decomposedID is the result of parsing a 29-bit CAN identifier.
type decomposedID struct {
	Priority     Priority
	Kind         TransferKind
	PortID       PortID
	SrcNodeID    NodeID
	DstNodeID    NodeID // valid only for services
	IsAnonymous  bool   // valid only for messages
	reservedBits bool   // true if a reserved bit was set
}

// parseCANID decomposes a 29-bit extended CAN identifier. It never rejects
// on content; reservedBits reports whether the frame must be discarded per
// spec.md §4.8 step 1.
func parseCANID(id uint32) decomposedID {
	var d decomposedID
	d.Priority = Priority((id >> canIDPriorityShift) & canIDPriorityMask)
	d.SrcNodeID = NodeID(id & canIDSrcNodeMask)

	if id&canIDServiceNotMessageBit != 0 {
		d.DstNodeID = NodeID((id >> canIDDestNodeShift) & canIDDestNodeMask)
		d.IsAnonymous = false
		isRequest := id&canIDFlagBit != 0
		if isRequest {
			d.Kind = KindRequest
		} else {
			d.Kind = KindResponse
		}
		serviceField := (id >> canIDServiceIDShift) & canIDServiceIDMask
		d.PortID = PortID(serviceField & uint32(MaxServiceID))
		if serviceField&^uint32(MaxServiceID) != 0 {
			d.reservedBits = true
		}
	} else {
		d.Kind = KindMessage
		d.IsAnonymous = id&canIDFlagBit != 0
		subjectField := (id >> canIDSubjectIDShift) & canIDSubjectIDMask
		d.PortID = PortID(subjectField & uint32(MaxSubjectID))
		if subjectField&^uint32(MaxSubjectID) != 0 {
			d.reservedBits = true
		}
		if id&(canIDMsgReservedBit23|canIDMsgReservedBit7) != 0 {
			d.reservedBits = true
		}
	}
	return d
}
