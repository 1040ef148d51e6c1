package cyphalcan

import (
	"github.com/tidwall/btree"

	"github.com/oklabs/cyphalcan/internal/crc"
)

// maxRemoteNodes bounds the per-subscription session table: one slot per
// possible remote node-ID (spec.md §3, "N_nodes = 128").
const maxRemoteNodes = 128

// session is the reassembly state for one (subscription, remote node-ID)
// pair. It is allocated lazily, on the first frame ever seen from that
// node for that subscription.
type session struct {
	payloadCapacity int
	payloadSize     int // bytes actually stored, <= payloadCapacity
	totalSize       int // bytes received across the whole transfer, untruncated
	payload         []byte

	timestampUsec   Timestamp
	transferIDTmoUs Timestamp
	expectedToggle  bool
	expectedXferID  TransferID
	calculatedCRC   crc.CRC16
	inProgress      bool

	// everSeen is set once this node has completed at least one transfer on
	// this subscription, so restart detection can tell a genuinely fresh
	// session (any transfer-ID is a valid start) from an idle one (a
	// transfer-ID equal to the last completed one is a duplicate, not a new
	// transfer, unless the timeout has elapsed).
	everSeen bool
}

// reset clears in-progress reassembly state without releasing the payload
// buffer, so a subsequent transfer from the same node can reuse it.
func (s *session) reset() {
	s.payloadSize = 0
	s.totalSize = 0
	s.inProgress = false
	s.calculatedCRC = crc.New()
}

// Subscription binds a (kind, port-ID) pair to an extent, a staleness
// timeout, a user reference, and the sparse session table keyed by remote
// node-ID.
type Subscription struct {
	Kind                  TransferKind
	PortID                PortID
	Extent                int
	TransferIDTimeoutUsec Timestamp
	UserReference         any

	resource MemoryResource
	sessions [maxRemoteNodes]*session
}

func lessSubscriptionByPortID(a, b *Subscription) bool {
	return a.PortID < b.PortID
}

// subscriptionTree indexes the subscriptions of a single transfer kind by
// port-ID, giving O(log S) lookup in the number of subscriptions of that
// kind (spec.md §4.7).
type subscriptionTree struct {
	tree *btree.BTreeG[*Subscription]
}

func newSubscriptionTree() *subscriptionTree {
	return &subscriptionTree{tree: btree.NewBTreeG(lessSubscriptionByPortID)}
}

func (t *subscriptionTree) find(portID PortID) *Subscription {
	key := &Subscription{PortID: portID}
	sub, ok := t.tree.Get(key)
	if !ok {
		return nil
	}
	return sub
}

// Subscribe registers a subscription for (kind, portID), replacing and
// releasing any previous one for the same pair, per spec.md §4.7.
func (inst *Instance) Subscribe(kind TransferKind, portID PortID, extent int, timeoutUsec Timestamp, userReference any) (*Subscription, error) {
	if err := validatePortID(kind, portID); err != nil {
		return nil, err
	}
	tree := inst.subscriptions[kind]
	inst.Unsubscribe(kind, portID)

	sub := &Subscription{
		Kind:                  kind,
		PortID:                portID,
		Extent:                extent,
		TransferIDTimeoutUsec: timeoutUsec,
		UserReference:         userReference,
		resource:              inst.resource,
	}
	tree.tree.Set(sub)
	inst.log().Debugf("subscribed kind=%s port=%d extent=%d", kind, portID, extent)
	return sub, nil
}

// Unsubscribe removes the subscription for (kind, portID), releasing every
// session and payload buffer it owned. It is a no-op if no such
// subscription exists.
func (inst *Instance) Unsubscribe(kind TransferKind, portID PortID) {
	tree := inst.subscriptions[kind]
	sub := tree.find(portID)
	if sub == nil {
		return
	}
	for i, s := range sub.sessions {
		if s == nil {
			continue
		}
		if s.payload != nil {
			sub.resource.Deallocate(s.payload)
		}
		sub.sessions[i] = nil
	}
	tree.tree.Delete(sub)
	inst.log().Debugf("unsubscribed kind=%s port=%d", kind, portID)
}

// FindSubscription returns the active subscription for (kind, portID), or
// nil.
func (inst *Instance) FindSubscription(kind TransferKind, portID PortID) *Subscription {
	return inst.subscriptions[kind].find(portID)
}

func validatePortID(kind TransferKind, portID PortID) error {
	switch kind {
	case KindMessage:
		if portID > MaxSubjectID {
			return ErrInvalidArgument
		}
	case KindRequest, KindResponse:
		if portID > MaxServiceID {
			return ErrInvalidArgument
		}
	default:
		return ErrInvalidArgument
	}
	return nil
}

// sessionFor returns the session for remoteNodeID (always 0..127, since a
// frame's source-node field is a 7-bit value), allocating a fresh one on
// first use.
func (sub *Subscription) sessionFor(remoteNodeID NodeID) *session {
	s := sub.sessions[remoteNodeID]
	if s != nil {
		return s
	}
	s = &session{calculatedCRC: crc.New()}
	sub.sessions[remoteNodeID] = s
	return s
}
