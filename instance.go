package cyphalcan

import (
	"github.com/sirupsen/logrus"
)

// Instance is the facade composing the RX pipeline: a local node-ID, the
// three per-kind subscription trees, and the memory resource backing
// session allocation. It holds no TX state — a node may drive several
// independent TxQueues (e.g. one per redundant interface) against a single
// Instance.
//
// Instance has no background activity: NewInstance returns a ready-to-use value
// and teardown is entirely the caller's responsibility (Unsubscribe every
// subscription before discarding the Instance).
type Instance struct {
	NodeID   NodeID
	resource MemoryResource

	subscriptions [3]*subscriptionTree // indexed by TransferKind

	// Logger is optional and used only for coarse Debug-level tracing
	// (Subscribe, Unsubscribe, and one line per successful Push); Accept
	// never logs. A nil Logger or one configured with io.Discard output
	// costs nothing beyond a level check.
	Logger logrus.FieldLogger
}

// NewInstance creates an Instance bound to the given local node-ID (pass
// NodeIDUnset for an anonymous node) and memory resource. A nil resource
// defaults to HeapResource{}.
func NewInstance(nodeID NodeID, resource MemoryResource) *Instance {
	if resource == nil {
		resource = HeapResource{}
	}
	inst := &Instance{
		NodeID:   normalizeNodeID(nodeID),
		resource: resource,
	}
	for k := range inst.subscriptions {
		inst.subscriptions[k] = newSubscriptionTree()
	}
	return inst
}

func (inst *Instance) log() logrus.FieldLogger {
	if inst.Logger != nil {
		return inst.Logger
	}
	return discardLogger
}

var discardLogger = func() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return l
}()

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
