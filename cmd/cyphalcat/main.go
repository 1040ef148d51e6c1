// Command cyphalcat is a minimal example binary gluing a can.Bus, a
// cyphalcan.Instance, and a cyphalcan.TxQueue together: it subscribes to
// one subject-ID and prints every transfer it reassembles, while also
// periodically pushing a heartbeat-style message of its own. It exists to
// show the pieces wired up end to end, not as a serious CLI tool.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oklabs/cyphalcan"
	"github.com/oklabs/cyphalcan/pkg/can"
	_ "github.com/oklabs/cyphalcan/pkg/can/socketcan"
	_ "github.com/oklabs/cyphalcan/pkg/can/socketcanfd"
	_ "github.com/oklabs/cyphalcan/pkg/can/virtual"
)

func main() {
	var (
		ifaceType = flag.String("iface", "virtual", "driver type: socketcan, socketcanfd, or virtual")
		channel   = flag.String("channel", "can0", "interface name (socketcan*) or address (virtual)")
		nodeID    = flag.Uint("node-id", 42, "local node-ID (0..127)")
		subjectID = flag.Uint("subject-id", 1000, "subject-ID to subscribe to and publish on")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	bus, err := can.NewBus(*ifaceType, *channel)
	if err != nil {
		log.WithError(err).Fatal("open bus")
	}
	if err := bus.Connect(); err != nil {
		log.WithError(err).Fatal("connect bus")
	}
	defer bus.Disconnect()

	inst := cyphalcan.NewInstance(cyphalcan.NodeID(*nodeID), nil)
	inst.Logger = log

	sub, err := inst.Subscribe(cyphalcan.KindMessage, cyphalcan.PortID(*subjectID), 256, 2_000_000, nil)
	if err != nil {
		log.WithError(err).Fatal("subscribe")
	}

	listener := &acceptListener{inst: inst, log: log}
	if err := bus.Subscribe(listener); err != nil {
		log.WithError(err).Fatal("subscribe to bus")
	}

	txQueue := cyphalcan.NewTxQueue(64, cyphalcan.MTUClassic, nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var tid cyphalcan.TransferID
	for {
		select {
		case <-sigCh:
			log.WithField("subject", sub.PortID).Info("shutting down")
			return
		case now := <-ticker.C:
			nowUsec := cyphalcan.Timestamp(now.UnixMicro())
			meta := cyphalcan.TransferMetadata{
				Priority:     cyphalcan.PriorityNominal,
				Kind:         cyphalcan.KindMessage,
				PortID:       cyphalcan.PortID(*subjectID),
				RemoteNodeID: cyphalcan.NodeIDUnset,
				TransferID:   tid,
			}
			payload := []byte(fmt.Sprintf("tick %d", now.Unix()))
			if _, err := txQueue.Push(inst, 0, meta, payload, nowUsec); err != nil {
				log.WithError(err).Warn("push")
			}
			tid++

			txQueue.Poll(inst, nowUsec, bus, func(userReference any, item *cyphalcan.TxQueueItem) int {
				b := userReference.(can.Bus)
				if err := b.Send(item.Frame()); err != nil {
					log.WithError(err).Warn("send")
					return 0
				}
				return 1
			})
		}
	}
}

type acceptListener struct {
	inst *cyphalcan.Instance
	log  logrus.FieldLogger
}

func (l *acceptListener) Handle(frame cyphalcan.Frame) {
	xfer, ok := l.inst.Accept(frame, cyphalcan.Timestamp(time.Now().UnixMicro()))
	if !ok {
		return
	}
	l.log.WithFields(logrus.Fields{
		"port":   xfer.Metadata.PortID,
		"source": xfer.Metadata.RemoteNodeID,
		"tid":    xfer.Metadata.TransferID,
	}).Infof("received %q", xfer.Payload)
}
