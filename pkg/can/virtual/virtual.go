// Package virtual is an in-process, TCP-broker loopback bus used by this
// module's own test suite (and any program that wants a zero-hardware CAN
// interface). It needs a broker process relaying bytes between connected
// clients; see https://github.com/windelbouwman/virtualcan for one such
// broker. Carried over from the teacher's own virtual CAN bus, re-targeted
// at cyphalcan.Frame's 29-bit ID and variable-length payload.
package virtual

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oklabs/cyphalcan"
	"github.com/oklabs/cyphalcan/pkg/can"
)

func init() {
	can.RegisterInterface("virtual", NewBus)
}

type Bus struct {
	Logger logrus.FieldLogger

	mu            sync.Mutex
	channel       string
	conn          net.Conn
	receiveOwn    bool
	listener      can.FrameListener
	stopChan      chan struct{}
	wg            sync.WaitGroup
	isRunning     bool
	errSubscriber bool
}

// NewBus constructs a virtual bus that will dial channel (e.g.
// "localhost:18888") on Connect.
func NewBus(channel string) (can.Bus, error) {
	return &Bus{channel: channel, stopChan: make(chan struct{})}, nil
}

// serializeFrame encodes a frame as a 4-byte big-endian ID followed by a
// 1-byte payload length and the payload itself, unlike the teacher's fixed
// 8-byte struct dump, since a cyphalcan.Frame's payload is variable-length.
func serializeFrame(frame cyphalcan.Frame) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, frame.ID)
	buf.WriteByte(byte(len(frame.Payload)))
	buf.Write(frame.Payload)
	return buf.Bytes()
}

func deserializeFrame(data []byte) (cyphalcan.Frame, error) {
	if len(data) < 5 {
		return cyphalcan.Frame{}, errors.New("virtual: truncated frame header")
	}
	id := binary.BigEndian.Uint32(data[:4])
	n := int(data[4])
	if len(data) < 5+n {
		return cyphalcan.Frame{}, errors.New("virtual: truncated frame payload")
	}
	payload := append([]byte(nil), data[5:5+n]...)
	return cyphalcan.Frame{ID: id, Payload: payload}, nil
}

func (b *Bus) Connect(...any) error {
	conn, err := net.Dial("tcp", b.channel)
	if err != nil {
		return fmt.Errorf("virtual: dial %q: %w", b.channel, err)
	}
	b.conn = conn
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.errSubscriber && b.isRunning {
		close(b.stopChan)
		b.wg.Wait()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *Bus) Send(frame cyphalcan.Frame) error {
	if b.receiveOwn && b.listener != nil {
		b.listener.Handle(frame)
	}
	if b.conn == nil {
		if b.receiveOwn {
			return nil
		}
		return errors.New("virtual: no active connection, abort send")
	}
	body := serializeFrame(frame)
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	_ = b.conn.SetWriteDeadline(time.Now().Add(10 * time.Millisecond))
	_, err := b.conn.Write(append(header, body...))
	return err
}

func (b *Bus) Subscribe(listener can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	if b.isRunning {
		return nil
	}
	b.wg.Add(1)
	b.isRunning = true
	b.errSubscriber = false
	b.stopChan = make(chan struct{})
	go b.receiveLoop()
	return nil
}

func (b *Bus) recv() (cyphalcan.Frame, error) {
	if b.conn == nil {
		return cyphalcan.Frame{}, errors.New("virtual: no active connection, abort receive")
	}
	_ = b.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	header := make([]byte, 4)
	if _, err := readFull(b.conn, header); err != nil {
		return cyphalcan.Frame{}, err
	}
	length := binary.BigEndian.Uint32(header)
	body := make([]byte, length)
	_ = b.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := readFull(b.conn, body); err != nil {
		return cyphalcan.Frame{}, err
	}
	return deserializeFrame(body)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (b *Bus) receiveLoop() {
	defer func() {
		b.isRunning = false
		b.wg.Done()
	}()
	for {
		select {
		case <-b.stopChan:
			return
		default:
		}
		if !b.mu.TryLock() {
			continue
		}
		frame, err := b.recv()
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			// no frame arrived within the poll window, this is normal
		} else if err != nil {
			if b.Logger != nil {
				b.Logger.WithError(err).Warn("virtual bus receive loop stopped")
			}
			b.errSubscriber = true
			b.mu.Unlock()
			return
		} else if b.listener != nil {
			b.listener.Handle(frame)
		}
		b.mu.Unlock()
	}
}

// SetReceiveOwn enables or disables local loopback of frames this bus
// itself sends, as real CAN hardware can optionally be configured to do.
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.receiveOwn = receiveOwn
}
