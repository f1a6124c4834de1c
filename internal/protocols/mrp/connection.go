// Package mrp implements the MediaRemote protocol: a varint-framed
// protobuf stream over TCP, optionally wrapped in HAP AEAD framing after
// pair-verify, with correlated request/response exchange, heartbeating,
// and reconciliation of player state updates.
package mrp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/airtv-go/airtv/internal/conn"
	"github.com/airtv-go/airtv/internal/hap"
	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/protocols/mrp/protos"
	"github.com/airtv-go/airtv/internal/variant"
)

// Connection frames protocol messages over one TCP connection. Callbacks
// must be installed before Start.
type Connection struct {
	conn net.Conn

	writeMu  sync.Mutex
	sendProc conn.SendProcessor
	recvProc conn.ReceiveProcessor

	messageCallback func(*protos.Message)
	closedCallback  func(error)

	closed   atomic.Bool
	recvRest []byte
	frameBuf []byte
}

// DialConnection opens a connection to an MRP endpoint.
func DialConnection(ctx context.Context, addr string) (*Connection, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrConnectionFailed, addr, err)
	}
	return NewConnection(c), nil
}

// NewConnection wraps an established transport.
func NewConnection(c net.Conn) *Connection {
	return &Connection{conn: c}
}

// SetCallbacks installs the message and connection-closed callbacks.
func (c *Connection) SetCallbacks(message func(*protos.Message), closed func(error)) {
	c.messageCallback = message
	c.closedCallback = closed
}

// Start begins the reader loop.
func (c *Connection) Start() {
	go c.readLoop()
}

// EnableEncryption wraps all subsequent frames in HAP AEAD framing.
func (c *Connection) EnableEncryption(outKey, inKey []byte) error {
	cipher, err := hap.NewChacha20Cipher(outKey, inKey)
	if err != nil {
		return err
	}
	send, recv := conn.ChannelProcessors(cipher)
	c.writeMu.Lock()
	c.sendProc, c.recvProc = send, recv
	c.writeMu.Unlock()
	return nil
}

// Send frames and writes one message.
func (c *Connection) Send(msg *protos.Message) error {
	if c.closed.Load() {
		return models.ErrConnectionLost
	}
	data := msg.Marshal()
	slog.Debug("mrp: send", "type", msg.Type, "data", models.FormatBinary(data))
	frame := variant.Write(make([]byte, 0, len(data)+4), uint64(len(data)))
	frame = append(frame, data...)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.sendProc != nil {
		var err error
		if frame, err = c.sendProc(frame); err != nil {
			return err
		}
	}
	if _, err := c.conn.Write(frame); err != nil {
		c.shutdown(fmt.Errorf("%w: %v", models.ErrConnectionLost, err))
		return models.ErrConnectionLost
	}
	return nil
}

// Close shuts the connection down deliberately.
func (c *Connection) Close() {
	c.shutdown(nil)
}

func (c *Connection) shutdown(err error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.conn.Close()
	if c.closedCallback != nil {
		c.closedCallback(err)
	}
}

func (c *Connection) readLoop() {
	buf := make([]byte, 8192)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if perr := c.feed(buf[:n]); perr != nil {
				slog.Warn("mrp: dropping connection", "err", perr)
				c.shutdown(perr)
				return
			}
		}
		if err != nil {
			if !c.closed.Load() {
				c.shutdown(fmt.Errorf("%w: %v", models.ErrConnectionLost, err))
			}
			return
		}
	}
}

func (c *Connection) feed(data []byte) error {
	c.writeMu.Lock()
	recvProc := c.recvProc
	c.writeMu.Unlock()

	if recvProc != nil {
		decoded, rest, err := recvProc(append(c.recvRest, data...))
		if err != nil {
			return err
		}
		c.recvRest = rest
		c.frameBuf = append(c.frameBuf, decoded...)
	} else {
		c.frameBuf = append(c.frameBuf, data...)
	}

	for {
		length, consumed, err := variant.Read(c.frameBuf)
		if err != nil {
			// An incomplete varint is indistinguishable from a short read;
			// wait for more bytes unless the frame is absurd.
			if len(c.frameBuf) > 10 {
				return err
			}
			return nil
		}
		if uint64(len(c.frameBuf)-consumed) < length {
			return nil
		}
		frame := c.frameBuf[consumed : consumed+int(length)]
		msg, err := protos.Unmarshal(frame)
		c.frameBuf = c.frameBuf[consumed+int(length):]
		if err != nil {
			return err
		}
		if c.messageCallback != nil {
			c.messageCallback(msg)
		}
	}
}
