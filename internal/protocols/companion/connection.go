// Package companion implements the Companion protocol: opack-serialized
// frames over TCP, encrypted with a HAP-derived session after transient or
// persistent pairing, carrying HID commands, media control, app and
// account management, and power state events.
package companion

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/airtv-go/airtv/internal/hap"
	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/opack"
)

// FrameType is the first octet of every companion frame.
type FrameType byte

// Frame types used by the client.
const (
	FrameNoOp      FrameType = 0x01
	FramePSStart   FrameType = 0x03
	FramePSNext    FrameType = 0x04
	FramePVStart   FrameType = 0x05
	FramePVNext    FrameType = 0x06
	FrameUOpack    FrameType = 0x07
	FrameEOpack    FrameType = 0x08
	FramePOpack    FrameType = 0x09
	FrameFamilyEnd FrameType = 0x20
)

const frameHeaderLen = 4

// Frame is one raw companion frame.
type Frame struct {
	Type FrameType
	Data []byte
}

// Connection frames opack payloads over TCP. After EnableEncryption every
// E_OPACK frame body is sealed with ChaCha20-Poly1305, using the 4-byte
// frame header as AAD.
type Connection struct {
	conn net.Conn

	writeMu sync.Mutex
	cipher  *hap.Chacha20Cipher

	frameCallback  func(Frame)
	closedCallback func(error)

	closed  atomic.Bool
	readBuf []byte
}

// DialConnection opens a companion connection.
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

// SetCallbacks installs frame and close callbacks; call before Start.
func (c *Connection) SetCallbacks(frame func(Frame), closed func(error)) {
	c.frameCallback = frame
	c.closedCallback = closed
}

// Start begins the reader loop.
func (c *Connection) Start() {
	go c.readLoop()
}

// EnableEncryption seals subsequent encrypted-family frames.
func (c *Connection) EnableEncryption(outKey, inKey []byte) error {
	cipher, err := hap.NewChacha20Cipher(outKey, inKey)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	c.cipher = cipher
	c.writeMu.Unlock()
	return nil
}

// Send writes one frame, encrypting encrypted-family payloads.
func (c *Connection) Send(frame Frame) error {
	if c.closed.Load() {
		return models.ErrConnectionLost
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	body := frame.Data
	if c.cipher != nil && frame.Type >= FrameEOpack && frame.Type < FrameFamilyEnd {
		header := packHeader(frame.Type, len(body)+16)
		body = c.cipher.Encrypt(body, header)
	}
	out := packHeader(frame.Type, len(body))
	out = append(out, body...)
	if _, err := c.conn.Write(out); err != nil {
		c.shutdown(fmt.Errorf("%w: %v", models.ErrConnectionLost, err))
		return models.ErrConnectionLost
	}
	return nil
}

func packHeader(t FrameType, length int) []byte {
	return []byte{byte(t), byte(length >> 16), byte(length >> 8), byte(length)}
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
				slog.Warn("companion: dropping connection", "err", perr)
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
	c.readBuf = append(c.readBuf, data...)
	for {
		if len(c.readBuf) < frameHeaderLen {
			return nil
		}
		length := int(binary.BigEndian.Uint32(append([]byte{0}, c.readBuf[1:4]...)))
		if len(c.readBuf) < frameHeaderLen+length {
			return nil
		}
		frameType := FrameType(c.readBuf[0])
		body := c.readBuf[frameHeaderLen : frameHeaderLen+length]
		header := append([]byte(nil), c.readBuf[:frameHeaderLen]...)

		c.writeMu.Lock()
		cipher := c.cipher
		c.writeMu.Unlock()
		if cipher != nil && frameType >= FrameEOpack && frameType < FrameFamilyEnd {
			plain, err := cipher.Decrypt(body, header)
			if err != nil {
				return err
			}
			body = plain
		} else {
			body = append([]byte(nil), body...)
		}

		c.readBuf = c.readBuf[frameHeaderLen+length:]
		if c.frameCallback != nil {
			c.frameCallback(Frame{Type: frameType, Data: body})
		}
	}
}

// DecodeOpack decodes a frame body into an opack dictionary.
func DecodeOpack(data []byte) (map[string]any, error) {
	value, _, err := opack.Unpack(data)
	if err != nil {
		return nil, err
	}
	dict, ok := value.(map[string]any)
	if !ok {
		return nil, models.ProtocolErrorf("companion: frame is %T, not a dictionary", value)
	}
	return dict, nil
}
