// Package conn implements the framed connection layer: a persistent
// HTTP/RTSP connection with in-order request/response correlation and
// pluggable send/receive processors for HAP-encrypted channels.
package conn

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/airtv-go/airtv/internal/models"
)

// DefaultTimeout bounds one HTTP request/response exchange.
const DefaultTimeout = 10 * time.Second

// Header is one request header; order is preserved on the wire.
type Header struct {
	Key   string
	Value string
}

// Request is an outgoing HTTP or RTSP request.
type Request struct {
	Method   string
	URI      string
	Protocol string // "HTTP/1.1" or "RTSP/1.0"
	Headers  []Header
	Body     []byte
}

// Response is a parsed HTTP or RTSP response.
type Response struct {
	Protocol string
	Code     int
	Status   string
	headers  map[string]string
	Body     []byte
}

// Header returns a response header by case-insensitive name.
func (r *Response) Header(key string) string {
	return r.headers[strings.ToLower(key)]
}

// SendProcessor transforms an outgoing wire buffer (e.g. AEAD encryption).
type SendProcessor func(data []byte) ([]byte, error)

// ReceiveProcessor consumes raw received bytes and returns the decoded
// stream plus any unconsumed remainder (e.g. a partial AEAD frame).
type ReceiveProcessor func(data []byte) (decoded, rest []byte, err error)

type pendingRequest struct {
	ch        chan *Response
	abandoned bool
}

// HttpConnection is a single persistent TCP connection. Responses are
// correlated to requests in FIFO order; there is exactly one pending
// response per inflight request. Closing the connection rejects every
// outstanding request with ErrConnectionLost.
type HttpConnection struct {
	conn net.Conn

	mu       sync.Mutex
	pending  []*pendingRequest
	sendProc SendProcessor
	recvProc ReceiveProcessor
	closed   bool
	onClose  func(error)

	recvRest []byte // undecoded remainder held by the receive processor
	parseBuf []byte
}

// Dial opens a TCP connection to addr and wraps it.
func Dial(ctx context.Context, addr string) (*HttpConnection, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrConnectionFailed, addr, err)
	}
	return NewHttpConnection(c), nil
}

// NewHttpConnection wraps an established connection and starts its reader.
func NewHttpConnection(c net.Conn) *HttpConnection {
	h := &HttpConnection{conn: c}
	go h.readLoop()
	return h
}

// SetOnClose installs a callback invoked exactly once when the connection
// goes away, with nil for a deliberate close.
func (h *HttpConnection) SetOnClose(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClose = fn
}

// SetProcessors installs the send and receive processors. Installing new
// processors resets any undecoded remainder.
func (h *HttpConnection) SetProcessors(send SendProcessor, recv ReceiveProcessor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendProc = send
	h.recvProc = recv
	h.recvRest = nil
}

// LocalAddr returns the local endpoint of the connection.
func (h *HttpConnection) LocalAddr() net.Addr { return h.conn.LocalAddr() }

// RemoteAddr returns the remote endpoint of the connection.
func (h *HttpConnection) RemoteAddr() net.Addr { return h.conn.RemoteAddr() }

// Close shuts the connection down. Safe to call more than once.
func (h *HttpConnection) Close() error {
	h.shutdown(nil)
	return nil
}

func (h *HttpConnection) shutdown(err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	pending := h.pending
	h.pending = nil
	onClose := h.onClose
	h.mu.Unlock()

	h.conn.Close()
	for _, p := range pending {
		close(p.ch)
	}
	if onClose != nil {
		onClose(err)
	}
}

// SendAndReceive writes a request and waits for the matching response.
// 2xx responses succeed; 401 and 403 map to AuthenticationError; any other
// status is an HTTPError unless allowError is set. Context cancellation
// abandons the pending slot so a late response cannot resolve the wrong
// request.
func (h *HttpConnection) SendAndReceive(ctx context.Context, req Request, allowError bool) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	wire := formatRequest(req)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, models.ErrConnectionLost
	}
	if h.sendProc != nil {
		var err error
		if wire, err = h.sendProc(wire); err != nil {
			h.mu.Unlock()
			return nil, err
		}
	}
	p := &pendingRequest{ch: make(chan *Response, 1)}
	h.pending = append(h.pending, p)
	_, err := h.conn.Write(wire)
	h.mu.Unlock()

	if err != nil {
		h.shutdown(fmt.Errorf("%w: %v", models.ErrConnectionLost, err))
		return nil, models.ErrConnectionLost
	}

	select {
	case resp, ok := <-p.ch:
		if !ok {
			return nil, models.ErrConnectionLost
		}
		return checkStatus(resp, allowError)
	case <-ctx.Done():
		h.mu.Lock()
		p.abandoned = true
		h.mu.Unlock()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s %s", models.ErrTimeout, req.Method, req.URI)
		}
		return nil, ctx.Err()
	}
}

func checkStatus(resp *Response, allowError bool) (*Response, error) {
	switch {
	case resp.Code >= 200 && resp.Code < 300:
		return resp, nil
	case resp.Code == 401 || resp.Code == 403:
		return resp, &models.AuthenticationError{Reason: fmt.Sprintf("status %d", resp.Code)}
	case allowError:
		return resp, nil
	default:
		return resp, &models.HTTPError{Code: resp.Code, Status: resp.Status}
	}
}

func formatRequest(req Request) []byte {
	var b strings.Builder
	proto := req.Protocol
	if proto == "" {
		proto = "HTTP/1.1"
	}
	fmt.Fprintf(&b, "%s %s %s\r\n", req.Method, req.URI, proto)
	for _, hdr := range req.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", hdr.Key, hdr.Value)
	}
	if len(req.Body) > 0 || req.Method == "POST" || req.Method == "SET_PARAMETER" {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(req.Body))
	}
	b.WriteString("\r\n")
	return append([]byte(b.String()), req.Body...)
}

func (h *HttpConnection) readLoop() {
	buf := make([]byte, 8192)
	for {
		n, err := h.conn.Read(buf)
		if n > 0 {
			if perr := h.feed(buf[:n]); perr != nil {
				slog.Warn("conn: dropping connection", "err", perr)
				h.shutdown(perr)
				return
			}
		}
		if err != nil {
			h.mu.Lock()
			wasClosed := h.closed
			h.mu.Unlock()
			if !wasClosed {
				h.shutdown(fmt.Errorf("%w: %v", models.ErrConnectionLost, err))
			}
			return
		}
	}
}

// feed runs received bytes through the receive processor, then parses and
// dispatches as many complete responses as are buffered.
func (h *HttpConnection) feed(data []byte) error {
	h.mu.Lock()
	recvProc := h.recvProc
	raw := append(h.recvRest, data...)
	h.mu.Unlock()

	var decoded []byte
	if recvProc != nil {
		var rest []byte
		var err error
		decoded, rest, err = recvProc(raw)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.recvRest = rest
		h.mu.Unlock()
	} else {
		decoded = raw
		h.mu.Lock()
		h.recvRest = nil
		h.mu.Unlock()
	}

	h.parseBuf = append(h.parseBuf, decoded...)
	for {
		resp, consumed, err := parseResponse(h.parseBuf)
		if err != nil {
			return err
		}
		if resp == nil {
			return nil
		}
		h.parseBuf = h.parseBuf[consumed:]
		h.dispatch(resp)
	}
}

func (h *HttpConnection) dispatch(resp *Response) {
	h.mu.Lock()
	var target *pendingRequest
	for len(h.pending) > 0 {
		target = h.pending[0]
		h.pending = h.pending[1:]
		if !target.abandoned {
			break
		}
		close(target.ch)
		target = nil
	}
	h.mu.Unlock()

	if target == nil {
		slog.Debug("conn: response with no pending request", "code", resp.Code)
		return
	}
	target.ch <- resp
}

// parseResponse attempts to parse one complete response from buf. It
// returns (nil, 0, nil) when more data is needed.
func parseResponse(buf []byte) (*Response, int, error) {
	headerEnd := strings.Index(string(buf), "\r\n\r\n")
	if headerEnd < 0 {
		return nil, 0, nil
	}
	head := string(buf[:headerEnd])
	lines := strings.Split(head, "\r\n")

	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) < 2 {
		return nil, 0, models.ProtocolErrorf("conn: malformed status line %q", lines[0])
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, 0, models.ProtocolErrorf("conn: malformed status code %q", parts[1])
	}
	resp := &Response{
		Protocol: parts[0],
		Code:     code,
		headers:  make(map[string]string, len(lines)-1),
	}
	if len(parts) == 3 {
		resp.Status = parts[2]
	}

	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, 0, models.ProtocolErrorf("conn: malformed header %q", line)
		}
		resp.headers[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	bodyLen := 0
	if cl := resp.Header("Content-Length"); cl != "" {
		if bodyLen, err = strconv.Atoi(cl); err != nil || bodyLen < 0 {
			return nil, 0, models.ProtocolErrorf("conn: malformed content length %q", cl)
		}
	}
	total := headerEnd + 4 + bodyLen
	if len(buf) < total {
		return nil, 0, nil
	}
	resp.Body = append([]byte(nil), buf[headerEnd+4:total]...)
	return resp, total, nil
}
