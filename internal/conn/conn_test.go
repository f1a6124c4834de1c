package conn_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/airtv-go/airtv/internal/conn"
	"github.com/airtv-go/airtv/internal/hap"
	"github.com/airtv-go/airtv/internal/models"
)

// scriptedServer reads requests off a pipe and answers with canned
// responses, recording what it saw.
type scriptedServer struct {
	conn      net.Conn
	responses chan string
	requests  chan string
}

func newScriptedServer(t *testing.T) (*scriptedServer, *conn.HttpConnection) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	s := &scriptedServer{
		conn:      serverSide,
		responses: make(chan string, 8),
		requests:  make(chan string, 8),
	}
	go s.run()
	t.Cleanup(func() { serverSide.Close() })
	return s, conn.NewHttpConnection(clientSide)
}

func (s *scriptedServer) run() {
	r := bufio.NewReader(s.conn)
	for {
		var head strings.Builder
		contentLength := 0
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			head.WriteString(line)
			trimmed := strings.TrimSpace(line)
			if v, ok := strings.CutPrefix(trimmed, "Content-Length: "); ok {
				contentLength, _ = strconv.Atoi(v)
			}
			if trimmed == "" {
				break
			}
		}
		body := make([]byte, contentLength)
		if _, err := ioReadFull(r, body); err != nil {
			return
		}
		s.requests <- head.String() + string(body)

		resp, ok := <-s.responses
		if !ok {
			s.conn.Close()
			return
		}
		if _, err := s.conn.Write([]byte(resp)); err != nil {
			return
		}
	}
}

func ioReadFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func httpResponse(code int, status, body string) string {
	return fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: %d\r\n\r\n%s", code, status, len(body), body)
}

func TestRequestResponseRoundTrip(t *testing.T) {
	server, c := newScriptedServer(t)
	defer c.Close()
	server.responses <- httpResponse(200, "OK", "hello")

	resp, err := c.SendAndReceive(context.Background(), conn.Request{Method: "GET", URI: "/x"}, false)
	if err != nil {
		t.Fatalf("SendAndReceive: %v", err)
	}
	if resp.Code != 200 || string(resp.Body) != "hello" {
		t.Errorf("resp = %d %q", resp.Code, resp.Body)
	}

	req := <-server.requests
	if !strings.HasPrefix(req, "GET /x HTTP/1.1\r\n") {
		t.Errorf("request line wrong: %q", req)
	}
}

func TestFifoCorrelation(t *testing.T) {
	server, c := newScriptedServer(t)
	defer c.Close()
	server.responses <- httpResponse(200, "OK", "first")
	server.responses <- httpResponse(200, "OK", "second")

	a, err := c.SendAndReceive(context.Background(), conn.Request{Method: "GET", URI: "/a"}, false)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	b, err := c.SendAndReceive(context.Background(), conn.Request{Method: "GET", URI: "/b"}, false)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if string(a.Body) != "first" || string(b.Body) != "second" {
		t.Errorf("responses out of order: %q, %q", a.Body, b.Body)
	}
}

func TestStatusMapping(t *testing.T) {
	server, c := newScriptedServer(t)
	defer c.Close()

	server.responses <- httpResponse(404, "Not Found", "")
	_, err := c.SendAndReceive(context.Background(), conn.Request{Method: "GET", URI: "/x"}, false)
	var httpErr *models.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != 404 {
		t.Errorf("404 error = %v", err)
	}

	server.responses <- httpResponse(404, "Not Found", "")
	resp, err := c.SendAndReceive(context.Background(), conn.Request{Method: "GET", URI: "/x"}, true)
	if err != nil || resp.Code != 404 {
		t.Errorf("allowError should pass 404 through: %v %v", resp, err)
	}

	server.responses <- httpResponse(403, "Forbidden", "")
	_, err = c.SendAndReceive(context.Background(), conn.Request{Method: "GET", URI: "/x"}, false)
	var authErr *models.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Errorf("403 error = %v", err)
	}
}

func TestConnectionLostRejectsOutstanding(t *testing.T) {
	server, c := newScriptedServer(t)
	defer c.Close()

	var closeCalls atomic.Int32
	c.SetOnClose(func(error) { closeCalls.Add(1) })

	done := make(chan error, 1)
	go func() {
		_, err := c.SendAndReceive(context.Background(), conn.Request{Method: "GET", URI: "/x"}, false)
		done <- err
	}()
	<-server.requests
	close(server.responses) // server hangs up instead of answering

	if err := <-done; !errors.Is(err, models.ErrConnectionLost) {
		t.Errorf("error = %v, want ErrConnectionLost", err)
	}
	// Further requests fail immediately.
	if _, err := c.SendAndReceive(context.Background(), conn.Request{Method: "GET", URI: "/y"}, false); !errors.Is(err, models.ErrConnectionLost) {
		t.Errorf("post-close error = %v", err)
	}

	deadline := time.After(time.Second)
	for closeCalls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("onClose never invoked")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if n := closeCalls.Load(); n != 1 {
		t.Errorf("onClose invoked %d times", n)
	}
}

func TestChannelProcessorsRoundTrip(t *testing.T) {
	outKey := bytes.Repeat([]byte{1}, 32)
	inKey := bytes.Repeat([]byte{2}, 32)

	sendCipher, err := hap.NewChacha20Cipher(outKey, inKey)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	recvCipher, _ := hap.NewChacha20Cipher(inKey, outKey)

	send, _ := conn.ChannelProcessors(sendCipher)
	_, recv := conn.ChannelProcessors(recvCipher)

	payload := bytes.Repeat([]byte("data"), 700) // spans multiple frames
	wire, err := send(payload)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// Deliver the wire bytes in awkward chunks to exercise partial frames.
	var decoded, rest []byte
	for i := 0; i < len(wire); i += 100 {
		end := i + 100
		if end > len(wire) {
			end = len(wire)
		}
		var part []byte
		part, rest, err = recv(append(rest, wire[i:end]...))
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		decoded = append(decoded, part...)
	}
	if !bytes.Equal(decoded, payload) {
		t.Errorf("decoded %d bytes, want %d", len(decoded), len(payload))
	}
	if len(rest) != 0 {
		t.Errorf("%d bytes left undecoded", len(rest))
	}
}

func TestRtspDigestRetry(t *testing.T) {
	server, c := newScriptedServer(t)
	defer c.Close()

	session := conn.NewRtspSession(c)
	session.Password = "secret"

	server.responses <- "RTSP/1.0 401 Unauthorized\r\nWWW-Authenticate: Digest realm=\"raop\", nonce=\"abc123\"\r\nContent-Length: 0\r\n\r\n"
	server.responses <- "RTSP/1.0 200 OK\r\nContent-Length: 0\r\n\r\n"

	resp, err := session.Record(context.Background(), nil)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if resp.Code != 200 {
		t.Errorf("final code = %d", resp.Code)
	}

	first := <-server.requests
	if strings.Contains(first, "Authorization:") {
		t.Errorf("first request should not carry Authorization")
	}
	second := <-server.requests
	if !strings.Contains(second, `Digest username="airtv", realm="raop", nonce="abc123"`) {
		t.Errorf("second request missing digest auth: %q", second)
	}
	if !strings.Contains(first, "CSeq: 1\r\n") || !strings.Contains(second, "CSeq: 2\r\n") {
		t.Errorf("CSeq not monotone:\n%q\n%q", first, second)
	}
}

func TestParseTransport(t *testing.T) {
	params := conn.ParseTransport("RTP/AVP/UDP;unicast;mode=record;server_port=53561;control_port=63379;timing_port=0")
	if _, ok := params["unicast"]; !ok {
		t.Errorf("flag parameter missing: %v", params)
	}
	port, err := conn.TransportPort(params, "server_port")
	if err != nil || port != 53561 {
		t.Errorf("server_port = %d, %v", port, err)
	}
	if _, err := conn.TransportPort(params, "missing"); err == nil {
		t.Error("missing parameter should error")
	}
}
