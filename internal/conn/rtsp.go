package conn

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/airtv-go/airtv/internal/dmap"
	"github.com/airtv-go/airtv/internal/models"
)

// UserAgent is the default user agent for RTSP exchanges.
const UserAgent = "AirPlay/320.20"

// RtspSession layers RTSP semantics on an HttpConnection: a monotonically
// increasing CSeq, a random session id, and the DACP-ID / Active-Remote /
// Client-Instance tokens Apple receivers expect. A 401 with a digest
// challenge is answered once using the session password.
type RtspSession struct {
	Connection *HttpConnection

	Username  string
	Password  string
	UserAgent string

	SessionID    uint32
	DacpID       string
	ActiveRemote string

	mu    sync.Mutex
	cseq  int
	realm string
	nonce string
}

// NewRtspSession wraps a connection with fresh session tokens.
func NewRtspSession(connection *HttpConnection) *RtspSession {
	return &RtspSession{
		Connection:   connection,
		Username:     "airtv",
		UserAgent:    UserAgent,
		SessionID:    rand.Uint32(),
		DacpID:       strings.ToUpper(fmt.Sprintf("%016x", rand.Uint64())),
		ActiveRemote: strconv.FormatUint(uint64(rand.Uint32()>>1), 10),
	}
}

// BaseURI is the rtsp:// URI for this session, built from the connection's
// local address.
func (s *RtspSession) BaseURI() string {
	host := "0.0.0.0"
	if addr, ok := s.Connection.LocalAddr().(*net.TCPAddr); ok {
		host = addr.IP.String()
	}
	return fmt.Sprintf("rtsp://%s/%d", host, s.SessionID)
}

func (s *RtspSession) nextCSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cseq++
	return s.cseq
}

// Exchange performs one RTSP request/response round trip.
func (s *RtspSession) Exchange(ctx context.Context, method, uri string, headers []Header, body []byte, allowError bool) (*Response, error) {
	req := Request{
		Method:   method,
		URI:      uri,
		Protocol: "RTSP/1.0",
		Body:     body,
	}
	req.Headers = append(req.Headers,
		Header{"CSeq", strconv.Itoa(s.nextCSeq())},
		Header{"DACP-ID", s.DacpID},
		Header{"Active-Remote", s.ActiveRemote},
		Header{"Client-Instance", s.DacpID},
		Header{"User-Agent", s.UserAgent},
	)
	s.mu.Lock()
	if s.nonce != "" {
		req.Headers = append(req.Headers,
			Header{"Authorization", digestHeader(s.Username, s.realm, s.Password, s.nonce, method, uri)})
	}
	s.mu.Unlock()
	req.Headers = append(req.Headers, headers...)

	resp, err := s.Connection.SendAndReceive(ctx, req, allowError)
	if resp != nil && resp.Code == 401 && s.Password != "" {
		if realm, nonce, ok := parseDigestChallenge(resp.Header("WWW-Authenticate")); ok {
			s.mu.Lock()
			firstChallenge := s.nonce != nonce
			s.realm, s.nonce = realm, nonce
			s.mu.Unlock()
			if firstChallenge {
				return s.Exchange(ctx, method, uri, headers, body, allowError)
			}
		}
	}
	return resp, err
}

// Announce sends the session SDP.
func (s *RtspSession) Announce(ctx context.Context, sdp string) (*Response, error) {
	return s.Exchange(ctx, "ANNOUNCE", s.BaseURI(),
		[]Header{{"Content-Type", "application/sdp"}}, []byte(sdp), false)
}

// Setup issues SETUP against the session URI with extra headers (v1
// transport negotiation) or a binary plist body (v2).
func (s *RtspSession) Setup(ctx context.Context, headers []Header, body []byte) (*Response, error) {
	if body != nil {
		headers = append([]Header{{"Content-Type", "application/x-apple-binary-plist"}}, headers...)
	}
	return s.Exchange(ctx, "SETUP", s.BaseURI(), headers, body, false)
}

// Record starts the stream.
func (s *RtspSession) Record(ctx context.Context, headers []Header) (*Response, error) {
	return s.Exchange(ctx, "RECORD", s.BaseURI(), headers, nil, false)
}

// Feedback sends the periodic keep-alive. Some devices answer 501; the
// caller decides whether that is an error.
func (s *RtspSession) Feedback(ctx context.Context, allowError bool) (*Response, error) {
	return s.Exchange(ctx, "POST", "/feedback", nil, nil, allowError)
}

// Flush stops playback at the given sequence number and timestamp.
func (s *RtspSession) Flush(ctx context.Context, seqno uint16, rtptime uint32) (*Response, error) {
	return s.Exchange(ctx, "FLUSH", s.BaseURI(),
		[]Header{{"RTP-Info", fmt.Sprintf("seq=%d;rtptime=%d", seqno, rtptime)}}, nil, false)
}

// Teardown ends the session.
func (s *RtspSession) Teardown(ctx context.Context) (*Response, error) {
	return s.Exchange(ctx, "TEARDOWN", s.BaseURI(), nil, nil, false)
}

// Info fetches the receiver's device information plist.
func (s *RtspSession) Info(ctx context.Context) (*Response, error) {
	return s.Exchange(ctx, "GET", "/info",
		[]Header{{"X-Apple-HKP", "4"}}, nil, false)
}

// SetParameter sends one "name: value" parameter.
func (s *RtspSession) SetParameter(ctx context.Context, name, value string) (*Response, error) {
	body := fmt.Sprintf("%s: %s\r\n", name, value)
	return s.Exchange(ctx, "SET_PARAMETER", s.BaseURI(),
		[]Header{{"Content-Type", "text/parameters"}}, []byte(body), false)
}

// SetMetadata pushes now-playing metadata as DMAP tags.
func (s *RtspSession) SetMetadata(ctx context.Context, rtptime uint32, title, artist, album string) (*Response, error) {
	body := dmap.Container("mlit",
		dmap.String("minm", title),
		dmap.String("cana", artist),
		dmap.String("canl", album),
	)
	return s.Exchange(ctx, "SET_PARAMETER", s.BaseURI(),
		[]Header{
			{"Content-Type", "application/x-dmap-tagged"},
			{"RTP-Info", fmt.Sprintf("rtptime=%d", rtptime)},
		}, body, false)
}

// SetArtwork pushes cover art for the current track.
func (s *RtspSession) SetArtwork(ctx context.Context, rtptime uint32, contentType string, artwork []byte) (*Response, error) {
	return s.Exchange(ctx, "SET_PARAMETER", s.BaseURI(),
		[]Header{
			{"Content-Type", contentType},
			{"RTP-Info", fmt.Sprintf("rtptime=%d", rtptime)},
		}, artwork, false)
}

// ParseTransport splits an RTSP Transport header into its parameters.
func ParseTransport(transport string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(transport, ";") {
		key, value, _ := strings.Cut(part, "=")
		out[key] = value
	}
	return out
}

// TransportPort extracts an integer port parameter from a parsed transport.
func TransportPort(params map[string]string, name string) (uint16, error) {
	v, ok := params[name]
	if !ok {
		return 0, models.ProtocolErrorf("rtsp: transport missing %s", name)
	}
	port, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, models.ProtocolErrorf("rtsp: bad %s value %q", name, v)
	}
	return uint16(port), nil
}
