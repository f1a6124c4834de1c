// Package dmapproto implements the legacy DMAP/DAAP/DACP protocol used by
// Apple TV 1-3 and iTunes: HTTP requests carrying DMAP-tagged binary
// payloads, a login session, remote control commands, and a long-polling
// push update channel.
package dmapproto

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/airtv-go/airtv/internal/conn"
	"github.com/airtv-go/airtv/internal/dmap"
	"github.com/airtv-go/airtv/internal/models"
)

// authPlaceholder marks where the session id parameter is substituted into
// request paths once logged in.
const authPlaceholder = "[AUTH]"

// DaapRequester issues DAAP requests on a persistent connection and
// maintains the login session.
type DaapRequester struct {
	connection *conn.HttpConnection

	// loginID is the pairing-guid (0x...) or hsgid used to authenticate.
	loginID   string
	sessionID uint64
	loggedIn  bool
}

// NewDaapRequester creates a requester with the given login id.
func NewDaapRequester(connection *conn.HttpConnection, loginID string) *DaapRequester {
	return &DaapRequester{connection: connection, loginID: loginID}
}

func (r *DaapRequester) loginParam() string {
	if strings.HasPrefix(r.loginID, "0x") {
		return "pairing-guid=" + r.loginID
	}
	return "hsgid=" + r.loginID
}

// Login starts a session and records the session id.
func (r *DaapRequester) Login(ctx context.Context) error {
	body, err := r.getRaw(ctx, fmt.Sprintf("login?%s&hasFP=1", r.loginParam()))
	if err != nil {
		return err
	}
	sessionID, err := dmap.First(body, "mlog", "mlid")
	if err != nil {
		return err
	}
	id, ok := sessionID.(uint64)
	if !ok {
		return fmt.Errorf("%w: login response missing session id", models.ErrInvalidResponse)
	}
	r.sessionID = id
	r.loggedIn = true
	return nil
}

// Get performs one DAAP GET, substituting the session id and re-logging in
// once when the session has expired.
func (r *DaapRequester) Get(ctx context.Context, path string) ([]byte, error) {
	if !r.loggedIn {
		if err := r.Login(ctx); err != nil {
			return nil, err
		}
	}
	body, err := r.getRaw(ctx, r.substituteAuth(path))
	var authErr *models.AuthenticationError
	if errors.As(err, &authErr) {
		// Session expired; log in again and retry once.
		if err := r.Login(ctx); err != nil {
			return nil, err
		}
		return r.getRaw(ctx, r.substituteAuth(path))
	}
	return body, err
}

// Post performs one DAAP POST with a body.
func (r *DaapRequester) Post(ctx context.Context, path string, body []byte) ([]byte, error) {
	if !r.loggedIn {
		if err := r.Login(ctx); err != nil {
			return nil, err
		}
	}
	resp, err := r.connection.SendAndReceive(ctx, conn.Request{
		Method:  "POST",
		URI:     "/" + r.substituteAuth(path),
		Headers: daapHeaders("application/x-www-form-urlencoded"),
		Body:    body,
	}, false)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (r *DaapRequester) substituteAuth(path string) string {
	return strings.ReplaceAll(path, authPlaceholder, fmt.Sprintf("session-id=%d", r.sessionID))
}

func (r *DaapRequester) getRaw(ctx context.Context, path string) ([]byte, error) {
	resp, err := r.connection.SendAndReceive(ctx, conn.Request{
		Method:  "GET",
		URI:     "/" + path,
		Headers: daapHeaders(""),
	}, false)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func daapHeaders(contentType string) []conn.Header {
	headers := []conn.Header{
		{Key: "Accept", Value: "*/*"},
		{Key: "Client-DAAP-Version", Value: "3.13"},
		{Key: "Viewer-Only-Client", Value: "1"},
	}
	if contentType != "" {
		headers = append(headers, conn.Header{Key: "Content-Type", Value: contentType})
	}
	return headers
}

// BuildPlaying converts a playstatusupdate body into a snapshot.
func BuildPlaying(body []byte) (*models.Playing, error) {
	entries, err := dmap.Parse(body)
	if err != nil {
		return nil, err
	}
	first := func(path ...string) any { return firstIn(entries, path) }

	playing := models.Playing{}
	if caps, ok := first("cmst", "caps").(uint64); ok {
		switch caps {
		case 2:
			playing.DeviceState = models.DeviceStateStopped
		case 3:
			playing.DeviceState = models.DeviceStatePaused
		case 4:
			playing.DeviceState = models.DeviceStatePlaying
		case 5, 6:
			playing.DeviceState = models.DeviceStateSeeking
		default:
			playing.DeviceState = models.DeviceStateIdle
		}
	}
	if title, ok := first("cmst", "cann").(string); ok {
		playing.Title = title
		playing.MediaType = models.MediaTypeMusic
	}
	if artist, ok := first("cmst", "cana").(string); ok {
		playing.Artist = artist
	}
	if album, ok := first("cmst", "canl").(string); ok {
		playing.Album = album
	}
	if genre, ok := first("cmst", "cang").(string); ok {
		playing.Genre = genre
	}
	if total, ok := first("cmst", "cast").(uint64); ok {
		playing.TotalTime = models.Int(int(total / 1000))
		if remaining, ok := first("cmst", "cant").(uint64); ok && remaining <= total {
			playing.Position = models.Int(int((total - remaining) / 1000))
		}
	}
	if shuffle, ok := first("cmst", "cash").(uint64); ok {
		s := models.ShuffleOff
		if shuffle > 0 {
			s = models.ShuffleSongs
		}
		playing.Shuffle = &s
	}
	if repeat, ok := first("cmst", "carp").(uint64); ok && repeat <= 2 {
		r := models.RepeatState(repeat)
		playing.Repeat = &r
	}
	snapshot := models.NewPlaying(playing)
	return &snapshot, nil
}

// Revision extracts the playstatus revision number for long polling.
func Revision(body []byte) uint64 {
	entries, err := dmap.Parse(body)
	if err != nil {
		return 0
	}
	if rev, ok := firstIn(entries, []string{"cmst", "cmsr"}).(uint64); ok {
		return rev
	}
	return 0
}

func firstIn(entries []dmap.Entry, path []string) any {
	if len(path) == 0 {
		return nil
	}
	for _, e := range entries {
		if e.Tag != path[0] {
			continue
		}
		if len(path) == 1 {
			return e.Value
		}
		if children, ok := e.Value.([]dmap.Entry); ok {
			if v := firstIn(children, path[1:]); v != nil {
				return v
			}
		}
	}
	return nil
}
