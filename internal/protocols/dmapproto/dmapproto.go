package dmapproto

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/airtv-go/airtv/internal/conn"
	"github.com/airtv-go/airtv/internal/core"
	"github.com/airtv-go/airtv/internal/mdns"
	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/pairing"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Service types handled by the DMAP protocol.
const (
	ServiceTypeTouchAble = "_touch-able._tcp.local"
	ServiceTypeAppleTV   = "_appletv-v2._tcp.local"
	ServiceTypeHSCP      = "_hscp._tcp.local"
)

// Scan returns the mDNS handlers for the DMAP service types.
func Scan() map[string]mdns.ServiceHandler {
	parse := func(raw models.RawService) *models.MutableService {
		return models.NewService(raw.Name, models.ProtocolDMAP, raw.Port, raw.Properties)
	}
	return map[string]mdns.ServiceHandler{
		ServiceTypeTouchAble: {
			Protocol:   models.ProtocolDMAP,
			Parse:      parse,
			DeviceName: func(raw models.RawService) string { return raw.Properties["ctln"] },
		},
		ServiceTypeAppleTV: {
			Protocol:   models.ProtocolDMAP,
			Parse:      parse,
			DeviceName: func(raw models.RawService) string { return raw.Properties["ctln"] },
		},
		ServiceTypeHSCP: {
			Protocol: models.ProtocolDMAP,
			Parse: func(raw models.RawService) *models.MutableService {
				service := parse(raw)
				if hsgid, ok := raw.Properties["hg"]; ok {
					service.Credentials = hsgid
				}
				return service
			},
			DeviceName: func(raw models.RawService) string { return raw.Properties["machine name"] },
		},
	}
}

// DeviceInfo derives device attributes from DMAP TXT properties.
func DeviceInfo(serviceType string, properties map[string]string) map[string]any {
	switch serviceType {
	case ServiceTypeTouchAble, ServiceTypeAppleTV, ServiceTypeHSCP:
		return map[string]any{"os": models.OSLegacy}
	default:
		return nil
	}
}

// ServiceInfo marks pairing mandatory until credentials exist.
func ServiceInfo(service *models.MutableService, info *models.DeviceInfo, services []*models.MutableService) {
	if service.Credentials != "" {
		service.Pairing = models.PairingNotNeeded
	} else {
		service.Pairing = models.PairingMandatory
	}
}

// Pair creates the inverted pairing handler.
func Pair(c *core.Core, remoteName, pin string) core.PairingHandler {
	handler := pairing.NewDmapPairing(c.Service, remoteName, 0)
	if pin != "" {
		handler.Pin(pin)
	}
	return handler
}

func dmapFeatures() models.FeatureSet {
	return models.NewFeatureSet(
		models.FeatureUp, models.FeatureDown, models.FeatureLeft, models.FeatureRight,
		models.FeatureSelect, models.FeatureMenu, models.FeatureTopMenu,
		models.FeaturePlay, models.FeaturePause, models.FeaturePlayPause, models.FeatureStop,
		models.FeatureNext, models.FeaturePrevious, models.FeatureSetPosition,
		models.FeatureShuffle, models.FeatureRepeat,
		models.FeatureVolumeUp, models.FeatureVolumeDown,
		models.FeatureTitle, models.FeatureArtist, models.FeatureAlbum, models.FeatureGenre,
		models.FeatureTotalTime, models.FeaturePosition, models.FeatureArtwork,
		models.FeaturePushUpdates,
	)
}

// Setup builds the DMAP contribution for a device.
func Setup(c *core.Core) []core.SetupData {
	session := &dmapSession{core: c}
	dispatcher := c.StateDispatcher.ProtocolDispatcher(models.ProtocolDMAP)

	remote := &remoteControl{session: session}
	meta := &metadata{session: session}
	pusher := &pushUpdater{session: session, metadata: meta}
	pusher.Dispatcher = dispatcher

	return []core.SetupData{{
		Protocol: models.ProtocolDMAP,
		Connect:  session.connect,
		Close: func(ctx context.Context) error {
			pusher.Stop()
			session.close()
			return nil
		},
		DeviceInfo: func() map[string]any { return nil },
		Interfaces: core.Interfaces{
			RemoteControl: remote,
			Metadata:      meta,
			PushUpdater:   pusher,
		},
		Features: dmapFeatures(),
	}}
}

// dmapSession owns the connection and requester for one device.
type dmapSession struct {
	core *core.Core

	mu        sync.Mutex
	requester *DaapRequester
	conn      *conn.HttpConnection
}

// connect dials, logs in, and fetches one initial playstatus.
func (s *dmapSession) connect(ctx context.Context) error {
	addr := net.JoinHostPort(s.core.Config.Address.String(), strconv.Itoa(int(s.core.Service.Port)))
	connection, err := conn.Dial(ctx, addr)
	if err != nil {
		return err
	}
	requester := NewDaapRequester(connection, s.core.Service.Credentials)
	if err := requester.Login(ctx); err != nil {
		connection.Close()
		return err
	}
	if _, err := requester.Get(ctx, "ctrl-int/1/playstatusupdate?revision-number=0&[AUTH]"); err != nil {
		connection.Close()
		return err
	}

	s.mu.Lock()
	s.requester = requester
	s.conn = connection
	s.mu.Unlock()
	return nil
}

func (s *dmapSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *dmapSession) get(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	requester := s.requester
	s.mu.Unlock()
	if requester == nil {
		return nil, fmt.Errorf("%w: not connected", models.ErrInvalidState)
	}
	return requester.Get(ctx, path)
}

func (s *dmapSession) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	s.mu.Lock()
	requester := s.requester
	s.mu.Unlock()
	if requester == nil {
		return nil, fmt.Errorf("%w: not connected", models.ErrInvalidState)
	}
	return requester.Post(ctx, path, body)
}

// remoteControl issues ctrl-int commands. Directional keys are synthesized
// touch gestures over controlpromptentry.
type remoteControl struct {
	session *dmapSession
}

func (r *remoteControl) Supports(c core.Command) bool {
	switch c {
	case core.CmdHome, core.CmdSkipForward, core.CmdSkipBackward,
		core.CmdVolume, core.CmdSetVolume:
		return false
	}
	return true
}

func (r *remoteControl) command(ctx context.Context, name string) error {
	_, err := r.session.get(ctx, fmt.Sprintf("ctrl-int/1/%s?[AUTH]&prompt-id=0", name))
	return err
}

// arrow sends the seven-command touch gesture script for a directional
// press: down, five moves along the axis, then up.
func (r *remoteControl) arrow(ctx context.Context, startX, startY, endX, endY int) error {
	steps := []struct {
		phase string
		frac  float64
		time  int
	}{
		{"touchDown", 0, 0},
		{"touchMove", 0.2, 35},
		{"touchMove", 0.4, 70},
		{"touchMove", 0.6, 105},
		{"touchMove", 0.8, 140},
		{"touchMove", 1.0, 175},
		{"touchUp", 1.0, 210},
	}
	for _, step := range steps {
		x := startX + int(float64(endX-startX)*step.frac)
		y := startY + int(float64(endY-startY)*step.frac)
		body := fmt.Sprintf("cmcc=0x30&cmbe=%s&time=%d&point=%d,%d", step.phase, step.time, x, y)
		if _, err := r.session.post(ctx, "ctrl-int/1/controlpromptentry?[AUTH]&prompt-id=0", []byte(body)); err != nil {
			return err
		}
	}
	return nil
}

func (r *remoteControl) Up(ctx context.Context) error { return r.arrow(ctx, 20, 275, 20, 5) }
func (r *remoteControl) Down(ctx context.Context) error { return r.arrow(ctx, 20, 5, 20, 275) }
func (r *remoteControl) Left(ctx context.Context) error { return r.arrow(ctx, 75, 100, 5, 100) }
func (r *remoteControl) Right(ctx context.Context) error { return r.arrow(ctx, 5, 100, 75, 100) }

func (r *remoteControl) Select(ctx context.Context) error {
	return r.command(ctx, "select")
}

func (r *remoteControl) Menu(ctx context.Context) error {
	return r.command(ctx, "menu")
}

func (r *remoteControl) Home(ctx context.Context) error { return models.ErrNotSupported }

func (r *remoteControl) TopMenu(ctx context.Context) error {
	return r.command(ctx, "topmenu")
}

func (r *remoteControl) Play(ctx context.Context) error { return r.command(ctx, "play") }
func (r *remoteControl) Pause(ctx context.Context) error { return r.command(ctx, "pause") }

func (r *remoteControl) PlayPause(ctx context.Context) error {
	return r.command(ctx, "playpause")
}

func (r *remoteControl) Stop(ctx context.Context) error { return r.command(ctx, "stop") }

func (r *remoteControl) Next(ctx context.Context) error {
	return r.command(ctx, "nextitem")
}

func (r *remoteControl) Previous(ctx context.Context) error {
	return r.command(ctx, "previtem")
}

func (r *remoteControl) SkipForward(ctx context.Context, seconds float64) error {
	return models.ErrNotSupported
}

func (r *remoteControl) SkipBackward(ctx context.Context, seconds float64) error {
	return models.ErrNotSupported
}

func (r *remoteControl) SetPosition(ctx context.Context, seconds int) error {
	_, err := r.session.get(ctx, fmt.Sprintf("ctrl-int/1/setproperty?dacp.playingtime=%d&[AUTH]", seconds*1000))
	return err
}

func (r *remoteControl) SetShuffle(ctx context.Context, state models.ShuffleState) error {
	value := 0
	if state != models.ShuffleOff {
		value = 1
	}
	_, err := r.session.get(ctx, fmt.Sprintf("ctrl-int/1/setproperty?dacp.shufflestate=%d&[AUTH]", value))
	return err
}

func (r *remoteControl) SetRepeat(ctx context.Context, state models.RepeatState) error {
	_, err := r.session.get(ctx, fmt.Sprintf("ctrl-int/1/setproperty?dacp.repeatstate=%d&[AUTH]", int(state)))
	return err
}

// artworkCacheSize bounds the artwork LRU.
const artworkCacheSize = 4

// metadata serves playstatus snapshots and cached artwork.
type metadata struct {
	session *dmapSession

	mu       sync.Mutex
	artCache []artworkEntry
	limiter  *rate.Limiter
}

type artworkEntry struct {
	hash string
	art  *core.Artwork
}

func (m *metadata) Supports(c core.Command) bool {
	return c == core.CmdPlaying || c == core.CmdArtwork
}

func (m *metadata) Playing(ctx context.Context) (*models.Playing, error) {
	body, err := m.session.get(ctx, "ctrl-int/1/playstatusupdate?revision-number=0&[AUTH]")
	if err != nil {
		return nil, err
	}
	return BuildPlaying(body)
}

// Artwork fetches now-playing artwork through a four-entry LRU keyed by
// the playing hash; fetches are rate limited to spare old hardware.
func (m *metadata) Artwork(ctx context.Context, width, height int) (*core.Artwork, error) {
	playing, err := m.Playing(ctx)
	if err != nil {
		return nil, err
	}
	key := playing.Hash()

	m.mu.Lock()
	for i, entry := range m.artCache {
		if entry.hash == key {
			// Move to the front.
			m.artCache = append([]artworkEntry{entry}, append(m.artCache[:i], m.artCache[i+1:]...)...)
			m.mu.Unlock()
			return entry.art, nil
		}
	}
	if m.limiter == nil {
		m.limiter = rate.NewLimiter(rate.Every(time.Second), 2)
	}
	limiter := m.limiter
	m.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if width <= 0 {
		width = 1024
	}
	if height <= 0 {
		height = 576
	}
	body, err := m.session.get(ctx, fmt.Sprintf("ctrl-int/1/nowplayingartwork?mw=%d&mh=%d&[AUTH]", width, height))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, models.ErrNotSupported
	}
	art := &core.Artwork{Bytes: body, ContentType: "image/png", Width: width, Height: height}

	m.mu.Lock()
	m.artCache = append([]artworkEntry{{hash: key, art: art}}, m.artCache...)
	if len(m.artCache) > artworkCacheSize {
		m.artCache = m.artCache[:artworkCacheSize]
	}
	m.mu.Unlock()
	return art, nil
}

// pushUpdater long-polls playstatusupdate with the latest revision number.
type pushUpdater struct {
	core.PushUpdaterBase
	session  *dmapSession
	metadata *metadata

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (p *pushUpdater) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *pushUpdater) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.loop(loopCtx)
	return nil
}

func (p *pushUpdater) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// loop long-polls for playstatus changes. Poll errors reset the revision
// to zero and retry with backoff; a lost connection notifies the device
// listener and ends the loop.
func (p *pushUpdater) loop(ctx context.Context) {
	revision := uint64(0)
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0
	retry.MaxInterval = 30 * time.Second

	for ctx.Err() == nil {
		pollCtx, cancel := context.WithTimeout(ctx, 3*time.Minute)
		body, err := p.session.get(pollCtx, fmt.Sprintf("ctrl-int/1/playstatusupdate?revision-number=%d&[AUTH]", revision))
		cancel()

		if err != nil {
			if errors.Is(err, models.ErrConnectionLost) {
				if p.session.core.DeviceListener != nil {
					p.session.core.DeviceListener.ConnectionLost(err)
				}
				return
			}
			p.PostError(err)
			revision = 0
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry.NextBackOff()):
			}
			continue
		}
		retry.Reset()

		if playing, err := BuildPlaying(body); err == nil {
			p.PostUpdate(playing)
		}
		if next := Revision(body); next != 0 {
			revision = next
		}
	}
}
