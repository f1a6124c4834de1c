package raop

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/airtv-go/airtv/internal/conn"
	"github.com/airtv-go/airtv/internal/core"
	"github.com/airtv-go/airtv/internal/mdns"
	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/protocols/airplay"
)

// Service types handled by RAOP.
const (
	ServiceType        = "_raop._tcp.local"
	AirportServiceType = "_airport._tcp.local"
)

// Scan returns the mDNS handlers for RAOP and AirPort devices.
func Scan() map[string]mdns.ServiceHandler {
	return map[string]mdns.ServiceHandler{
		ServiceType: {
			Protocol: models.ProtocolRAOP,
			Parse: func(raw models.RawService) *models.MutableService {
				identifier, _, _ := strings.Cut(raw.Name, "@")
				return models.NewService(identifier, models.ProtocolRAOP, raw.Port, raw.Properties)
			},
			DeviceName: func(raw models.RawService) string {
				_, name, ok := strings.Cut(raw.Name, "@")
				if !ok {
					return raw.Name
				}
				return name
			},
		},
		// The bare AirPort record carries no control endpoint; it only marks
		// the device family for info derivation.
		AirportServiceType: {
			Protocol:   models.ProtocolRAOP,
			Parse:      func(raw models.RawService) *models.MutableService { return nil },
			DeviceName: func(raw models.RawService) string { return raw.Name },
		},
	}
}

// DeviceInfo derives device attributes from RAOP TXT properties.
func DeviceInfo(serviceType string, properties map[string]string) map[string]any {
	switch serviceType {
	case ServiceType:
		out := map[string]any{}
		if model, ok := properties["am"]; ok {
			out["model"] = model
		}
		if version, ok := properties["ov"]; ok {
			out["version"] = version
		}
		return out
	case AirportServiceType:
		return map[string]any{"os": models.OSAirPortOS}
	default:
		return nil
	}
}

// ServiceInfo derives password and pairing requirements.
func ServiceInfo(service *models.MutableService, info *models.DeviceInfo, services []*models.MutableService) {
	if pw, ok := service.Property("pw"); ok && (pw == "1" || strings.EqualFold(pw, "true")) {
		service.RequiresPassword = true
	}
	switch {
	case service.Credentials != "":
		service.Pairing = models.PairingNotNeeded
	case info != nil && info.OS == models.OSAirPortOS:
		// AirPort Express firmware wants the legacy pairing dance.
		service.Pairing = models.PairingMandatory
	default:
		service.Pairing = models.PairingOptional
	}
}

func raopFeatures() models.FeatureSet {
	return models.NewFeatureSet(
		models.FeatureStreamFile, models.FeatureSetVolume,
		models.FeatureVolumeUp, models.FeatureVolumeDown, models.FeatureVolume,
	)
}

// Setup builds the RAOP contribution for a device.
func Setup(c *core.Core) []core.SetupData {
	player := &filePlayer{core: c}
	audio := &audio{player: player}
	return []core.SetupData{{
		Protocol: models.ProtocolRAOP,
		Connect:  func(ctx context.Context) error { return nil }, // sessions are per stream
		Close: func(ctx context.Context) error {
			player.stop()
			return nil
		},
		DeviceInfo: func() map[string]any { return nil },
		Interfaces: core.Interfaces{
			Stream: player,
			Audio:  audio,
		},
		Features: raopFeatures(),
	}}
}

// filePlayer streams PCM audio files to the receiver.
type filePlayer struct {
	core *core.Core

	mu      sync.Mutex
	client  *StreamClient
	session *conn.RtspSession
	cancel  context.CancelFunc
	volume  float64
}

func (p *filePlayer) Supports(c core.Command) bool {
	return c == core.CmdStreamFile
}

func (p *filePlayer) PlayURL(ctx context.Context, url string) error {
	return models.ErrNotSupported
}

// StreamFile negotiates a fresh session and streams the source until it
// is exhausted.
func (p *filePlayer) StreamFile(ctx context.Context, source io.Reader) error {
	service := p.core.Service
	addr := net.JoinHostPort(p.core.Config.Address.String(), strconv.Itoa(int(service.Port)))
	connection, err := conn.Dial(ctx, addr)
	if err != nil {
		return err
	}
	session := conn.NewRtspSession(connection)
	session.Password = service.Password

	streamCtx := NewStreamContext()
	streamCtx.Credentials = service.Credentials
	streamCtx.Password = service.Password

	var protocol StreamProtocol
	if airplay.ProtocolVersion(service, airplay.VersionAuto) == airplay.VersionV2 {
		protocol = &AirPlayV2{Session: session, Context: streamCtx}
	} else {
		protocol = &AirPlayV1{Session: session, Context: streamCtx}
	}

	client := NewStreamClient(p.core.Config.Address, streamCtx, protocol)
	streamDone, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.client = client
	p.session = session
	p.cancel = cancel
	p.mu.Unlock()

	defer func() {
		cancel()
		protocol.Teardown(context.Background())
		client.Close()
		connection.Close()
		p.mu.Lock()
		p.client, p.session, p.cancel = nil, nil, nil
		p.mu.Unlock()
	}()

	if err := client.Start(streamDone); err != nil {
		return err
	}
	go feedbackLoop(streamDone, session)
	client.SetListener(&progressReporter{
		ctx: streamDone, session: session, stream: streamCtx, start: streamCtx.RtpTime,
	})
	if p.volume != 0 {
		_ = setVolume(streamDone, session, p.volume)
	}
	return client.Stream(streamDone, pcmSource(source))
}

func (p *filePlayer) StopStream(ctx context.Context) error {
	p.stop()
	return nil
}

func (p *filePlayer) stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// progressReporter mirrors streaming progress to the receiver so its UI
// can show a position bar.
type progressReporter struct {
	ctx     context.Context
	session *conn.RtspSession
	stream  *StreamContext

	start uint32
}

func (r *progressReporter) Progress(position, total time.Duration) {
	current := r.start + uint32(position.Seconds()*float64(r.stream.SampleRate))
	end := current
	if total > 0 {
		end = r.start + uint32(total.Seconds()*float64(r.stream.SampleRate))
	}
	value := fmt.Sprintf("%d/%d/%d", r.start, current, end)
	// Sent off the pacing loop so a slow exchange cannot stall audio.
	go func() {
		_, _ = r.session.SetParameter(r.ctx, "progress", value)
	}()
}

func (r *progressReporter) Finished() {}

// feedbackLoop sends the keep-alive some receivers expect during long
// streams. Receivers without the endpoint answer 501, which is fine.
func feedbackLoop(ctx context.Context, session *conn.RtspSession) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := session.Feedback(ctx, true); err != nil {
			return
		}
	}
}

// pcmSource strips a canonical WAV header when present, streaming the
// remainder as raw samples.
func pcmSource(source io.Reader) io.Reader {
	buffered := bufio.NewReader(source)
	head, err := buffered.Peek(12)
	if err == nil && bytes.Equal(head[:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE")) {
		// Skip up to and including the "data" chunk header.
		if err := skipWavHeader(buffered); err != nil {
			return buffered
		}
	}
	return buffered
}

func skipWavHeader(r *bufio.Reader) error {
	if _, err := r.Discard(12); err != nil {
		return err
	}
	for {
		header := make([]byte, 8)
		if _, err := io.ReadFull(r, header); err != nil {
			return err
		}
		size := int(uint32(header[4]) | uint32(header[5])<<8 | uint32(header[6])<<16 | uint32(header[7])<<24)
		if bytes.Equal(header[:4], []byte("data")) {
			return nil
		}
		if _, err := r.Discard(size); err != nil {
			return err
		}
	}
}

// audio exposes receiver volume as a percentage.
type audio struct {
	player *filePlayer
}

func (a *audio) Supports(c core.Command) bool {
	switch c {
	case core.CmdVolume, core.CmdSetVolume, core.CmdVolumeUp, core.CmdVolumeDown:
		return true
	}
	return false
}

func (a *audio) Volume() float64 {
	a.player.mu.Lock()
	defer a.player.mu.Unlock()
	return a.player.volume
}

func (a *audio) SetVolume(ctx context.Context, volume float64) error {
	a.player.mu.Lock()
	a.player.volume = volume
	session := a.player.session
	a.player.mu.Unlock()
	if session == nil {
		return nil // applied when the next stream starts
	}
	return setVolume(ctx, session, volume)
}

func (a *audio) VolumeUp(ctx context.Context) error {
	return a.SetVolume(ctx, clampPercent(a.Volume()+5))
}

func (a *audio) VolumeDown(ctx context.Context) error {
	return a.SetVolume(ctx, clampPercent(a.Volume()-5))
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// setVolume maps a percentage onto the receiver's decibel scale: zero is
// the distinguished mute value, everything else lands in [-30, 0].
func setVolume(ctx context.Context, session *conn.RtspSession, percent float64) error {
	db := -144.0
	if percent > 0 {
		db = -30 + 0.3*clampPercent(percent)
	}
	_, err := session.SetParameter(ctx, "volume", fmt.Sprintf("%.6f", db))
	return err
}
