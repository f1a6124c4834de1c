package pairing

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/airtv-go/airtv/internal/dmap"
	"github.com/airtv-go/airtv/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/grandcat/zeroconf"
)

// touchRemoteService is the service type advertised while DMAP pairing is
// in progress; the device discovers it and connects back to us.
const touchRemoteService = "_touch-remote._tcp"

// DmapPairing implements the inverted DMAP pairing flow: we run an HTTP
// server on an ephemeral port, advertise it over mDNS, and wait for the
// device to post a pairing digest. The advertisement is registered without
// an explicit interface list, leaving the choice of interfaces and announced
// addresses to the zeroconf library.
type DmapPairing struct {
	service *models.MutableService
	name    string
	guid    uint64
	pin     string

	paired   atomic.Bool
	listener net.Listener
	server   *http.Server
	zc       *zeroconf.Server
}

// NewDmapPairing creates a handler pairing as remoteName. A zero guid
// generates a random one.
func NewDmapPairing(service *models.MutableService, remoteName string, guid uint64) *DmapPairing {
	if guid == 0 {
		guid = rand.Uint64()
	}
	return &DmapPairing{service: service, name: remoteName, guid: guid}
}

// DeviceProvidesPin is false: this side chooses the PIN and the user types
// it into the device.
func (p *DmapPairing) DeviceProvidesPin() bool { return false }

// Pin sets the expected PIN. Without one, any pairing request is accepted.
func (p *DmapPairing) Pin(pin string) { p.pin = pin }

// Service returns the service credentials are written to.
func (p *DmapPairing) Service() *models.MutableService { return p.service }

// HasPaired reports whether the device has completed the handshake.
func (p *DmapPairing) HasPaired() bool { return p.paired.Load() }

// GUID returns the pairing guid as the device sees it.
func (p *DmapPairing) GUID() string {
	return strings.ToUpper(fmt.Sprintf("%016x", p.guid))
}

// Handler returns the pairing HTTP surface.
func (p *DmapPairing) Handler() http.Handler {
	router := chi.NewRouter()
	router.Post("/pairing", p.handlePairing)
	return router
}

// Begin starts the pairing server and the mDNS advertisement.
func (p *DmapPairing) Begin(ctx context.Context) error {
	listener, err := net.Listen("tcp4", ":0")
	if err != nil {
		return fmt.Errorf("dmap pairing: listen: %w", err)
	}
	p.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	p.server = &http.Server{Handler: p.Handler(), ReadTimeout: 10 * time.Second}
	go func() {
		if err := p.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Warn("dmap pairing: server stopped", "err", err)
		}
	}()

	txt := []string{
		"DvNm=" + p.name,
		"RemV=10000",
		"DvTy=iPod",
		"RemN=Remote",
		"txtvers=1",
		"Pair=" + p.GUID(),
	}
	zc, err := zeroconf.Register(p.name, touchRemoteService, "local.", port, txt, nil)
	if err != nil {
		p.server.Close()
		return fmt.Errorf("dmap pairing: advertise: %w", err)
	}
	p.zc = zc
	slog.Info("dmap pairing: waiting for device", "port", port, "guid", p.GUID())
	return nil
}

// ExpectedDigest is the digest the device must present for a PIN: the MD5
// of the guid hex string followed by each PIN digit interleaved with a NUL
// byte.
func (p *DmapPairing) ExpectedDigest() string {
	var b strings.Builder
	b.WriteString(p.GUID())
	for _, digit := range p.pin {
		b.WriteRune(digit)
		b.WriteByte(0)
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func (p *DmapPairing) handlePairing(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 256))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	received := strings.TrimSpace(string(body))
	if received == "" {
		received = r.URL.Query().Get("pairingcode")
	}

	if p.pin != "" && !strings.EqualFold(received, p.ExpectedDigest()) {
		slog.Debug("dmap pairing: digest mismatch")
		w.WriteHeader(http.StatusNotFound)
		return
	}

	response := dmap.Container("cmpa",
		dmap.Uint64("cmpg", p.guid),
		dmap.String("cmnm", p.name),
		dmap.String("cmty", "iPhone"),
	)
	w.Header().Set("Content-Type", "application/x-dmap-tagged")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(response)
	p.paired.Store(true)
	slog.Info("dmap pairing: device paired", "guid", p.GUID())
}

// Finish stores the credentials after a successful handshake.
func (p *DmapPairing) Finish(ctx context.Context) error {
	if !p.paired.Load() {
		return fmt.Errorf("%w: device has not paired", models.ErrInvalidState)
	}
	p.service.Credentials = "0x" + p.GUID()
	return nil
}

// Close stops the advertisement and the pairing server.
func (p *DmapPairing) Close(ctx context.Context) error {
	if p.zc != nil {
		p.zc.Shutdown()
		p.zc = nil
	}
	if p.server != nil {
		return p.server.Shutdown(ctx)
	}
	return nil
}
