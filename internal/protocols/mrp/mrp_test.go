package mrp_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/protocols/mrp"
	"github.com/airtv-go/airtv/internal/protocols/mrp/protos"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := &protos.Message{
		Type:       protos.TypeSendCommand,
		Identifier: "abc-123",
		Payload:    []byte{1, 2, 3},
	}
	decoded, err := protos.Unmarshal(msg.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != msg.Type || decoded.Identifier != msg.Identifier || !bytes.Equal(decoded.Payload, msg.Payload) {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
}

func TestDeviceInfoRoundTrip(t *testing.T) {
	info := &protos.DeviceInfo{
		UniqueIdentifier: "id-1",
		Name:             "Vardagsrum",
		SystemBuildVersion: "17K449",
		ProtocolVersion:  1,
	}
	decoded, err := protos.ParseDeviceInfo(info.Marshal())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if *decoded != *info {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
}

func TestSetStateRoundTrip(t *testing.T) {
	state := &protos.SetState{
		PlayerPath: &protos.PlayerPath{
			Client: &protos.Client{BundleIdentifier: "com.apple.TVMusic"},
			Player: &protos.Player{Identifier: "player-1", DisplayName: "Music"},
		},
		PlaybackState: protos.PlaybackStatePlaying,
		ContentItems: []*protos.ContentItem{{
			Identifier: "item-1",
			Metadata: &protos.ContentItemMetadata{
				Title:        "Song",
				TrackArtistName: "Artist",
				Duration:     180,
				ElapsedTime:  42,
				PlaybackRate: 1.0,
			},
		}},
		SupportedCommands: []*protos.SupportedCommand{{Command: protos.CommandPlay, Enabled: true}},
	}
	decoded, err := protos.ParseSetState(state.Marshal())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if decoded.PlayerPath.Client.BundleIdentifier != "com.apple.TVMusic" {
		t.Errorf("client = %+v", decoded.PlayerPath.Client)
	}
	meta := decoded.ContentItems[0].Metadata
	if meta.Title != "Song" || meta.Duration != 180 || meta.PlaybackRate != 1.0 {
		t.Errorf("metadata = %+v", meta)
	}
	if !decoded.SupportedCommands[0].Enabled {
		t.Errorf("supported command lost")
	}
}

func TestConnectionFraming(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	client := mrp.NewConnection(clientSide)
	server := mrp.NewConnection(serverSide)

	received := make(chan *protos.Message, 4)
	server.SetCallbacks(func(m *protos.Message) { received <- m }, nil)
	client.SetCallbacks(func(*protos.Message) {}, nil)
	client.Start()
	server.Start()
	defer client.Close()
	defer server.Close()

	for i := 0; i < 3; i++ {
		if err := client.Send(&protos.Message{Type: protos.TypeGenericMessage, Identifier: "x"}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case m := <-received:
			if m.Type != protos.TypeGenericMessage {
				t.Errorf("message %d type = %d", i, m.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("message never arrived")
		}
	}
}

func TestConnectionEncryptedFraming(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	client := mrp.NewConnection(clientSide)
	server := mrp.NewConnection(serverSide)

	received := make(chan *protos.Message, 1)
	server.SetCallbacks(func(m *protos.Message) { received <- m }, nil)
	client.SetCallbacks(func(*protos.Message) {}, nil)

	keyA := bytes.Repeat([]byte{1}, 32)
	keyB := bytes.Repeat([]byte{2}, 32)
	if err := client.EnableEncryption(keyA, keyB); err != nil {
		t.Fatalf("client encryption: %v", err)
	}
	if err := server.EnableEncryption(keyB, keyA); err != nil {
		t.Fatalf("server encryption: %v", err)
	}
	client.Start()
	server.Start()
	defer client.Close()
	defer server.Close()

	payload := bytes.Repeat([]byte{0xAB}, 3000) // forces multiple AEAD frames
	if err := client.Send(&protos.Message{Type: protos.TypeSetArtwork, Payload: payload}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case m := <-received:
		if !bytes.Equal(m.Payload, payload) {
			t.Errorf("payload corrupted: %d bytes", len(m.Payload))
		}
	case <-time.After(time.Second):
		t.Fatal("encrypted message never arrived")
	}
}

// fixtureServer answers the MRP connect handshake.
type fixtureServer struct {
	conn *mrp.Connection
}

func startFixtureServer(t *testing.T, c net.Conn) *fixtureServer {
	t.Helper()
	f := &fixtureServer{conn: mrp.NewConnection(c)}
	f.conn.SetCallbacks(f.handle, nil)
	f.conn.Start()
	return f
}

func (f *fixtureServer) handle(msg *protos.Message) {
	reply := &protos.Message{Type: msg.Type, Identifier: msg.Identifier}
	switch msg.Type {
	case protos.TypeDeviceInfo:
		info := &protos.DeviceInfo{UniqueIdentifier: "fixture", Name: "Fixture TV"}
		reply.Payload = info.Marshal()
	case protos.TypeSetConnectionState:
		return // no reply expected
	case protos.TypeGetKeyboardSession, protos.TypeClientUpdatesConfig, protos.TypeGenericMessage:
		// type-keyed replies with empty payloads
	case protos.TypeSendCommand:
		reply.Type = protos.TypeCommandResult
	default:
		return
	}
	_ = f.conn.Send(reply)
}

func TestProtocolHandshakeWithoutCredentials(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	startFixtureServer(t, serverSide)

	service := models.NewService("id", models.ProtocolMRP, 49152, nil)
	protocol := mrp.NewProtocolWithConnection(service, mrp.NewConnection(clientSide))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := protocol.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer protocol.Stop()

	if info := protocol.PeerInfo(); info == nil || info.Name != "Fixture TV" {
		t.Errorf("peer info = %+v", info)
	}
}

func TestSendCommandResult(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	startFixtureServer(t, serverSide)

	service := models.NewService("id", models.ProtocolMRP, 49152, nil)
	protocol := mrp.NewProtocolWithConnection(service, mrp.NewConnection(clientSide))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := protocol.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer protocol.Stop()

	if err := protocol.SendCommand(ctx, &protos.SendCommand{Command: protos.CommandPlay}, "play"); err != nil {
		t.Errorf("command failed: %v", err)
	}
}

func TestSendAndReceiveTimesOut(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	// A server that swallows everything.
	silent := mrp.NewConnection(serverSide)
	silent.SetCallbacks(func(*protos.Message) {}, nil)
	silent.Start()

	service := models.NewService("id", models.ProtocolMRP, 49152, nil)
	protocol := mrp.NewProtocolWithConnection(service, mrp.NewConnection(clientSide))
	protocol.StartBare()
	defer protocol.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := protocol.SendAndReceive(ctx, &protos.Message{Type: protos.TypeGenericMessage}, true)
	if !errors.Is(err, models.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v", err)
	}
}
