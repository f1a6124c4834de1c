package mrp

import (
	"sync"
	"time"

	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/protocols/mrp/protos"
)

// cocoaEpochOffset is the offset between the Cocoa epoch (2001-01-01 UTC)
// and the Unix epoch.
const cocoaEpochOffset = 978307200

// DefaultPlayerID names the synthesized player used when a client reports
// state without a player path.
const DefaultPlayerID = "MediaRemote-DefaultPlayer"

// PlayerState is the tracked state of one player.
type PlayerState struct {
	Identifier  string
	DisplayName string

	PlaybackState     uint64
	Metadata          *protos.ContentItemMetadata
	ItemIdentifier    string
	SupportedCommands []*protos.SupportedCommand
}

// Client is one application publishing players.
type Client struct {
	BundleIdentifier string
	DisplayName      string

	players map[string]*PlayerState
	active  *PlayerState
}

// player returns the client's player by identifier, creating it on demand.
func (c *Client) player(id, displayName string) *PlayerState {
	if id == "" {
		id = DefaultPlayerID
	}
	p, ok := c.players[id]
	if !ok {
		p = &PlayerState{Identifier: id}
		c.players[id] = p
	}
	if displayName != "" {
		p.DisplayName = displayName
	}
	return p
}

// ActivePlayer returns the active player, synthesizing an empty state when
// none has been announced.
func (c *Client) ActivePlayer() *PlayerState {
	if c.active != nil {
		return c.active
	}
	return &PlayerState{Identifier: DefaultPlayerID}
}

// StateListener is notified after updates that touch the visible state.
type StateListener interface {
	StateUpdated()
}

// PlayerStateManager reconciles now-playing updates into a two-level tree:
// clients keyed by bundle identifier, players keyed by player identifier,
// with one active client and one active player per client. It is written
// only from the protocol receiver.
type PlayerStateManager struct {
	mu sync.Mutex

	clients      map[string]*Client
	activeClient *Client

	defaultCommands []*protos.SupportedCommand

	listener StateListener
}

// NewPlayerStateManager creates a manager wired to the protocol's state
// message types.
func NewPlayerStateManager(p *Protocol) *PlayerStateManager {
	return &PlayerStateManager{clients: make(map[string]*Client)}
}

// SetListener installs the single state listener. Passing nil detaches the
// previous listener, which stops further notifications (the subscription
// handle form of the weak reference the protocol used to rely on).
func (m *PlayerStateManager) SetListener(l StateListener) {
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

// Playing returns the active client's active player, synthesizing an empty
// state when nothing is active.
func (m *PlayerStateManager) Playing() *PlayerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeClient == nil {
		return &PlayerState{Identifier: DefaultPlayerID}
	}
	return m.activeClient.ActivePlayer()
}

// ActiveClient returns the active client, or nil.
func (m *PlayerStateManager) ActiveClient() *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeClient
}

// HandleMessage consumes one state-bearing message; other types are
// ignored.
func (m *PlayerStateManager) HandleMessage(msg *protos.Message) {
	switch msg.Type {
	case protos.TypeSetState:
		if payload, err := protos.ParseSetState(msg.Payload); err == nil {
			m.handleSetState(payload)
		}
	case protos.TypeUpdateContentItem:
		if payload, err := protos.ParseUpdateContentItem(msg.Payload); err == nil {
			m.handleUpdateContentItem(payload)
		}
	case protos.TypeSetNowPlayingClient:
		if payload, err := protos.ParseClientMessage(msg.Payload); err == nil {
			m.handleSetNowPlayingClient(payload)
		}
	case protos.TypeSetNowPlayingPlayer:
		if payload, err := protos.ParsePlayerPathMessage(msg.Payload); err == nil {
			m.handleSetNowPlayingPlayer(payload)
		}
	case protos.TypeUpdateClient:
		if payload, err := protos.ParseClientMessage(msg.Payload); err == nil {
			m.handleUpdateClient(payload)
		}
	case protos.TypeRemoveClient:
		if payload, err := protos.ParseClientMessage(msg.Payload); err == nil {
			m.handleRemoveClient(payload)
		}
	case protos.TypeRemovePlayer:
		if payload, err := protos.ParsePlayerPathMessage(msg.Payload); err == nil {
			m.handleRemovePlayer(payload)
		}
	case protos.TypeSetDefaultSupportedCommands:
		if payload, err := protos.ParseSetDefaultSupportedCommands(msg.Payload); err == nil {
			m.handleSetDefaultSupportedCommands(payload)
		}
	}
}

func (m *PlayerStateManager) client(c *protos.Client) *Client {
	if c == nil {
		return nil
	}
	existing, ok := m.clients[c.BundleIdentifier]
	if !ok {
		existing = &Client{
			BundleIdentifier: c.BundleIdentifier,
			players:          make(map[string]*PlayerState),
		}
		m.clients[c.BundleIdentifier] = existing
	}
	if c.DisplayName != "" {
		existing.DisplayName = c.DisplayName
	}
	return existing
}

// notifyIfVisible invokes the listener when the mutated client/player is
// the active one, or when the update was unscoped.
func (m *PlayerStateManager) notifyIfVisible(client *Client, player *PlayerState) {
	visible := client == nil || client == m.activeClient
	if visible && player != nil && m.activeClient != nil && m.activeClient.active != nil {
		visible = player == m.activeClient.active
	}
	listener := m.listener
	m.mu.Unlock()
	if visible && listener != nil {
		listener.StateUpdated()
	}
	m.mu.Lock()
}

func (m *PlayerStateManager) handleSetState(payload *protos.SetState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var client *Client
	var player *PlayerState
	if payload.PlayerPath != nil {
		client = m.client(payload.PlayerPath.Client)
	}
	if client == nil {
		return
	}
	var playerID, playerName string
	if payload.PlayerPath.Player != nil {
		playerID, playerName = payload.PlayerPath.Player.Identifier, payload.PlayerPath.Player.DisplayName
	}
	player = client.player(playerID, playerName)
	if client.active == nil {
		client.active = player
	}
	if m.activeClient == nil {
		m.activeClient = client
	}

	if payload.PlaybackState != 0 {
		player.PlaybackState = payload.PlaybackState
	}
	if len(payload.ContentItems) > 0 {
		item := payload.ContentItems[len(payload.ContentItems)-1]
		player.ItemIdentifier = item.Identifier
		player.Metadata = item.Metadata
	}
	if len(payload.SupportedCommands) > 0 {
		player.SupportedCommands = payload.SupportedCommands
	}

	m.notifyIfVisible(client, player)
}

func (m *PlayerStateManager) handleUpdateContentItem(payload *protos.UpdateContentItem) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if payload.PlayerPath == nil {
		return
	}
	client := m.client(payload.PlayerPath.Client)
	var playerID string
	if payload.PlayerPath.Player != nil {
		playerID = payload.PlayerPath.Player.Identifier
	}
	player := client.player(playerID, "")
	for _, item := range payload.Items {
		if player.ItemIdentifier != "" && item.Identifier != player.ItemIdentifier {
			continue
		}
		mergeMetadata(player, item.Metadata)
	}
	m.notifyIfVisible(client, player)
}

// mergeMetadata folds an incremental update into the existing metadata.
func mergeMetadata(player *PlayerState, update *protos.ContentItemMetadata) {
	if update == nil {
		return
	}
	if player.Metadata == nil {
		player.Metadata = update
		return
	}
	existing := player.Metadata
	if update.Title != "" {
		existing.Title = update.Title
	}
	if update.TrackArtistName != "" {
		existing.TrackArtistName = update.TrackArtistName
	}
	if update.AlbumName != "" {
		existing.AlbumName = update.AlbumName
	}
	if update.Genre != "" {
		existing.Genre = update.Genre
	}
	if update.Duration != 0 {
		existing.Duration = update.Duration
	}
	if update.ElapsedTime != 0 {
		existing.ElapsedTime = update.ElapsedTime
		existing.ElapsedTimeTimestamp = update.ElapsedTimeTimestamp
	}
	if update.PlaybackRate != 0 {
		existing.PlaybackRate = update.PlaybackRate
	}
	if update.ContentIdentifier != "" {
		existing.ContentIdentifier = update.ContentIdentifier
	}
}

func (m *PlayerStateManager) handleSetNowPlayingClient(payload *protos.ClientMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if payload.Client == nil {
		return
	}
	m.activeClient = m.client(payload.Client)
	m.notifyIfVisible(nil, nil)
}

func (m *PlayerStateManager) handleSetNowPlayingPlayer(payload *protos.PlayerPathMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if payload.PlayerPath == nil {
		return
	}
	client := m.client(payload.PlayerPath.Client)
	var id, name string
	if payload.PlayerPath.Player != nil {
		id, name = payload.PlayerPath.Player.Identifier, payload.PlayerPath.Player.DisplayName
	}
	client.active = client.player(id, name)
	m.notifyIfVisible(client, nil)
}

func (m *PlayerStateManager) handleUpdateClient(payload *protos.ClientMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if payload.Client == nil {
		return
	}
	client := m.client(payload.Client)
	m.notifyIfVisible(client, nil)
}

func (m *PlayerStateManager) handleRemoveClient(payload *protos.ClientMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if payload.Client == nil {
		return
	}
	wasActive := m.activeClient != nil && m.activeClient.BundleIdentifier == payload.Client.BundleIdentifier
	delete(m.clients, payload.Client.BundleIdentifier)
	if wasActive {
		m.activeClient = nil
	}
	m.notifyIfVisible(nil, nil)
}

func (m *PlayerStateManager) handleRemovePlayer(payload *protos.PlayerPathMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if payload.PlayerPath == nil || payload.PlayerPath.Client == nil {
		return
	}
	client, ok := m.clients[payload.PlayerPath.Client.BundleIdentifier]
	if !ok || payload.PlayerPath.Player == nil {
		return
	}
	id := payload.PlayerPath.Player.Identifier
	if client.active != nil && client.active.Identifier == id {
		client.active = nil
	}
	delete(client.players, id)
	m.notifyIfVisible(client, nil)
}

func (m *PlayerStateManager) handleSetDefaultSupportedCommands(payload *protos.SetDefaultSupportedCommands) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultCommands = payload.SupportedCommands
	m.notifyIfVisible(nil, nil)
}

// CommandEnabled reports whether the active player (or the defaults)
// enable a command.
func (m *PlayerStateManager) CommandEnabled(command uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	commands := m.defaultCommands
	if m.activeClient != nil {
		if active := m.activeClient.ActivePlayer(); len(active.SupportedCommands) > 0 {
			commands = active.SupportedCommands
		}
	}
	for _, c := range commands {
		if c.Command == command {
			return c.Enabled
		}
	}
	return false
}

// BuildPlaying converts a player state into the shared snapshot model.
// The reported playback state is adjusted by playback rate: near-zero rate
// while "Playing" becomes Paused, a rate near 1.0 stays Playing, anything
// else maps to Seeking.
func BuildPlaying(state *PlayerState, now time.Time) models.Playing {
	playing := models.Playing{}
	meta := state.Metadata
	if meta == nil {
		return playing
	}

	playing.Title = meta.Title
	playing.Artist = meta.TrackArtistName
	playing.Album = meta.AlbumName
	playing.Genre = meta.Genre
	playing.SeriesName = meta.SeriesName
	playing.ContentIdentifier = meta.ContentIdentifier
	if meta.SeasonNumber != 0 {
		playing.SeasonNumber = models.Int(int(meta.SeasonNumber))
	}
	if meta.EpisodeNumber != 0 {
		playing.EpisodeNumber = models.Int(int(meta.EpisodeNumber))
	}
	if meta.ITunesStoreID != 0 {
		playing.ITunesStoreIdentifier = models.Int(int(meta.ITunesStoreID))
	}
	if meta.Duration != 0 {
		playing.TotalTime = models.Int(int(meta.Duration))
	}

	switch meta.MediaType {
	case 1:
		playing.MediaType = models.MediaTypeMusic
	case 2:
		playing.MediaType = models.MediaTypeVideo
	}
	if meta.ShuffleMode != 0 {
		s := models.ShuffleState(meta.ShuffleMode - 1)
		playing.Shuffle = &s
	}
	if meta.RepeatMode != 0 {
		r := models.RepeatState(meta.RepeatMode - 1)
		playing.Repeat = &r
	}

	playing.DeviceState = deviceState(state.PlaybackState, meta.PlaybackRate)
	playing.Position = models.Int(position(meta, playing.DeviceState, now))
	return models.NewPlaying(playing)
}

func deviceState(playbackState uint64, rate float64) models.DeviceState {
	switch playbackState {
	case protos.PlaybackStatePlaying:
		switch {
		case rate > -0.2 && rate < 0.2:
			return models.DeviceStatePaused
		case rate > 0.8 && rate < 1.2:
			return models.DeviceStatePlaying
		default:
			return models.DeviceStateSeeking
		}
	case protos.PlaybackStatePaused, protos.PlaybackStateInterrupted:
		return models.DeviceStatePaused
	case protos.PlaybackStateStopped:
		return models.DeviceStateStopped
	case protos.PlaybackStateSeeking:
		return models.DeviceStateSeeking
	default:
		return models.DeviceStateIdle
	}
}

// position is elapsedTime plus the wall-clock progress since the elapsed
// time was stamped (Cocoa epoch) while actually playing; otherwise the
// stamped elapsed time alone.
func position(meta *protos.ContentItemMetadata, state models.DeviceState, now time.Time) int {
	elapsed := meta.ElapsedTime
	if state == models.DeviceStatePlaying && meta.ElapsedTimeTimestamp != 0 {
		stamped := meta.ElapsedTimeTimestamp + cocoaEpochOffset
		elapsed += float64(now.UnixNano())/1e9 - stamped
	}
	if elapsed < 0 {
		return 0
	}
	return int(elapsed)
}
