package protos

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Client identifies an application publishing now-playing state.
type Client struct {
	BundleIdentifier string // 1
	DisplayName      string // 2
}

func (c *Client) marshal() []byte {
	var w fieldWriter
	w.str(1, c.BundleIdentifier)
	w.str(2, c.DisplayName)
	return w.out
}

func parseClient(data []byte) (*Client, error) {
	c := &Client{}
	err := visitFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint, fixed uint64) error {
		switch num {
		case 1:
			c.BundleIdentifier = string(value)
		case 2:
			c.DisplayName = string(value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Player identifies one player within a client.
type Player struct {
	Identifier  string // 1
	DisplayName string // 2
}

func (p *Player) marshal() []byte {
	var w fieldWriter
	w.str(1, p.Identifier)
	w.str(2, p.DisplayName)
	return w.out
}

// PlayerPath addresses a player through its owning client.
type PlayerPath struct {
	Client *Client // 1
	Player *Player // 2
}

func (p *PlayerPath) marshal() []byte {
	var w fieldWriter
	if p.Client != nil {
		w.bytes(1, p.Client.marshal())
	}
	if p.Player != nil {
		w.bytes(2, p.Player.marshal())
	}
	return w.out
}

func parsePlayerPath(data []byte) (*PlayerPath, error) {
	p := &PlayerPath{}
	err := visitFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint, fixed uint64) error {
		switch num {
		case 1:
			c, err := parseClient(value)
			if err != nil {
				return err
			}
			p.Client = c
		case 2:
			player := &Player{}
			err := visitFields(value, func(n protowire.Number, t protowire.Type, v []byte, vi, f uint64) error {
				switch n {
				case 1:
					player.Identifier = string(v)
				case 2:
					player.DisplayName = string(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			p.Player = player
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ContentItemMetadata is the now-playing metadata subset the engine reads.
type ContentItemMetadata struct {
	Title                string  // 1
	TrackArtistName      string  // 2
	AlbumName            string  // 3
	Genre                string  // 4
	Duration             float64 // 5
	ElapsedTime          float64 // 6
	ElapsedTimeTimestamp float64 // 7, Cocoa epoch seconds
	PlaybackRate         float64 // 8
	MediaType            uint64  // 9
	ShuffleMode          uint64  // 10
	RepeatMode           uint64  // 11
	ContentIdentifier    string  // 12
	ITunesStoreID        uint64  // 13
	SeriesName           string  // 15
	SeasonNumber         uint64  // 16
	EpisodeNumber        uint64  // 17
}

// Marshal encodes the metadata.
func (m *ContentItemMetadata) Marshal() []byte {
	var w fieldWriter
	w.str(1, m.Title)
	w.str(2, m.TrackArtistName)
	w.str(3, m.AlbumName)
	w.str(4, m.Genre)
	w.double(5, m.Duration)
	w.double(6, m.ElapsedTime)
	w.double(7, m.ElapsedTimeTimestamp)
	w.double(8, m.PlaybackRate)
	if m.MediaType != 0 {
		w.varint(9, m.MediaType)
	}
	if m.ShuffleMode != 0 {
		w.varint(10, m.ShuffleMode)
	}
	if m.RepeatMode != 0 {
		w.varint(11, m.RepeatMode)
	}
	w.str(12, m.ContentIdentifier)
	if m.ITunesStoreID != 0 {
		w.varint(13, m.ITunesStoreID)
	}
	w.str(15, m.SeriesName)
	if m.SeasonNumber != 0 {
		w.varint(16, m.SeasonNumber)
	}
	if m.EpisodeNumber != 0 {
		w.varint(17, m.EpisodeNumber)
	}
	return w.out
}

// ParseContentItemMetadata decodes metadata.
func ParseContentItemMetadata(data []byte) (*ContentItemMetadata, error) {
	m := &ContentItemMetadata{}
	err := visitFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint, fixed uint64) error {
		switch num {
		case 1:
			m.Title = string(value)
		case 2:
			m.TrackArtistName = string(value)
		case 3:
			m.AlbumName = string(value)
		case 4:
			m.Genre = string(value)
		case 5:
			m.Duration = math.Float64frombits(fixed)
		case 6:
			m.ElapsedTime = math.Float64frombits(fixed)
		case 7:
			m.ElapsedTimeTimestamp = math.Float64frombits(fixed)
		case 8:
			m.PlaybackRate = math.Float64frombits(fixed)
		case 9:
			m.MediaType = varint
		case 10:
			m.ShuffleMode = varint
		case 11:
			m.RepeatMode = varint
		case 12:
			m.ContentIdentifier = string(value)
		case 13:
			m.ITunesStoreID = varint
		case 15:
			m.SeriesName = string(value)
		case 16:
			m.SeasonNumber = varint
		case 17:
			m.EpisodeNumber = varint
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ContentItem couples an item identifier with its metadata and optional
// artwork bytes.
type ContentItem struct {
	Identifier string               // 1
	Metadata   *ContentItemMetadata // 2
	Artwork    []byte               // 3
}

func (c *ContentItem) marshal() []byte {
	var w fieldWriter
	w.str(1, c.Identifier)
	if c.Metadata != nil {
		w.bytes(2, c.Metadata.Marshal())
	}
	w.bytes(3, c.Artwork)
	return w.out
}

func parseContentItem(data []byte) (*ContentItem, error) {
	c := &ContentItem{}
	err := visitFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint, fixed uint64) error {
		switch num {
		case 1:
			c.Identifier = string(value)
		case 2:
			m, err := ParseContentItemMetadata(value)
			if err != nil {
				return err
			}
			c.Metadata = m
		case 3:
			c.Artwork = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SupportedCommand flags one command's availability.
type SupportedCommand struct {
	Command uint64 // 1
	Enabled bool   // 2
}

func (s *SupportedCommand) marshal() []byte {
	var w fieldWriter
	w.varint(1, s.Command)
	w.bool(2, s.Enabled)
	return w.out
}

func parseSupportedCommand(data []byte) (*SupportedCommand, error) {
	s := &SupportedCommand{}
	err := visitFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint, fixed uint64) error {
		switch num {
		case 1:
			s.Command = varint
		case 2:
			s.Enabled = varint != 0
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SetState is the full player state update.
type SetState struct {
	PlayerPath        *PlayerPath         // 1
	PlaybackState     uint64              // 2
	ContentItems      []*ContentItem      // 3
	SupportedCommands []*SupportedCommand // 4
}

// Playback states reported in SetState.
const (
	PlaybackStateUnknown     = 0
	PlaybackStatePlaying     = 1
	PlaybackStatePaused      = 2
	PlaybackStateStopped     = 3
	PlaybackStateInterrupted = 4
	PlaybackStateSeeking     = 5
)

// Marshal encodes the state update.
func (s *SetState) Marshal() []byte {
	var w fieldWriter
	if s.PlayerPath != nil {
		w.bytes(1, s.PlayerPath.marshal())
	}
	if s.PlaybackState != 0 {
		w.varint(2, s.PlaybackState)
	}
	for _, item := range s.ContentItems {
		w.bytes(3, item.marshal())
	}
	for _, cmd := range s.SupportedCommands {
		w.bytes(4, cmd.marshal())
	}
	return w.out
}

// ParseSetState decodes a state update.
func ParseSetState(data []byte) (*SetState, error) {
	s := &SetState{}
	err := visitFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint, fixed uint64) error {
		switch num {
		case 1:
			p, err := parsePlayerPath(value)
			if err != nil {
				return err
			}
			s.PlayerPath = p
		case 2:
			s.PlaybackState = varint
		case 3:
			item, err := parseContentItem(value)
			if err != nil {
				return err
			}
			s.ContentItems = append(s.ContentItems, item)
		case 4:
			cmd, err := parseSupportedCommand(value)
			if err != nil {
				return err
			}
			s.SupportedCommands = append(s.SupportedCommands, cmd)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateContentItem carries incremental metadata for existing items.
type UpdateContentItem struct {
	PlayerPath *PlayerPath    // 1
	Items      []*ContentItem // 2
}

// Marshal encodes the update.
func (u *UpdateContentItem) Marshal() []byte {
	var w fieldWriter
	if u.PlayerPath != nil {
		w.bytes(1, u.PlayerPath.marshal())
	}
	for _, item := range u.Items {
		w.bytes(2, item.marshal())
	}
	return w.out
}

// ParseUpdateContentItem decodes the update.
func ParseUpdateContentItem(data []byte) (*UpdateContentItem, error) {
	u := &UpdateContentItem{}
	err := visitFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint, fixed uint64) error {
		switch num {
		case 1:
			p, err := parsePlayerPath(value)
			if err != nil {
				return err
			}
			u.PlayerPath = p
		case 2:
			item, err := parseContentItem(value)
			if err != nil {
				return err
			}
			u.Items = append(u.Items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ClientMessage wraps a bare client reference (set-now-playing-client,
// update-client, remove-client).
type ClientMessage struct {
	Client *Client // 1
}

// Marshal encodes the client reference.
func (c *ClientMessage) Marshal() []byte {
	var w fieldWriter
	if c.Client != nil {
		w.bytes(1, c.Client.marshal())
	}
	return w.out
}

// ParseClientMessage decodes a client reference.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	c := &ClientMessage{}
	err := visitFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint, fixed uint64) error {
		if num == 1 {
			client, err := parseClient(value)
			if err != nil {
				return err
			}
			c.Client = client
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// PlayerPathMessage wraps a bare player path (set-now-playing-player,
// remove-player).
type PlayerPathMessage struct {
	PlayerPath *PlayerPath // 1
}

// Marshal encodes the player path wrapper.
func (p *PlayerPathMessage) Marshal() []byte {
	var w fieldWriter
	if p.PlayerPath != nil {
		w.bytes(1, p.PlayerPath.marshal())
	}
	return w.out
}

// ParsePlayerPathMessage decodes a player path wrapper.
func ParsePlayerPathMessage(data []byte) (*PlayerPathMessage, error) {
	p := &PlayerPathMessage{}
	err := visitFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint, fixed uint64) error {
		if num == 1 {
			path, err := parsePlayerPath(value)
			if err != nil {
				return err
			}
			p.PlayerPath = path
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SetDefaultSupportedCommands carries command availability defaults.
type SetDefaultSupportedCommands struct {
	SupportedCommands []*SupportedCommand // 1
	PlayerPath        *PlayerPath         // 2
}

// Marshal encodes the defaults.
func (s *SetDefaultSupportedCommands) Marshal() []byte {
	var w fieldWriter
	for _, cmd := range s.SupportedCommands {
		w.bytes(1, cmd.marshal())
	}
	if s.PlayerPath != nil {
		w.bytes(2, s.PlayerPath.marshal())
	}
	return w.out
}

// ParseSetDefaultSupportedCommands decodes the defaults.
func ParseSetDefaultSupportedCommands(data []byte) (*SetDefaultSupportedCommands, error) {
	s := &SetDefaultSupportedCommands{}
	err := visitFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint, fixed uint64) error {
		switch num {
		case 1:
			cmd, err := parseSupportedCommand(value)
			if err != nil {
				return err
			}
			s.SupportedCommands = append(s.SupportedCommands, cmd)
		case 2:
			p, err := parsePlayerPath(value)
			if err != nil {
				return err
			}
			s.PlayerPath = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
