package protos

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

func uint64frombits(v float64) uint64 { return math.Float64bits(v) }

// DeviceInfo is the device information exchanged at connection start.
type DeviceInfo struct {
	UniqueIdentifier       string // 1
	Name                   string // 2
	SystemBuildVersion     string // 3
	BundleIdentifier       string // 4
	ProtocolVersion        uint64 // 5
	SystemMediaApplication string // 6
}

// Marshal encodes the device info payload.
func (d *DeviceInfo) Marshal() []byte {
	var w fieldWriter
	w.str(1, d.UniqueIdentifier)
	w.str(2, d.Name)
	w.str(3, d.SystemBuildVersion)
	w.str(4, d.BundleIdentifier)
	if d.ProtocolVersion != 0 {
		w.varint(5, d.ProtocolVersion)
	}
	w.str(6, d.SystemMediaApplication)
	return w.out
}

// ParseDeviceInfo decodes a device info payload.
func ParseDeviceInfo(data []byte) (*DeviceInfo, error) {
	d := &DeviceInfo{}
	err := visitFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint, fixed uint64) error {
		switch num {
		case 1:
			d.UniqueIdentifier = string(value)
		case 2:
			d.Name = string(value)
		case 3:
			d.SystemBuildVersion = string(value)
		case 4:
			d.BundleIdentifier = string(value)
		case 5:
			d.ProtocolVersion = varint
		case 6:
			d.SystemMediaApplication = string(value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// CryptoPairing carries one pairing TLV frame.
type CryptoPairing struct {
	PairingData []byte // 1
	Status      int64  // 2
}

// Marshal encodes the crypto pairing payload.
func (c *CryptoPairing) Marshal() []byte {
	var w fieldWriter
	w.bytes(1, c.PairingData)
	if c.Status != 0 {
		w.varint(2, uint64(c.Status))
	}
	return w.out
}

// ParseCryptoPairing decodes a crypto pairing payload.
func ParseCryptoPairing(data []byte) (*CryptoPairing, error) {
	c := &CryptoPairing{}
	err := visitFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint, fixed uint64) error {
		switch num {
		case 1:
			c.PairingData = append([]byte(nil), value...)
		case 2:
			c.Status = int64(varint)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SetConnectionState announces that the client is attached.
type SetConnectionState struct {
	State uint64 // 1; 2 = connected
}

// Marshal encodes the connection state payload.
func (s *SetConnectionState) Marshal() []byte {
	var w fieldWriter
	w.varint(1, s.State)
	return w.out
}

// ClientUpdatesConfig subscribes to the update streams the engine consumes.
type ClientUpdatesConfig struct {
	ArtworkUpdates    bool // 1
	NowPlayingUpdates bool // 2
	VolumeUpdates     bool // 3
	KeyboardUpdates   bool // 4
}

// Marshal encodes the client updates config payload.
func (c *ClientUpdatesConfig) Marshal() []byte {
	var w fieldWriter
	w.bool(1, c.ArtworkUpdates)
	w.bool(2, c.NowPlayingUpdates)
	w.bool(3, c.VolumeUpdates)
	w.bool(4, c.KeyboardUpdates)
	return w.out
}

// SendCommand is one media command with optional options.
type SendCommand struct {
	Command          uint64  // 1
	SkipInterval     float64 // options
	ShuffleMode      uint64
	RepeatMode       uint64
	PlaybackPosition float64
}

// Media command numbers.
const (
	CommandPlay                   = 1
	CommandPause                  = 2
	CommandTogglePlayPause        = 3
	CommandStop                   = 4
	CommandNextTrack              = 5
	CommandPreviousTrack          = 6
	CommandSkipForward            = 18
	CommandSkipBackward           = 19
	CommandChangeShuffleMode      = 26
	CommandChangeRepeatMode       = 27
	CommandSeekToPlaybackPosition = 45
)

// Marshal encodes the command payload; options nest as field 2.
func (c *SendCommand) Marshal() []byte {
	var w fieldWriter
	w.varint(1, c.Command)

	var opts fieldWriter
	if c.SkipInterval != 0 {
		opts.double(4, c.SkipInterval)
	}
	if c.PlaybackPosition != 0 {
		opts.double(15, c.PlaybackPosition)
	}
	if c.ShuffleMode != 0 {
		opts.varint(10, c.ShuffleMode)
	}
	if c.RepeatMode != 0 {
		opts.varint(11, c.RepeatMode)
	}
	if len(opts.out) > 0 {
		w.bytes(2, opts.out)
	}
	return w.out
}

// CommandResult reports the outcome of a SendCommand.
type CommandResult struct {
	SendError uint64 // 1; 0 means handled
}

// ParseCommandResult decodes a command result payload.
func ParseCommandResult(data []byte) (*CommandResult, error) {
	r := &CommandResult{}
	err := visitFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint, fixed uint64) error {
		if num == 1 {
			r.SendError = varint
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// SendHIDEvent is one press or release of a HID usage.
type SendHIDEvent struct {
	UsagePage uint32
	Usage     uint32
	Down      bool
}

// Marshal encodes the HID event payload (field 1 carries the packed event
// data the receiver expects).
func (h *SendHIDEvent) Marshal() []byte {
	var inner fieldWriter
	inner.varint(1, uint64(h.UsagePage))
	inner.varint(2, uint64(h.Usage))
	inner.bool(3, h.Down)
	var w fieldWriter
	w.bytes(1, inner.out)
	return w.out
}

// Keyboard text session state.
type KeyboardState struct {
	Text  string // 1
	Start bool   // session active
}

// TextInput replaces or appends keyboard text.
type TextInput struct {
	Text      string // 2
	ClearText bool   // 3
}

// Marshal encodes the text input payload.
func (t *TextInput) Marshal() []byte {
	var w fieldWriter
	w.str(2, t.Text)
	w.bool(3, t.ClearText)
	return w.out
}

// ParseKeyboardText extracts the current text from a keyboard message.
func ParseKeyboardText(data []byte) (string, error) {
	text := ""
	err := visitFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint, fixed uint64) error {
		if num == 2 && typ == protowire.BytesType {
			// attributes submessage: field 1 is the title/text
			_ = visitFields(value, func(n protowire.Number, t protowire.Type, v []byte, vi, f uint64) error {
				if n == 1 {
					text = string(v)
				}
				return nil
			})
		}
		return nil
	})
	return text, err
}

// PlaybackQueueRequest asks for content items, optionally with artwork
// scaled to the given dimensions.
type PlaybackQueueRequest struct {
	Location        uint64  // 1
	Length          uint64  // 2
	ArtworkWidth    float64 // 3
	ArtworkHeight   float64 // 4
	IncludeMetadata bool    // 5
}

// Marshal encodes the request.
func (p *PlaybackQueueRequest) Marshal() []byte {
	var w fieldWriter
	w.varint(1, p.Location)
	w.varint(2, p.Length)
	w.double(3, p.ArtworkWidth)
	w.double(4, p.ArtworkHeight)
	if p.IncludeMetadata {
		w.bool(5, true)
	}
	return w.out
}

// SetVolume changes the absolute volume of an output device.
type SetVolume struct {
	Volume         float32 // 1 (0.0 - 1.0)
	OutputDeviceID string  // 2
}

// Marshal encodes the set volume payload.
func (s *SetVolume) Marshal() []byte {
	var w fieldWriter
	w.out = protowire.AppendTag(w.out, 1, protowire.Fixed32Type)
	w.out = protowire.AppendFixed32(w.out, math.Float32bits(s.Volume))
	w.str(2, s.OutputDeviceID)
	return w.out
}

// VolumeDidChange reports a new absolute volume.
type VolumeDidChange struct {
	Volume float32
}

// ParseVolumeDidChange decodes a volume change payload.
func ParseVolumeDidChange(data []byte) (*VolumeDidChange, error) {
	v := &VolumeDidChange{}
	err := visitFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint, fixed uint64) error {
		if num == 1 && typ == protowire.Fixed32Type {
			v.Volume = math.Float32frombits(uint32(fixed))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}
