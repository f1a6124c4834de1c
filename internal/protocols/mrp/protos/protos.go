// Package protos encodes and decodes the MediaRemote protocol messages the
// engine exchanges. The schema itself is external; this package only maps
// the fields the engine reads and writes onto their wire numbers using
// protowire, and leaves everything else opaque.
package protos

import (
	"github.com/airtv-go/airtv/internal/models"
	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType identifies a protocol message.
type MessageType int32

// Message types handled by the engine.
const (
	TypeSendCommand                 MessageType = 1
	TypeCommandResult               MessageType = 2
	TypeGetState                    MessageType = 3
	TypeSetState                    MessageType = 4
	TypeSetArtwork                  MessageType = 5
	TypeRegisterHIDDevice           MessageType = 6
	TypeSendHIDEvent                MessageType = 8
	TypeSendVirtualTouchEvent       MessageType = 10
	TypeNotification                MessageType = 13
	TypeContentItemsChanged         MessageType = 14
	TypeDeviceInfo                  MessageType = 15
	TypeClientUpdatesConfig         MessageType = 16
	TypeVolumeControlAvailability   MessageType = 17
	TypeGameController              MessageType = 18
	TypeRegisterForGameController   MessageType = 19
	TypeKeyboard                    MessageType = 20
	TypeGetKeyboardSession          MessageType = 21
	TypeTextInput                   MessageType = 22
	TypeGetVoiceInputDevices        MessageType = 23
	TypeRegisterVoiceInputDevice    MessageType = 24
	TypeSetRecordingState           MessageType = 26
	TypeSendVoiceInput              MessageType = 27
	TypePlaybackQueueRequest        MessageType = 28
	TypeTransaction                 MessageType = 29
	TypeCryptoPairing               MessageType = 34
	TypeGenericMessage              MessageType = 36
	TypeSendButtonEvent             MessageType = 38
	TypeSetConnectionState          MessageType = 40
	TypeSetHiliteMode               MessageType = 42
	TypeWakeDevice                  MessageType = 43
	TypeDeviceInfoUpdate            MessageType = 44
	TypeSetDefaultSupportedCommands MessageType = 45
	TypeSetNowPlayingClient         MessageType = 46
	TypeSetNowPlayingPlayer         MessageType = 47
	TypeUpdateClient                MessageType = 55
	TypeRemoveClient                MessageType = 56
	TypeRemovePlayer                MessageType = 57
	TypeUpdateContentItem           MessageType = 58
	TypeSetVolume                   MessageType = 63
	TypeVolumeDidChange             MessageType = 64
)

// Outer message field numbers.
const (
	fieldType       = 1
	fieldIdentifier = 2
	fieldErrorCode  = 5
	fieldPayload    = 10
)

// Message is one framed protocol message. Payload carries the already
// encoded extension message for the type; other outer fields are skipped
// when decoding and not preserved.
type Message struct {
	Type       MessageType
	Identifier string
	ErrorCode  int64
	Payload    []byte
}

// Marshal encodes the message.
func (m *Message) Marshal() []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldType, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(m.Type))
	if m.Identifier != "" {
		out = protowire.AppendTag(out, fieldIdentifier, protowire.BytesType)
		out = protowire.AppendString(out, m.Identifier)
	}
	if m.ErrorCode != 0 {
		out = protowire.AppendTag(out, fieldErrorCode, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(m.ErrorCode))
	}
	if len(m.Payload) > 0 {
		out = protowire.AppendTag(out, fieldPayload, protowire.BytesType)
		out = protowire.AppendBytes(out, m.Payload)
	}
	return out
}

// Unmarshal decodes a message, skipping unknown fields.
func Unmarshal(data []byte) (*Message, error) {
	msg := &Message{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, models.ProtocolErrorf("mrp: malformed tag")
		}
		data = data[n:]
		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, models.ProtocolErrorf("mrp: malformed type")
			}
			msg.Type = MessageType(v)
			data = data[n:]
		case num == fieldIdentifier && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, models.ProtocolErrorf("mrp: malformed identifier")
			}
			msg.Identifier = v
			data = data[n:]
		case num == fieldErrorCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, models.ProtocolErrorf("mrp: malformed error code")
			}
			msg.ErrorCode = int64(v)
			data = data[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, models.ProtocolErrorf("mrp: malformed payload")
			}
			msg.Payload = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, models.ProtocolErrorf("mrp: malformed field %d", num)
			}
			data = data[n:]
		}
	}
	return msg, nil
}

// fieldWriter accumulates protowire fields for payload structs.
type fieldWriter struct{ out []byte }

func (w *fieldWriter) str(num protowire.Number, v string) {
	if v == "" {
		return
	}
	w.out = protowire.AppendTag(w.out, num, protowire.BytesType)
	w.out = protowire.AppendString(w.out, v)
}

func (w *fieldWriter) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	w.out = protowire.AppendTag(w.out, num, protowire.BytesType)
	w.out = protowire.AppendBytes(w.out, v)
}

func (w *fieldWriter) varint(num protowire.Number, v uint64) {
	w.out = protowire.AppendTag(w.out, num, protowire.VarintType)
	w.out = protowire.AppendVarint(w.out, v)
}

func (w *fieldWriter) bool(num protowire.Number, v bool) {
	b := uint64(0)
	if v {
		b = 1
	}
	w.varint(num, b)
}

func (w *fieldWriter) double(num protowire.Number, v float64) {
	if v == 0 {
		return
	}
	w.out = protowire.AppendTag(w.out, num, protowire.Fixed64Type)
	w.out = protowire.AppendFixed64(w.out, uint64frombits(v))
}

// visitFields walks fields of an encoded payload.
func visitFields(data []byte, visit func(num protowire.Number, typ protowire.Type, value []byte, varint uint64, fixed uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return models.ProtocolErrorf("mrp: malformed payload tag")
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return models.ProtocolErrorf("mrp: malformed varint field %d", num)
			}
			if err := visit(num, typ, nil, v, 0); err != nil {
				return err
			}
			data = data[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return models.ProtocolErrorf("mrp: malformed fixed64 field %d", num)
			}
			if err := visit(num, typ, nil, 0, v); err != nil {
				return err
			}
			data = data[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return models.ProtocolErrorf("mrp: malformed fixed32 field %d", num)
			}
			if err := visit(num, typ, nil, 0, uint64(v)); err != nil {
				return err
			}
			data = data[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return models.ProtocolErrorf("mrp: malformed bytes field %d", num)
			}
			if err := visit(num, typ, v, 0, 0); err != nil {
				return err
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return models.ProtocolErrorf("mrp: malformed field %d", num)
			}
			data = data[n:]
		}
	}
	return nil
}
