// Package rtp implements the RTP packet variants used by RAOP streaming:
// the audio packet (standard RTP, built on pion/rtp), plus the control-plane
// timing, sync, and retransmit packets, and the NTP/media-timestamp
// conversions they rely on.
package rtp

import (
	"encoding/binary"
	"time"

	"github.com/airtv-go/airtv/internal/models"
	pionrtp "github.com/pion/rtp"
)

// Packet type octets (high bit is the marker/proto bit on the wire).
const (
	TypeTimingRequest  = 0xD2
	TypeTimingReply    = 0xD3
	TypeSync           = 0xD4
	TypeRetransmitReq  = 0x55
	TypeRetransmitResp = 0xD6
	PayloadTypeAudio   = 0x60
)

// ntpEpochOffset is the offset between the NTP epoch (1900) and Unix epoch.
const ntpEpochOffset = 2208988800

// Header is the fixed prefix shared by the control-plane packets.
type Header struct {
	Proto uint8
	Type  uint8
	Seqno uint16
}

func (h Header) append(dst []byte) []byte {
	dst = append(dst, h.Proto, h.Type)
	return binary.BigEndian.AppendUint16(dst, h.Seqno)
}

func parseHeader(data []byte) (Header, error) {
	if len(data) < 4 {
		return Header{}, models.ProtocolErrorf("rtp: packet shorter than header")
	}
	return Header{
		Proto: data[0],
		Type:  data[1],
		Seqno: binary.BigEndian.Uint16(data[2:4]),
	}, nil
}

// TimingPacket is the NTP timing request/reply exchanged with the device.
type TimingPacket struct {
	Header
	ReferenceTime uint64
	ReceivedTime  uint64
	SendTime      uint64
}

// Pack serializes the timing packet (32 bytes).
func (p TimingPacket) Pack() []byte {
	out := p.Header.append(make([]byte, 0, 32))
	out = append(out, 0, 0, 0, 0) // zero padding
	out = binary.BigEndian.AppendUint64(out, p.ReferenceTime)
	out = binary.BigEndian.AppendUint64(out, p.ReceivedTime)
	return binary.BigEndian.AppendUint64(out, p.SendTime)
}

// ParseTimingPacket deserializes a timing packet.
func ParseTimingPacket(data []byte) (TimingPacket, error) {
	hdr, err := parseHeader(data)
	if err != nil {
		return TimingPacket{}, err
	}
	if len(data) < 32 {
		return TimingPacket{}, models.ProtocolErrorf("rtp: timing packet is %d bytes", len(data))
	}
	return TimingPacket{
		Header:        hdr,
		ReferenceTime: binary.BigEndian.Uint64(data[8:16]),
		ReceivedTime:  binary.BigEndian.Uint64(data[16:24]),
		SendTime:      binary.BigEndian.Uint64(data[24:32]),
	}, nil
}

// SyncPacket announces the current stream position to the device once per
// second on the control channel.
type SyncPacket struct {
	Header
	NowWithoutLatency uint32
	CurrentSec        uint32
	CurrentFrac       uint32
	Now               uint32
}

// Pack serializes the sync packet (20 bytes).
func (p SyncPacket) Pack() []byte {
	out := p.Header.append(make([]byte, 0, 20))
	out = binary.BigEndian.AppendUint32(out, p.NowWithoutLatency)
	out = binary.BigEndian.AppendUint32(out, p.CurrentSec)
	out = binary.BigEndian.AppendUint32(out, p.CurrentFrac)
	return binary.BigEndian.AppendUint32(out, p.Now)
}

// ParseSyncPacket deserializes a sync packet.
func ParseSyncPacket(data []byte) (SyncPacket, error) {
	hdr, err := parseHeader(data)
	if err != nil {
		return SyncPacket{}, err
	}
	if len(data) < 20 {
		return SyncPacket{}, models.ProtocolErrorf("rtp: sync packet is %d bytes", len(data))
	}
	return SyncPacket{
		Header:            hdr,
		NowWithoutLatency: binary.BigEndian.Uint32(data[4:8]),
		CurrentSec:        binary.BigEndian.Uint32(data[8:12]),
		CurrentFrac:       binary.BigEndian.Uint32(data[12:16]),
		Now:               binary.BigEndian.Uint32(data[16:20]),
	}, nil
}

// RetransmitRequest is sent by the device when it misses audio packets.
type RetransmitRequest struct {
	Header
	LostSeqno   uint16
	LostPackets uint16
}

// ParseRetransmitRequest deserializes a retransmit request. The caller has
// already checked that Type&0x7F == 0x55.
func ParseRetransmitRequest(data []byte) (RetransmitRequest, error) {
	hdr, err := parseHeader(data)
	if err != nil {
		return RetransmitRequest{}, err
	}
	if len(data) < 8 {
		return RetransmitRequest{}, models.ProtocolErrorf("rtp: retransmit request is %d bytes", len(data))
	}
	return RetransmitRequest{
		Header:      hdr,
		LostSeqno:   binary.BigEndian.Uint16(data[4:6]),
		LostPackets: binary.BigEndian.Uint16(data[6:8]),
	}, nil
}

// Pack serializes the retransmit request (8 bytes).
func (p RetransmitRequest) Pack() []byte {
	out := p.Header.append(make([]byte, 0, 8))
	out = binary.BigEndian.AppendUint16(out, p.LostSeqno)
	return binary.BigEndian.AppendUint16(out, p.LostPackets)
}

// AudioPacket builds a RAOP audio RTP frame. The first packet of a session
// carries the marker bit (0xE0 on the wire), subsequent packets 0x60.
func AudioPacket(first bool, seqno uint16, timestamp, ssrc uint32, payload []byte) ([]byte, error) {
	pkt := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			Marker:         first,
			PayloadType:    PayloadTypeAudio,
			SequenceNumber: seqno,
			Timestamp:      timestamp,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	return pkt.Marshal()
}

// NTP time handling.

// NtpNow returns the current time in 32.32 fixed-point NTP format.
func NtpNow() uint64 {
	return TimeToNtp(time.Now())
}

// TimeToNtp converts a wall-clock time to NTP format.
func TimeToNtp(t time.Time) uint64 {
	sec := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return sec<<32 | frac
}

// NtpParts splits an NTP value into its second and fraction words.
func NtpParts(ntp uint64) (sec, frac uint32) {
	return uint32(ntp >> 32), uint32(ntp)
}

// NtpToTimestamp converts an NTP value to a media timestamp at the given
// sample rate.
func NtpToTimestamp(ntp uint64, rate uint32) uint64 {
	sec := ntp >> 32
	frac := ntp & 0xFFFFFFFF
	return sec*uint64(rate) + (frac*uint64(rate))>>32
}

// TimestampToNtp converts a media timestamp at the given sample rate to NTP.
func TimestampToNtp(ts uint64, rate uint32) uint64 {
	sec := ts / uint64(rate)
	rem := ts % uint64(rate)
	return sec<<32 | (rem<<32)/uint64(rate)
}
