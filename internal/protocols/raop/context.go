package raop

import (
	"math/rand"
)

// PCM defaults for one RAOP session: 44.1 kHz 16-bit stereo with 352
// frames per packet, giving 1408-byte packets and 4-byte frames.
const (
	DefaultSampleRate      = 44100
	DefaultChannels        = 2
	DefaultBytesPerChannel = 2
	FramesPerPacket        = 352
)

// StreamContext is the mutable state of one streaming session. It is
// reset between playback sessions.
type StreamContext struct {
	SampleRate      uint32
	Channels        int
	BytesPerChannel int

	Latency uint32 // frames of receiver-side buffering

	RtpSeq  uint16
	RtpTime uint32
	HeadTS  uint32 // media timestamp of the stream head

	PaddingSent uint32 // frames of zero padding sent after the source dried up
	Volume      float64

	RtspSessionID string
	ServerPort    uint16
	ControlPort   uint16
	TimingPort    uint16

	Credentials string
	Password    string
}

// NewStreamContext creates a context with the default PCM parameters.
func NewStreamContext() *StreamContext {
	ctx := &StreamContext{}
	ctx.Reset()
	return ctx
}

// Reset restores defaults and fresh randomized sequence/timestamp bases.
func (c *StreamContext) Reset() {
	c.SampleRate = DefaultSampleRate
	c.Channels = DefaultChannels
	c.BytesPerChannel = DefaultBytesPerChannel
	c.Latency = 22050 // half a second at the default rate
	c.RtpSeq = uint16(rand.Uint32())
	c.RtpTime = rand.Uint32()
	c.HeadTS = c.RtpTime
	c.PaddingSent = 0
	c.RtspSessionID = ""
	c.ServerPort = 0
	c.ControlPort = 0
	c.TimingPort = 0
}

// FrameSize is the byte size of one sample frame across channels.
func (c *StreamContext) FrameSize() int {
	return c.Channels * c.BytesPerChannel
}

// PacketSize is the payload byte size of one full audio packet.
func (c *StreamContext) PacketSize() int {
	return FramesPerPacket * c.FrameSize()
}
