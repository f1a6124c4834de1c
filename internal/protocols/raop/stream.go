package raop

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/airtv-go/airtv/internal/models"
	"github.com/airtv-go/airtv/internal/rtp"
	"golang.org/x/time/rate"
)

const (
	// backlogSize is the retransmit buffer depth.
	backlogSize = 1000
	// syncInterval paces the control-channel sync packets.
	syncInterval = time.Second
	// maxCatchUpPackets bounds the extra packets sent when behind.
	maxCatchUpPackets = 3
	// lateThreshold is how many consecutive late packets trigger an
	// operator warning.
	lateThreshold = 5
)

// Listener observes streaming progress; both callbacks are optional.
type Listener interface {
	Progress(position, total time.Duration)
	Finished()
}

// Statistics tracks pacing state for one session.
type Statistics struct {
	SampleRate  uint32
	Start       time.Time
	TotalFrames uint64
}

// FramesBehind is how many frames the wall clock has consumed beyond what
// was sent.
func (s *Statistics) FramesBehind(now time.Time) int64 {
	expected := int64(now.Sub(s.Start).Seconds() * float64(s.SampleRate))
	return expected - int64(s.TotalFrames)
}

// StreamClient paces RTP audio toward a receiver, answering retransmit
// requests from a bounded backlog and emitting sync packets once per
// second.
type StreamClient struct {
	Context  *StreamContext
	Protocol StreamProtocol

	remote netip.Addr

	audio   *net.UDPConn
	control *net.UDPConn
	timing  *TimingServer

	backlog  *PacketFifo
	lateWarn rate.Sometimes

	listener Listener
	ssrc     uint32
}

// NewStreamClient creates a client for one receiver address.
func NewStreamClient(remote netip.Addr, streamCtx *StreamContext, protocol StreamProtocol) *StreamClient {
	return &StreamClient{
		Context:  streamCtx,
		Protocol: protocol,
		remote:   remote,
		backlog:  NewPacketFifo(backlogSize),
		lateWarn: rate.Sometimes{Interval: 5 * time.Second},
		ssrc:     uint32(streamCtx.RtpTime) ^ 0x5A5A5A5A,
	}
}

// SetListener installs the progress listener; passing nil detaches it.
func (c *StreamClient) SetListener(l Listener) { c.listener = l }

// Start binds the local sockets and negotiates the session.
func (c *StreamClient) Start(ctx context.Context) error {
	control, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return err
	}
	timing, err := StartTimingServer()
	if err != nil {
		control.Close()
		return err
	}
	c.control = control
	c.timing = timing

	controlPort := uint16(control.LocalAddr().(*net.UDPAddr).Port)
	if err := c.Protocol.Setup(ctx, controlPort, timing.Port()); err != nil {
		c.Close()
		return err
	}

	audio, err := net.DialUDP("udp4", nil, &net.UDPAddr{
		IP: c.remote.AsSlice(), Port: int(c.Context.ServerPort),
	})
	if err != nil {
		c.Close()
		return err
	}
	c.audio = audio

	go c.controlLoop()
	return nil
}

// Close releases the sockets.
func (c *StreamClient) Close() {
	if c.audio != nil {
		c.audio.Close()
	}
	if c.control != nil {
		c.control.Close()
	}
	if c.timing != nil {
		c.timing.Close()
	}
}

// controlLoop answers retransmit requests: a frame whose type has the low
// bits 0x55 names a run of lost sequence numbers, each of which is
// replayed from the backlog prefixed with 80 D6 and the sequence number.
func (c *StreamClient) controlLoop() {
	buf := make([]byte, 2048)
	for {
		n, from, err := c.control.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < 8 || buf[1]&0x7F != rtp.TypeRetransmitReq {
			continue
		}
		request, err := rtp.ParseRetransmitRequest(buf[:n])
		if err != nil {
			continue
		}
		for i := uint16(0); i < request.LostPackets; i++ {
			seqno := request.LostSeqno + i
			packet, ok := c.backlog.Get(seqno)
			if !ok {
				slog.Debug("raop: retransmit miss", "seqno", seqno)
				continue
			}
			reply := make([]byte, 0, len(packet)+4)
			reply = append(reply, 0x80, rtp.TypeRetransmitResp)
			reply = binary.BigEndian.AppendUint16(reply, seqno)
			reply = append(reply, packet...)
			if _, err := c.control.WriteToUDP(reply, from); err != nil {
				return
			}
		}
	}
}

// Stream sends PCM audio from source until it is exhausted, then pads
// with silence until the receiver-side latency is covered.
func (c *StreamClient) Stream(ctx context.Context, source io.Reader) error {
	sc := c.Context
	packetSize := sc.PacketSize()
	interval := time.Duration(float64(FramesPerPacket) / float64(sc.SampleRate) * float64(time.Second))

	stats := &Statistics{SampleRate: sc.SampleRate, Start: time.Now()}
	lastSync := time.Time{}
	consecutiveLate := 0
	first := true
	packetIndex := 0
	buf := make([]byte, packetSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// One or more packets this tick: extras when we have fallen behind.
		packets := 1
		if stats.FramesBehind(time.Now()) >= FramesPerPacket {
			packets += maxCatchUpPackets
		}
		for i := 0; i < packets; i++ {
			done, err := c.sendOnePacket(source, buf, first)
			if err != nil {
				return err
			}
			first = false
			stats.TotalFrames += FramesPerPacket
			packetIndex++
			if done {
				if c.listener != nil {
					c.listener.Finished()
				}
				return nil
			}
		}

		if now := time.Now(); now.Sub(lastSync) >= syncInterval {
			c.sendSync(lastSync.IsZero())
			lastSync = now
			if c.listener != nil {
				position := time.Duration(stats.TotalFrames) * time.Second / time.Duration(sc.SampleRate)
				c.listener.Progress(position, 0)
			}
		}

		next := stats.Start.Add(time.Duration(packetIndex) * interval)
		diff := time.Until(next)
		if diff < 0 {
			// We are late; streaming continues, but warn when it persists.
			consecutiveLate++
			if consecutiveLate >= lateThreshold {
				c.lateWarn.Do(func() {
					slog.Warn("raop: streaming is falling behind", "behind", -diff)
				})
			}
			continue
		}
		consecutiveLate = 0
		select {
		case <-time.After(diff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sendOnePacket reads, frames, processes, and sends one packet. It
// returns done=true once the post-source padding covers the receiver
// latency.
func (c *StreamClient) sendOnePacket(source io.Reader, buf []byte, first bool) (bool, error) {
	n, err := io.ReadFull(source, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return false, &models.PlaybackError{Reason: err.Error()}
	}
	if n < len(buf) {
		// Source dried up: pad the remainder with silence and charge the
		// padded frames against the latency budget.
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		c.Context.PaddingSent += uint32((len(buf) - n) / c.Context.FrameSize())
	}

	packet, err := rtp.AudioPacket(first, c.Context.RtpSeq, c.Context.RtpTime, c.ssrc, buf)
	if err != nil {
		return false, err
	}
	wire := c.Protocol.ProcessPacket(packet, c.Context.RtpSeq)
	if _, err := c.audio.Write(wire); err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrConnectionLost, err)
	}
	if err := c.backlog.Put(c.Context.RtpSeq, wire); err != nil {
		slog.Debug("raop: backlog collision", "seqno", c.Context.RtpSeq)
	}

	c.Context.RtpSeq++ // wraps mod 2^16 by type
	c.Context.RtpTime += FramesPerPacket
	return c.Context.PaddingSent >= c.Context.Latency, nil
}

// sendSync announces the stream position on the control channel.
func (c *StreamClient) sendSync(first bool) {
	proto := uint8(0x80)
	if first {
		proto = 0x90
	}
	sec, frac := rtp.NtpParts(rtp.TimestampToNtp(uint64(c.Context.HeadTS), c.Context.SampleRate))
	packet := rtp.SyncPacket{
		Header:            rtp.Header{Proto: proto, Type: rtp.TypeSync, Seqno: 0x0007},
		NowWithoutLatency: c.Context.RtpTime - c.Context.Latency,
		CurrentSec:        sec,
		CurrentFrac:       frac,
		Now:               c.Context.RtpTime,
	}
	c.Context.HeadTS = c.Context.RtpTime

	target := &net.UDPAddr{IP: c.remote.AsSlice(), Port: int(c.Context.ControlPort)}
	if _, err := c.control.WriteToUDP(packet.Pack(), target); err != nil {
		slog.Debug("raop: sync send failed", "err", err)
	}
}
