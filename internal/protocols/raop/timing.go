package raop

import (
	"log/slog"
	"net"

	"github.com/airtv-go/airtv/internal/rtp"
)

// TimingServer answers NTP timing requests from the receiver on a local
// UDP port.
type TimingServer struct {
	conn *net.UDPConn
}

// StartTimingServer binds an ephemeral port and starts answering.
func StartTimingServer() (*TimingServer, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	s := &TimingServer{conn: conn}
	go s.loop()
	return s, nil
}

// Port returns the bound local port.
func (s *TimingServer) Port() uint16 {
	return uint16(s.conn.LocalAddr().(*net.UDPAddr).Port)
}

// Close stops the server.
func (s *TimingServer) Close() {
	s.conn.Close()
}

func (s *TimingServer) loop() {
	buf := make([]byte, 64)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		request, perr := rtp.ParseTimingPacket(buf[:n])
		if perr != nil || request.Type&0x7F != rtp.TypeTimingRequest&0x7F {
			continue
		}
		now := rtp.NtpNow()
		reply := rtp.TimingPacket{
			Header:        rtp.Header{Proto: 0x80, Type: rtp.TypeTimingReply, Seqno: request.Seqno},
			ReferenceTime: request.SendTime,
			ReceivedTime:  now,
			SendTime:      now,
		}
		if _, err := s.conn.WriteToUDP(reply.Pack(), from); err != nil {
			slog.Debug("raop: timing reply failed", "err", err)
		}
	}
}
