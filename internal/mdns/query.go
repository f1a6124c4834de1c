package mdns

import (
	"math/rand"

	"github.com/airtv-go/airtv/internal/dnsmsg"
)

// questionsPerMessage bounds how many PTR questions one query carries; the
// sleep-proxy probe rides along in every message.
const questionsPerMessage = 3

// BuildQueries splits the wanted service types into query messages, each
// with up to three PTR questions plus the sleep-proxy probe, all asking for
// unicast responses (class 0x8001).
func BuildQueries(serviceTypes []string) []*dnsmsg.Message {
	var out []*dnsmsg.Message
	for start := 0; start < len(serviceTypes); start += questionsPerMessage {
		end := start + questionsPerMessage
		if end > len(serviceTypes) {
			end = len(serviceTypes)
		}
		msg := &dnsmsg.Message{MsgID: uint16(rand.Uint32())}
		for _, t := range serviceTypes[start:end] {
			msg.Questions = append(msg.Questions, dnsmsg.Question{
				QName: t, QType: dnsmsg.TypePTR, QClass: dnsmsg.ClassCacheFlushIN,
			})
		}
		msg.Questions = append(msg.Questions, dnsmsg.Question{
			QName: SleepProxyService, QType: dnsmsg.TypePTR, QClass: dnsmsg.ClassCacheFlushIN,
		})
		out = append(out, msg)
	}
	return out
}
