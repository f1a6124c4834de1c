package core_test

import (
	"testing"

	"github.com/airtv-go/airtv/internal/core"
	"github.com/airtv-go/airtv/internal/models"
)

func TestDispatchOrderAndFiltering(t *testing.T) {
	d := core.NewStateDispatcher()

	var got []string
	d.ListenTo(core.StatePlaying, func(m core.StateMessage) {
		got = append(got, "first:"+m.Value.(string))
	}, nil)
	d.ListenTo(core.StatePlaying, func(m core.StateMessage) {
		got = append(got, "second:"+m.Value.(string))
	}, func(m core.StateMessage) bool { return m.Protocol == models.ProtocolMRP })

	d.Dispatch(core.StateMessage{Protocol: models.ProtocolMRP, State: core.StatePlaying, Value: "a"})
	d.Dispatch(core.StateMessage{Protocol: models.ProtocolDMAP, State: core.StatePlaying, Value: "b"})
	d.Dispatch(core.StateMessage{Protocol: models.ProtocolMRP, State: core.StateVolume, Value: "c"})

	want := []string{"first:a", "second:a", "first:b"}
	if len(got) != len(want) {
		t.Fatalf("deliveries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSubscriptionCancel(t *testing.T) {
	d := core.NewStateDispatcher()
	calls := 0
	sub := d.ListenTo(core.StatePlaying, func(core.StateMessage) { calls++ }, nil)

	d.Dispatch(core.StateMessage{State: core.StatePlaying})
	sub.Cancel()
	sub.Cancel() // idempotent
	d.Dispatch(core.StateMessage{State: core.StatePlaying})

	if calls != 1 {
		t.Errorf("listener called %d times after cancel, want 1", calls)
	}
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	d := core.NewStateDispatcher()
	d.ListenTo(core.StatePlaying, func(core.StateMessage) { panic("boom") }, nil)
	reached := false
	d.ListenTo(core.StatePlaying, func(core.StateMessage) { reached = true }, nil)

	d.Dispatch(core.StateMessage{State: core.StatePlaying})
	if !reached {
		t.Error("listener after panicking one was not invoked")
	}
}

func TestProtocolDispatcherStampsProtocol(t *testing.T) {
	d := core.NewStateDispatcher()
	var seen models.Protocol
	d.ListenTo(core.StateVolume, func(m core.StateMessage) { seen = m.Protocol }, nil)

	d.ProtocolDispatcher(models.ProtocolRAOP).Dispatch(core.StateVolume, 20.0)
	if seen != models.ProtocolRAOP {
		t.Errorf("protocol = %s, want RAOP", seen)
	}
}

func TestSupportedCommands(t *testing.T) {
	s := core.NewSupportedCommands(core.CmdUp, core.CmdPlay)
	if !s.Supports(core.CmdUp) || s.Supports(core.CmdStop) {
		t.Error("support set wrong")
	}
}
