package transport

import (
	"context"
	"testing"
	"time"
)

func TestAckSignalResolveBeforeWait(t *testing.T) {
	sig := NewAckSignal()
	sig.Resolve(true, "")
	delivered, detail, err := sig.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !delivered || detail != "" {
		t.Fatalf("delivered=%v detail=%q", delivered, detail)
	}
}

func TestAckSignalResolveNeverBlocks(t *testing.T) {
	sig := NewAckSignal()
	// No waiter, repeated resolutions: the radio callback thread must
	// never block here.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			sig.Resolve(false, "MAX_RETRANSMIT")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Resolve blocked")
	}
	delivered, detail, _ := sig.Wait(context.Background(), time.Second)
	if delivered || detail != "MAX_RETRANSMIT" {
		t.Fatalf("delivered=%v detail=%q", delivered, detail)
	}
}

func TestAckSignalTimeout(t *testing.T) {
	sig := NewAckSignal()
	delivered, detail, err := sig.Wait(context.Background(), 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if delivered || detail != "TIMEOUT" {
		t.Fatalf("delivered=%v detail=%q", delivered, detail)
	}
}

func TestMockRecordsAndDelivers(t *testing.T) {
	m := NewMock("!local")
	var got Inbound
	m.OnReceive(func(in Inbound) { got = in })

	if err := m.SendUnicast(context.Background(), "!peer", "hello"); err != nil {
		t.Fatal(err)
	}
	m.SimulateReceive("!peer", "reply")

	frames := m.SentFrames()
	if len(frames) != 1 || frames[0].Dest != "!peer" || frames[0].Text != "hello" {
		t.Fatalf("frames: %+v", frames)
	}
	if got.Sender != "!peer" || got.Text != "reply" {
		t.Fatalf("inbound: %+v", got)
	}
}

func TestMockAckScript(t *testing.T) {
	m := NewMock("!local")
	m.AckFunc = func(dest, text string) (bool, string) {
		return false, "NO_RESPONSE"
	}
	delivered, detail, err := m.SendUnicastAwaitAck(context.Background(), "!peer", "x", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if delivered || detail != "NO_RESPONSE" {
		t.Fatalf("delivered=%v detail=%q", delivered, detail)
	}
}
