package session

import (
	"testing"
	"time"

	"github.com/openclaw/openclaw/internal/protocol"
)

func TestPendingResolve(t *testing.T) {
	p := NewPending(nil)
	ch := p.Create("7")
	defer p.Close("7")

	p.Resolve(protocol.Frame{Type: protocol.TypeResponse, ID: "7", OK: true})

	select {
	case frame, ok := <-ch:
		if !ok {
			t.Fatal("waiter closed before response")
		}
		if frame.ID != "7" || !frame.OK {
			t.Fatalf("frame = %+v, want ok response for id 7", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestPendingUnknownIDDropped(t *testing.T) {
	p := NewPending(nil)
	// Must not panic or block.
	p.Resolve(protocol.Frame{Type: protocol.TypeResponse, ID: "stale"})
}

func TestPendingDuplicateResponseDropped(t *testing.T) {
	p := NewPending(nil)
	ch := p.Create("1")
	defer p.Close("1")

	p.Resolve(protocol.Frame{ID: "1", OK: true})
	p.Resolve(protocol.Frame{ID: "1", OK: false})

	frame := <-ch
	if !frame.OK {
		t.Fatalf("frame = %+v, want first response kept", frame)
	}
}

func TestPendingCloseAllUnblocks(t *testing.T) {
	p := NewPending(nil)
	ch := p.Create("9")

	done := make(chan bool, 1)
	go func() {
		_, ok := <-ch
		done <- ok
	}()

	p.CloseAll()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected closed channel, got a frame")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter still blocked after CloseAll")
	}

	// Close after CloseAll is a no-op.
	p.Close("9")
}
