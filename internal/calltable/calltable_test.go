// internal/calltable/calltable_test.go
package calltable

import (
	"testing"
	"time"

	"github.com/dkoosis/wiremux/internal/substrate"
	"github.com/dkoosis/wiremux/internal/wire"
)

func TestNextIDMonotonic(t *testing.T) {
	ct := New(substrate.New(), time.Second, nil)
	first := ct.NextID()
	second := ct.NextID()
	if first != 1 || second != 2 {
		t.Errorf("got ids %d, %d, want 1, 2", first, second)
	}
}

func TestDeliverResolvesAndCancelsTimer(t *testing.T) {
	ct := New(substrate.New(), 50*time.Millisecond, nil)
	id := ct.NextID()

	replies := make(chan *wire.Message, 1)
	ct.Register(id, time.Second, func(m *wire.Message) { replies <- m })

	result := wire.NewResult(id, nil)
	ok := ct.Deliver(id, result)
	if !ok {
		t.Fatal("Deliver() = false, want true for a registered id")
	}

	select {
	case m := <-replies:
		if m.Kind() != wire.KindResponse {
			t.Errorf("delivered message kind = %v, want Response", m.Kind())
		}
	case <-time.After(time.Second):
		t.Fatal("reply never delivered")
	}

	// Give the armed timer a chance to fire; it must not deliver again.
	time.Sleep(1200 * time.Millisecond)
	select {
	case m := <-replies:
		t.Fatalf("unexpected second delivery after Deliver: %+v", m)
	default:
	}
}

func TestDeliverUnknownIDReturnsFalse(t *testing.T) {
	ct := New(substrate.New(), time.Second, nil)
	if ct.Deliver(999, wire.NewResult(999, nil)) {
		t.Error("Deliver() for unregistered id = true, want false")
	}
}

func TestTimeoutFiresSyntheticError(t *testing.T) {
	ct := New(substrate.New(), time.Second, nil)
	id := ct.NextID()

	replies := make(chan *wire.Message, 1)
	ct.Register(id, 20*time.Millisecond, func(m *wire.Message) { replies <- m })

	select {
	case m := <-replies:
		if m.Error == nil || m.Error.Code != "Timeout" {
			t.Errorf("delivered message = %+v, want Timeout error", m)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestCloseAllDeliversDisconnect(t *testing.T) {
	ct := New(substrate.New(), time.Second, nil)
	id1 := ct.NextID()
	id2 := ct.NextID()

	replies := make(chan *wire.Message, 2)
	ct.Register(id1, time.Minute, func(m *wire.Message) { replies <- m })
	ct.Register(id2, time.Minute, func(m *wire.Message) { replies <- m })

	ct.CloseAll()

	for i := 0; i < 2; i++ {
		select {
		case m := <-replies:
			if m.Error == nil {
				t.Errorf("delivered message %+v has no error", m)
			}
		case <-time.After(time.Second):
			t.Fatal("CloseAll did not deliver to all entries")
		}
	}

	if ct.Len() != 0 {
		t.Errorf("Len() = %d after CloseAll, want 0", ct.Len())
	}
}
