package events

import (
	"testing"
	"time"

	"github.com/vietddude/collector/internal/core/domain"
)

func TestBus_FanOut(t *testing.T) {
	bus := NewBus(4)
	a, _ := bus.Subscribe("a")
	b, _ := bus.Subscribe("b")

	bus.Publish(domain.RetryAttemptStarted{TransactionID: "TXN-1", AttemptNumber: 1})

	for name, ch := range map[string]<-chan domain.Event{"a": a, "b": b} {
		select {
		case e := <-ch:
			if e.EventTransactionID() != "TXN-1" {
				t.Errorf("%s: unexpected event %+v", name, e)
			}
		case <-time.After(time.Second):
			t.Errorf("%s: expected event", name)
		}
	}
}

func TestBus_DropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(1)
	ch, _ := bus.Subscribe("slow")

	bus.Publish(domain.RetryAttemptStarted{TransactionID: "first"})
	bus.Publish(domain.RetryAttemptStarted{TransactionID: "second"})

	e := <-ch
	if e.EventTransactionID() != "first" {
		t.Errorf("expected first event kept, got %s", e.EventTransactionID())
	}
	select {
	case e := <-ch:
		t.Errorf("expected second event dropped, got %s", e.EventTransactionID())
	default:
	}
}

func TestBus_RemoteSkipsLocalOnly(t *testing.T) {
	bus := NewBus(4)
	all, _ := bus.Subscribe("listener")
	local, _ := bus.SubscribeLocalOnly("bridge")

	bus.PublishRemote(domain.ExceptionStatusChanged{TransactionID: "TXN-2"})

	select {
	case <-all:
	case <-time.After(time.Second):
		t.Fatal("expected regular subscriber to receive remote event")
	}
	select {
	case e := <-local:
		t.Errorf("expected local-only subscriber to skip remote event, got %+v", e)
	default:
	}
}

func TestBus_UnsubscribeAndClose(t *testing.T) {
	bus := NewBus(4)
	ch, unsubscribe := bus.Subscribe("a")
	unsubscribe()
	unsubscribe()

	if _, ok := <-ch; ok {
		t.Error("expected channel closed after unsubscribe")
	}

	other, _ := bus.Subscribe("b")
	bus.Close()
	bus.Close()
	bus.Publish(domain.RetryAttemptStarted{TransactionID: "late"})
	if _, ok := <-other; ok {
		t.Error("expected channel closed after Close")
	}
}

func TestCodec_RoundTripsEventType(t *testing.T) {
	data, err := Encode("instance-a", domain.RetryAttemptCompleted{
		TransactionID: "TXN-3", AttemptNumber: 2, Status: domain.RetryStatusSuccess, Success: true,
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	origin, e, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if origin != "instance-a" {
		t.Errorf("expected origin instance-a, got %s", origin)
	}
	completed, ok := e.(domain.RetryAttemptCompleted)
	if !ok || !completed.Success || completed.AttemptNumber != 2 {
		t.Errorf("unexpected decoded event %#v", e)
	}

	if _, _, err := Decode([]byte(`{"type":"nope","payload":{}}`)); err == nil {
		t.Error("expected error for unknown event type")
	}
}
