package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/vietddude/collector/internal/collector/events"
	"github.com/vietddude/collector/internal/collector/validation"
	"github.com/vietddude/collector/internal/core/domain"
)

type instance struct {
	bus   *events.Bus
	store *validation.MemoryStore
	cache *validation.Cache
}

func startInstance(t *testing.T, ctx context.Context, wg *sync.WaitGroup, mr *miniredis.Miniredis, origin string) *instance {
	t.Helper()
	client, err := NewClient(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	inst := &instance{bus: events.NewBus(16), store: validation.NewMemoryStore(0)}
	inst.cache = validation.NewCache(inst.store, validation.TTLConfig{})

	ch, unsub := inst.bus.Subscribe("invalidation")
	t.Cleanup(unsub)
	listener := validation.NewListener(inst.cache, ch)
	bridge := NewEventBridge(client, inst.bus, "", origin)

	wg.Add(2)
	go func() {
		defer wg.Done()
		listener.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := bridge.Start(ctx); err != nil {
			t.Errorf("bridge %s failed: %v", origin, err)
		}
	}()
	return inst
}

func waitForSubscribers(t *testing.T, mr *miniredis.Miniredis, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mr.PubSubNumSub(defaultChannel)[defaultChannel] >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d subscribers on %s", n, defaultChannel)
}

func TestEventBridge_RemoteEventInvalidatesPeerCache(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	a := startInstance(t, ctx, &wg, mr, "instance-a")
	b := startInstance(t, ctx, &wg, mr, "instance-b")
	observed, unsub := a.bus.Subscribe("observer")
	defer unsub()
	waitForSubscribers(t, mr, 2)

	key := validation.VerdictKey(validation.KindStatus, "TXN-1")
	if err := b.store.Set(ctx, key, []byte(`"NEW"`), time.Minute); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	a.bus.Publish(domain.ExceptionStatusChanged{
		TransactionID: "TXN-1",
		FromStatus:    domain.StatusNew,
		ToStatus:      domain.StatusResolved,
		By:            "alice",
		Reason:        "manual resolve",
		OccurredAt:    time.Now(),
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, ok, _ := b.store.Get(ctx, key)
		if !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected peer verdict to be invalidated")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The local copy arrives once; the bridge drops its own echo.
	select {
	case e := <-observed:
		if e.EventTransactionID() != "TXN-1" {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the local event")
	}
	select {
	case e := <-observed:
		t.Errorf("expected no echo, got %s", e.EventType())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventBridge_IgnoresMalformedPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	a := startInstance(t, ctx, &wg, mr, "instance-a")
	observed, unsub := a.bus.Subscribe("observer")
	defer unsub()
	waitForSubscribers(t, mr, 1)

	mr.Publish(defaultChannel, "not json")
	payload, err := events.Encode("instance-b", domain.RetryAttemptStarted{TransactionID: "TXN-2", AttemptNumber: 1})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	mr.Publish(defaultChannel, string(payload))

	select {
	case e := <-observed:
		if e.EventTransactionID() != "TXN-2" {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the remote event after the malformed one")
	}
}
