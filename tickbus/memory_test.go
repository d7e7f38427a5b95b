package tickbus

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBusDeliversInOrder(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "ch")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	bus.Publish(ctx, "ch", []byte("a"))
	bus.Publish(ctx, "ch", []byte("b"))

	for _, want := range []string{"a", "b"} {
		got, err := sub.Receive(ctx, time.Second)
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		if string(got) != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}
}

func TestMemoryBusNoReplay(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	// Published before subscribe: must not be delivered.
	bus.Publish(ctx, "ch", []byte("early"))

	sub, _ := bus.Subscribe(ctx, "ch")
	defer sub.Close()

	if _, err := sub.Receive(ctx, 50*time.Millisecond); err != ErrTimeout {
		t.Errorf("Expected timeout, got %v", err)
	}
}

func TestMemoryBusReceiveTimeout(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	sub, _ := bus.Subscribe(context.Background(), "empty")
	defer sub.Close()

	start := time.Now()
	_, err := sub.Receive(context.Background(), 30*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Receive blocked far past its timeout")
	}
}

func TestMemoryBusIsolatesChannels(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	subA, _ := bus.Subscribe(ctx, "a")
	subB, _ := bus.Subscribe(ctx, "b")
	defer subA.Close()
	defer subB.Close()

	bus.Publish(ctx, "a", []byte("only-a"))

	if got, err := subA.Receive(ctx, time.Second); err != nil || string(got) != "only-a" {
		t.Fatalf("Channel a: got %q, %v", got, err)
	}
	if _, err := subB.Receive(ctx, 50*time.Millisecond); err != ErrTimeout {
		t.Errorf("Channel b should be empty, got %v", err)
	}
}

func TestMemoryReplayRequesterRecords(t *testing.T) {
	req := &MemoryReplayRequester{}
	fired := false
	req.OnRequest = func(r ReplayRequest) { fired = true }

	err := req.RequestReplay(context.Background(), ReplayRequest{Instrument: "EUR_USD", RequestID: "r1"})
	if err != nil {
		t.Fatalf("RequestReplay failed: %v", err)
	}
	if len(req.Requests) != 1 || req.Requests[0].RequestID != "r1" {
		t.Errorf("Request not recorded: %+v", req.Requests)
	}
	if !fired {
		t.Error("OnRequest hook not invoked")
	}
}
