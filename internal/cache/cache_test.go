package cache

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSetGet(t *testing.T) {
	c := New(16, time.Minute)

	c.Set("k1", []byte("v1"), 0)
	got, err := c.Get("k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("got %q, want v1", got)
	}

	if _, err := c.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPerKeyTTL(t *testing.T) {
	c := New(16, time.Minute)

	c.Set("short", []byte("x"), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if _, err := c.Get("short"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired entry, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	c := New(16, time.Minute)

	c.Set("k", []byte("v"), 0)
	c.Delete("k")
	if _, err := c.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	c := New(16, time.Minute)

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	if err := c.SetJSON("p", payload{Name: "wf-1", Count: 3}, 0); err != nil {
		t.Fatalf("set json: %v", err)
	}

	var out payload
	if err := c.GetJSON("p", &out); err != nil {
		t.Fatalf("get json: %v", err)
	}
	if out.Name != "wf-1" || out.Count != 3 {
		t.Errorf("unexpected payload: %+v", out)
	}
}

func TestPubSub(t *testing.T) {
	c := New(16, time.Minute)

	var mu sync.Mutex
	var got []string
	received := make(chan struct{}, 2)

	cancel := c.Subscribe("events", func(msg []byte) {
		mu.Lock()
		got = append(got, string(msg))
		mu.Unlock()
		received <- struct{}{}
	})
	defer cancel()

	c.Publish("events", []byte("one"))
	c.Publish("events", []byte("two"))

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	c := New(16, time.Minute)

	received := make(chan struct{}, 1)
	cancel := c.Subscribe("events", func(msg []byte) {
		received <- struct{}{}
	})
	cancel()

	c.Publish("events", []byte("after-cancel"))

	select {
	case <-received:
		t.Error("expected no delivery after cancel")
	case <-time.After(50 * time.Millisecond):
	}
}
