package main

import (
	"testing"
	"time"

	"github.com/knakk/specs"
	"github.com/rcrowley/go-metrics"
)

// recv returns the next event queued for c, failing the test if none
// arrives in time.
func recv(t *testing.T, c *subscriber) Event {
	t.Helper()
	select {
	case e, ok := <-c.send:
		if !ok {
			t.Fatalf("queue of %v closed", c.addr)
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("no event for %v", c.addr)
	}
	return Event{}
}

func startHub() (*Hub, *ModeManager) {
	mode := NewModeManager()
	h := newHub(mode, metrics.NewCounter())
	go h.run()
	return h, mode
}

func TestHubGreetsNewSubscriber(t *testing.T) {
	s := specs.New(t)
	h, mode := startHub()
	defer h.Close()
	mode.EnableEnrollmentMode()

	c := newSubscriber("ui-1")
	s.Expect(true, h.Register(c))
	h.Broadcast(newEvent(EventInfo, "after"))

	e := recv(t, c)
	s.Expect(EventConnected, e.Type)
	s.Expect(ModeEnrollment, e.Mode)
	s.Expect(1, h.Count())

	e = recv(t, c)
	s.Expect(EventInfo, e.Type)
	s.Expect("after", e.Message)
}

func TestHubBroadcastReachesEverySubscriber(t *testing.T) {
	s := specs.New(t)
	h, _ := startHub()
	defer h.Close()

	subs := []*subscriber{newSubscriber("a"), newSubscriber("b"), newSubscriber("c")}
	for _, c := range subs {
		h.Register(c)
		recv(t, c)
	}
	s.Expect(3, h.Count())

	sent := newEvent(EventScan, "Fingerprint 7 scanned").withFingerprint(7)
	h.Broadcast(sent)

	for _, c := range subs {
		e := recv(t, c)
		s.Expect(sent.ID, e.ID)
		s.Expect(7, *e.FingerprintID)
	}
}

func TestHubFillsInEventID(t *testing.T) {
	s := specs.New(t)
	h, _ := startHub()
	defer h.Close()
	c := newSubscriber("a")
	h.Register(c)
	recv(t, c)

	h.Broadcast(Event{Type: EventSystem, Message: "bare"})
	e := recv(t, c)
	s.ExpectNot("", e.ID)
	s.Expect(false, e.Timestamp.IsZero())
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	s := specs.New(t)
	h, _ := startHub()
	defer h.Close()

	slow := newSubscriber("slow")
	h.Register(slow)
	fast := newSubscriber("fast")
	h.Register(fast)
	recv(t, fast)

	got := make(chan int)
	go func() {
		n := 0
		for range fast.send {
			n++
			if n == subscriberQueue+10 {
				got <- n
			}
		}
	}()

	// The greeting already takes one slot of slow's queue.
	for i := 0; i < subscriberQueue+10; i++ {
		h.Broadcast(newEvent(EventInfo, "flood"))
	}

	select {
	case n := <-got:
		s.Expect(subscriberQueue+10, n)
	case <-time.After(2 * time.Second):
		t.Fatal("fast subscriber didn't get every event")
	}

	n := 0
	for range slow.send {
		n++
	}
	s.Expect(subscriberQueue, n)
	s.Expect(1, h.Count())
}

func TestHubUnregister(t *testing.T) {
	s := specs.New(t)
	h, _ := startHub()
	defer h.Close()

	c := newSubscriber("a")
	h.Register(c)
	recv(t, c)
	h.Unregister(c)
	h.Unregister(c)

	_, ok := <-c.send
	s.Expect(false, ok)
	s.Expect(0, h.Count())
}

func TestHubClose(t *testing.T) {
	s := specs.New(t)
	h, _ := startHub()

	c := newSubscriber("a")
	h.Register(c)
	recv(t, c)
	h.Close()
	h.Close()

	_, ok := <-c.send
	s.Expect(false, ok)
	s.Expect(false, h.Register(newSubscriber("late")))
	// Must not block:
	h.Broadcast(newEvent(EventInfo, "nobody listens"))
	h.Unregister(c)
}
