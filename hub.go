package main

import (
	"sync"
	"time"

	"github.com/juju/loggo"
	"github.com/rcrowley/go-metrics"
)

var hubLogger = loggo.GetLogger("hub")

// subscriberQueue is how many events a subscriber may fall behind before
// it is dropped.
const subscriberQueue = 64

// modeSource is what the hub needs to greet new subscribers.
type modeSource interface {
	Mode() Mode
}

// subscriber is one open push channel (SSE or websocket).
type subscriber struct {
	// Remote address, for logging:
	addr string
	// Outgoing events; closed by the hub when the subscriber is removed.
	send chan Event
}

func newSubscriber(addr string) *subscriber {
	return &subscriber{addr: addr, send: make(chan Event, subscriberQueue)}
}

// Hub keeps the set of open push channels and copies every broadcast
// event to each of them. All access to the set happens on the hub's own
// goroutine.
type Hub struct {
	subscribers map[*subscriber]bool
	// Register a new subscriber:
	reg chan *subscriber
	// Unregister a subscriber:
	unReg chan *subscriber
	// Events to fan out:
	broadcast chan Event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mode    modeSource
	clients metrics.Counter
}

// newHub creates a Hub. The counter tracks the number of subscribers and
// may be nil.
func newHub(mode modeSource, clients metrics.Counter) *Hub {
	if clients == nil {
		clients = metrics.NilCounter{}
	}
	return &Hub{
		subscribers: make(map[*subscriber]bool),
		reg:         make(chan *subscriber),
		unReg:       make(chan *subscriber),
		broadcast:   make(chan Event),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		mode:        mode,
		clients:     clients,
	}
}

// run starts the Hub. Meant to be run in its own goroutine.
func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case c := <-h.reg:
			h.subscribers[c] = true
			h.clients.Inc(1)
			e := newEvent(EventConnected, "Connected to fingerprint bridge")
			e.Mode = h.mode.Mode()
			c.send <- e
			hubLogger.Infof("subscriber %v connected (%d open)", c.addr, len(h.subscribers))
		case c := <-h.unReg:
			// A subscriber may already be gone if it was dropped for
			// falling behind.
			if _, ok := h.subscribers[c]; !ok {
				break
			}
			h.remove(c)
			hubLogger.Infof("subscriber %v disconnected (%d open)", c.addr, len(h.subscribers))
		case e := <-h.broadcast:
			hubLogger.Debugf("-> UI %v: %v", e.Type, e.Message)
			for c := range h.subscribers {
				select {
				case c.send <- e:
				default:
					hubLogger.Warningf("subscriber %v too slow, dropping", c.addr)
					h.remove(c)
				}
			}
		case <-h.quit:
			for c := range h.subscribers {
				h.remove(c)
			}
			return
		}
	}
}

func (h *Hub) remove(c *subscriber) {
	delete(h.subscribers, c)
	h.clients.Dec(1)
	close(c.send)
}

// Register adds c to the broadcast set. When it returns, c's queue holds
// the "connected" greeting and every later Broadcast will reach c.
func (h *Hub) Register(c *subscriber) bool {
	select {
	case h.reg <- c:
		return true
	case <-h.quit:
		return false
	}
}

// Unregister removes c. It is safe to call more than once.
func (h *Hub) Unregister(c *subscriber) {
	select {
	case h.unReg <- c:
	case <-h.quit:
	}
}

// Broadcast sends e to every registered subscriber.
func (h *Hub) Broadcast(e Event) {
	if e.ID == "" {
		n := newEvent(e.Type, e.Message)
		e.ID = n.ID
		if e.Timestamp.IsZero() {
			e.Timestamp = n.Timestamp
		}
	}
	select {
	case h.broadcast <- e:
	case <-h.quit:
	}
}

// Count returns the number of open subscribers.
func (h *Hub) Count() int {
	return int(h.clients.Count())
}

// Close stops the hub and closes every subscriber queue.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
	select {
	case <-h.done:
	case <-time.After(time.Second):
	}
}
