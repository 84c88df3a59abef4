// Package feed serves the read-only spectator stream: delivered
// broadcast events plus periodic world snapshots over websockets.
// Subscribers never write back into the engine.
package feed

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"darkcragg.world/internal/protocol"
)

// frame is the wire envelope: exactly one of Event or Status is set.
type frame struct {
	Kind   string          `json:"kind"` // "event" or "status"
	Event  *protocol.Event `json:"event,omitempty"`
	Status json.RawMessage `json:"status,omitempty"`
}

type client struct {
	out chan []byte
}

type Hub struct {
	log *log.Logger

	mu      sync.Mutex
	clients map[*client]struct{}

	// Status pushes are paced so a chatty tick loop cannot flood
	// spectators; events ride through unpaced (the governor already
	// shaped them).
	statusLimit *rate.Limiter

	upgrader websocket.Upgrader
}

func NewHub(logger *log.Logger, statusPerMinute int) *Hub {
	if statusPerMinute <= 0 {
		statusPerMinute = 6
	}
	return &Hub{
		log:         logger,
		clients:     map[*client]struct{}{},
		statusLimit: rate.NewLimiter(rate.Every(time.Minute/time.Duration(statusPerMinute)), 1),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// WriteEvent fans a delivered event out to every subscriber. Satisfies
// the broadcast delivery sink.
func (h *Hub) WriteEvent(ev protocol.Event) error {
	b, err := json.Marshal(frame{Kind: "event", Event: &ev})
	if err != nil {
		return err
	}
	h.fanout(b)
	return nil
}

// PushStatus broadcasts a snapshot if the pacing budget allows.
func (h *Hub) PushStatus(status any) error {
	if !h.statusLimit.Allow() {
		return nil
	}
	raw, err := json.Marshal(status)
	if err != nil {
		return err
	}
	b, err := json.Marshal(frame{Kind: "status", Status: raw})
	if err != nil {
		return err
	}
	h.fanout(b)
	return nil
}

func (h *Hub) fanout(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.out <- b:
		default:
			// Slow consumer: drop the frame rather than stall the hub.
		}
	}
}

// Handler upgrades spectator connections. Inbound messages are drained
// and discarded; the feed is one-way.
func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		c := &client{out: make(chan []byte, 256)}
		h.mu.Lock()
		h.clients[c] = struct{}{}
		h.mu.Unlock()
		defer func() {
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-c.out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}
