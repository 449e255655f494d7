package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/hochfrequenz/vmat-orchestrator/internal/jobs"
)

// SSEEvent represents a server-sent event
type SSEEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// clientBuffer bounds the events queued for one SSE client
const clientBuffer = 64

// SSEHub manages SSE connections
type SSEHub struct {
	mu      sync.Mutex
	clients map[chan SSEEvent]struct{}
	closed  bool
}

// NewSSEHub creates a new SSE hub
func NewSSEHub() *SSEHub {
	return &SSEHub{clients: make(map[chan SSEEvent]struct{})}
}

// Run forwards run events to all clients until ctx ends or events closes
func (h *SSEHub) Run(ctx context.Context, events <-chan jobs.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			typ := "run_" + string(e.Kind)
			if e.Kind == jobs.EventSlots {
				typ = "solver_slots"
			}
			h.Broadcast(SSEEvent{Type: typ, Data: e})
		}
	}
}

func (h *SSEHub) register() (chan SSEEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	client := make(chan SSEEvent, clientBuffer)
	h.clients[client] = struct{}{}
	return client, true
}

func (h *SSEHub) unregister(client chan SSEEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client)
	}
}

// Broadcast sends an event to all clients. A client whose queue is full is
// disconnected.
func (h *SSEHub) Broadcast(event SSEEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client <- event:
		default:
			delete(h.clients, client)
			close(client)
		}
	}
}

// Close disconnects every client and refuses new ones
func (h *SSEHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client)
	}
}

// Clients returns the number of connected clients
func (h *SSEHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}
		client, ok := s.sseHub.register()
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}
		defer s.sseHub.unregister(client)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case event, ok := <-client:
				if !ok {
					return
				}
				data, _ := json.Marshal(event)
				fmt.Fprintf(w, "event: %s\n", event.Type)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
