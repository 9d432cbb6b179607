package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/dominion/internal/events"
)

const (
	catchUpEvents  = 50
	heartbeatEvery = 15 * time.Second
)

// acquireStream claims a stream slot shared by SSE and WebSocket clients.
func (s *Server) acquireStream() bool {
	limit := s.MaxStreams
	if limit <= 0 {
		limit = defaultMaxStreams
	}
	if s.streams.Add(1) > int32(limit) {
		s.streams.Add(-1)
		return false
	}
	return true
}

func (s *Server) releaseStream() { s.streams.Add(-1) }

// relayAuthorized accepts the relay key as a bearer token, or as ?key= for
// browser WebSocket clients that cannot set headers.
func (s *Server) relayAuthorized(w http.ResponseWriter, r *http.Request, allowQuery bool) bool {
	if s.RelayKey == "" {
		http.Error(w, "streaming disabled (no relay key)", http.StatusForbidden)
		return false
	}
	if bearerMatches(r, s.RelayKey) || (allowQuery && r.URL.Query().Get("key") == s.RelayKey) {
		return true
	}
	http.Error(w, "unauthorized", http.StatusUnauthorized)
	return false
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.relayAuthorized(w, r, false) {
		return
	}
	if !s.acquireStream() {
		http.Error(w, "too many stream connections", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseStream()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	subID, ch := s.Sim.Bus.Subscribe()
	defer s.Sim.Bus.Unsubscribe(subID)

	for _, e := range s.Sim.Bus.Recent(catchUpEvents) {
		writeSSEEvent(w, e)
	}
	flusher.Flush()
	slog.Info("SSE client connected", "sub_id", subID)

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeSSEEvent(w, e)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			slog.Info("SSE client disconnected", "sub_id", subID)
			return
		}
	}
}

// writeSSEEvent writes a single event in SSE format.
func writeSSEEvent(w http.ResponseWriter, e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data)
}

// handleWS streams events over a WebSocket. Clients may send
// {"kinds": [...]} at any time to narrow the stream; an empty list
// restores every kind.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.relayAuthorized(w, r, true) {
		return
	}
	if !s.acquireStream() {
		http.Error(w, "too many stream connections", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseStream()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	subID, ch := s.Sim.Bus.Subscribe()
	defer s.Sim.Bus.Unsubscribe(subID)
	slog.Info("websocket client connected", "sub_id", subID, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	filters := make(chan map[events.Kind]bool, 1)

	// Writer goroutine.
	writeErr := make(chan error, 1)
	go func() {
		var only map[events.Kind]bool
		send := func(e events.Event) error {
			if len(only) > 0 && !only[e.Kind] {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			return conn.WriteJSON(e)
		}
		for _, e := range s.Sim.Bus.Recent(catchUpEvents) {
			if err := send(e); err != nil {
				writeErr <- err
				return
			}
		}

		ping := time.NewTicker(heartbeatEvery)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				writeErr <- ctx.Err()
				return
			case f := <-filters:
				only = f
			case e, ok := <-ch:
				if !ok {
					writeErr <- nil
					return
				}
				if err := send(e); err != nil {
					writeErr <- err
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					writeErr <- err
					return
				}
			}
		}
	}()

	// Reader loop: filter updates and close detection.
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(3 * heartbeatEvery))
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(3 * heartbeatEvery))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var sub struct {
			Kinds []events.Kind `json:"kinds"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		only := make(map[events.Kind]bool, len(sub.Kinds))
		for _, k := range sub.Kinds {
			only[k] = true
		}
		select {
		case filters <- only:
		default:
			// Previous update not yet applied; the client may resend.
		}
	}

	cancel()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

	select {
	case <-writeErr:
	case <-time.After(500 * time.Millisecond):
	}
	slog.Info("websocket client disconnected", "sub_id", subID)
}
