package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/sdv-playground/sovdd/internal/sovd"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// parseStreamQuery pulls ids and rate out of the query string.
func parseStreamQuery(r *http.Request) ([]string, float64, error) {
	ids := r.URL.Query().Get("ids")
	if ids == "" {
		return nil, 0, sovd.InvalidRequestf("missing ids query parameter")
	}
	rate := 1.0
	if v := r.URL.Query().Get("rate"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, 0, sovd.InvalidRequestf("invalid rate %q", v)
		}
		rate = parsed
	}
	return strings.Split(ids, ","), rate, nil
}

// handleSubscriptions manages named subscriptions whose streams are fetched
// separately over SSE.
func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request, backend sovd.Backend, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			ParamIDs []string `json:"param_ids"`
			RateHz   float64  `json:"rate_hz"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
		stream, err := backend.SubscribeData(r.Context(), body.ParamIDs, body.RateHz)
		if err != nil {
			writeError(w, err)
			return
		}
		s.registerStream(stream)
		writeJSON(w, http.StatusCreated, map[string]any{"id": stream.ID})

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if !s.dropStream(rest[0]) {
			writeError(w, sovd.EntityNotFound("subscription "+rest[0]))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})

	case len(rest) == 2 && rest[1] == "stream" && r.Method == http.MethodGet:
		stream := s.takeStream(rest[0])
		if stream == nil {
			writeError(w, sovd.EntityNotFound("subscription "+rest[0]))
			return
		}
		s.serveSSE(w, r, stream)

	default:
		writeMethodNotAllowed(w)
	}
}

// handleSSE creates an ad-hoc subscription and streams it until the client
// disconnects.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request, backend sovd.Backend) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	ids, rate, err := parseStreamQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stream, err := backend.SubscribeData(r.Context(), ids, rate)
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveSSE(w, r, stream)
}

// serveSSE writes data points as Server-Sent Events: each event body is a
// JSON object carrying ts, seq and the requested parameter values.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, stream *sovd.Stream) {
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, sovd.Internalf("response writer does not support streaming"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case point, ok := <-stream.C:
			if !ok {
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			if point.Values == nil {
				// Lagging drop signal from the subscription manager.
				fmt.Fprint(w, "event: lagging\ndata: {}\n\n")
				flusher.Flush()
				continue
			}
			data, err := json.Marshal(point)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// handleWS streams the same data points over a WebSocket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, backend sovd.Backend) {
	ids, rate, err := parseStreamQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stream, err := backend.SubscribeData(r.Context(), ids, rate)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		stream.Close()
		log.Warnf("[server] websocket upgrade: %v", err)
		return
	}

	// Reader goroutine: consume control frames and detect disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer conn.Close()
		defer stream.Close()
		for {
			select {
			case <-done:
				return
			case point, ok := <-stream.C:
				if !ok {
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "subscription ended"),
						time.Now().Add(time.Second))
					return
				}
				if err := conn.WriteJSON(point); err != nil {
					return
				}
			}
		}
	}()
}

// Named subscription streams parked between creation and their SSE fetch.
func (s *Server) registerStream(stream *sovd.Stream) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	if s.streams == nil {
		s.streams = make(map[string]*sovd.Stream)
	}
	s.streams[stream.ID] = stream
}

func (s *Server) takeStream(id string) *sovd.Stream {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	stream := s.streams[id]
	delete(s.streams, id)
	return stream
}

func (s *Server) dropStream(id string) bool {
	s.streamsMu.Lock()
	stream := s.streams[id]
	delete(s.streams, id)
	s.streamsMu.Unlock()
	if stream == nil {
		return false
	}
	stream.Close()
	return true
}
