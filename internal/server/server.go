// Package server is the HTTP dispatch layer: it maps the REST surface onto
// the backend operation set, maps the error taxonomy onto status codes, and
// streams subscription data over SSE and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sdv-playground/sovdd/internal/ecu"
	"github.com/sdv-playground/sovdd/internal/gateway"
	"github.com/sdv-playground/sovdd/internal/proxy"
	"github.com/sdv-playground/sovdd/internal/sovd"
)

const apiPrefix = "/vehicle/v1"

// Server serves the SOVD REST API over a set of top-level backends.
type Server struct {
	cfg      *Config
	backends map[string]sovd.Backend
	order    []string

	// streams parks named subscription streams between creation and
	// their SSE fetch.
	streamsMu sync.Mutex
	streams   map[string]*sovd.Stream

	closers []func()
}

// New builds the entity tree from configuration and returns the server.
func New(ctx context.Context, cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		backends: make(map[string]sovd.Backend),
	}

	for _, ecuCfg := range cfg.Ecus {
		backend, err := ecu.New(ctx, ecuCfg)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.backends[ecuCfg.ID] = backend
		s.order = append(s.order, ecuCfg.ID)
		s.closers = append(s.closers, backend.Close)
	}

	for _, proxyCfg := range cfg.Proxies {
		backend, err := proxy.New(proxyCfg)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.backends[proxyCfg.ID] = backend
		s.order = append(s.order, proxyCfg.ID)
	}

	// Gateways claim their children: a child owned by a gateway is served
	// through the gateway's prefix rather than as a top-level component.
	for _, gwCfg := range cfg.Gateways {
		gw := gateway.New(gwCfg.ID, gwCfg.Name, gwCfg.Description)
		for _, childID := range gwCfg.Children {
			child, ok := s.backends[childID]
			if !ok {
				s.Close()
				return nil, fmt.Errorf("gateway %s: unknown child %s", gwCfg.ID, childID)
			}
			gw.Register(child)
			delete(s.backends, childID)
			for i, id := range s.order {
				if id == childID {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		}
		s.backends[gwCfg.ID] = gw
		s.order = append(s.order, gwCfg.ID)
	}

	return s, nil
}

// Backend returns a top-level backend by id (used by tests).
func (s *Server) Backend(id string) (sovd.Backend, bool) {
	b, ok := s.backends[id]
	return b, ok
}

// Close releases all backends.
func (s *Server) Close() {
	for _, fn := range s.closers {
		fn()
	}
	s.closers = nil
}

// Handler builds the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(apiPrefix+"/components", s.handleListComponents)
	mux.HandleFunc(apiPrefix+"/components/", s.handleComponent)
	mux.HandleFunc(apiPrefix+"/discovery", s.handleDiscovery)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	return mux
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Infof("[server] listening on %s", s.cfg.Server.ListenAddr)
	err := srv.ListenAndServe()
	s.Close()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// resolve walks the path segments after /components/, descending through
// sub-entities until a resource keyword or the path end, and returns the
// target backend plus the remaining resource segments.
func (s *Server) resolve(segments []string) (sovd.Backend, []string, error) {
	if len(segments) == 0 || segments[0] == "" {
		return nil, nil, sovd.EntityNotFound("")
	}
	backend, ok := s.backends[segments[0]]
	if !ok {
		return nil, nil, sovd.EntityNotFound(segments[0])
	}
	rest := segments[1:]

	for len(rest) > 0 && !isResourceKeyword(rest[0]) {
		child, err := backend.SubEntity(rest[0])
		if err != nil {
			return nil, nil, err
		}
		backend = child
		rest = rest[1:]
	}
	return backend, rest, nil
}

func isResourceKeyword(s string) bool {
	switch s {
	case "data", "raw", "ddid", "faults", "operations", "executions",
		"outputs", "modes", "reset", "packages", "flash", "software",
		"subscriptions", "stream", "ws", "sub-entities":
		return true
	}
	return false
}

func (s *Server) handleListComponents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	items := make([]sovd.EntityInfo, 0, len(s.order))
	for _, id := range s.order {
		items = append(items, s.backends[id].EntityInfo())
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleDiscovery reports the server identity and the component listing, the
// entry point clients use to find everything else.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	items := make([]sovd.EntityInfo, 0, len(s.order))
	for _, id := range s.order {
		items = append(items, s.backends[id].EntityInfo())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"server":     "sovdd",
		"components": items,
	})
}

func (s *Server) handleComponent(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, apiPrefix+"/components/")
	segments := strings.Split(strings.Trim(path, "/"), "/")

	backend, resource, err := s.resolve(segments)
	if err != nil {
		writeError(w, err)
		return
	}

	if len(resource) == 0 {
		s.handleComponentDetail(w, r, backend)
		return
	}

	switch resource[0] {
	case "data":
		s.handleData(w, r, backend, resource[1:])
	case "raw":
		s.handleRaw(w, r, backend, resource[1:])
	case "ddid":
		s.handleDDID(w, r, backend, resource[1:])
	case "faults":
		s.handleFaults(w, r, backend, resource[1:])
	case "operations":
		s.handleOperations(w, r, backend, resource[1:])
	case "executions":
		s.handleExecutions(w, r, backend, resource[1:])
	case "outputs":
		s.handleOutputs(w, r, backend, resource[1:])
	case "modes":
		s.handleModes(w, r, backend, resource[1:])
	case "reset":
		s.handleReset(w, r, backend)
	case "packages":
		s.handlePackages(w, r, backend, resource[1:])
	case "flash":
		s.handleFlash(w, r, backend, resource[1:])
	case "software":
		s.handleSoftware(w, r, backend)
	case "sub-entities":
		s.handleSubEntities(w, r, backend)
	case "subscriptions":
		s.handleSubscriptions(w, r, backend, resource[1:])
	case "stream":
		s.handleSSE(w, r, backend)
	case "ws":
		s.handleWS(w, r, backend)
	default:
		writeError(w, sovd.EntityNotFound(resource[0]))
	}
}

func (s *Server) handleComponentDetail(w http.ResponseWriter, r *http.Request, backend sovd.Backend) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity":       backend.EntityInfo(),
		"capabilities": backend.Capabilities(),
	})
}

func (s *Server) handleSubEntities(w http.ResponseWriter, r *http.Request, backend sovd.Backend) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	entities, err := backend.ListSubEntities(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entities})
}

func (s *Server) handleSoftware(w http.ResponseWriter, r *http.Request, backend sovd.Backend) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	info, err := backend.GetSoftwareInfo(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// =========================================================================
// Response helpers
// =========================================================================

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Errorf("[server] response encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	e := sovd.AsError(err)
	writeJSON(w, e.HTTPStatus(), map[string]any{
		"error":   e.Kind.String(),
		"message": e.Error(),
	})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"error":   "method_not_allowed",
		"message": "method not allowed",
	})
}

func decodeBody(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return sovd.InvalidRequestf("invalid JSON body: %v", err)
	}
	return nil
}
