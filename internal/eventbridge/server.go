// internal/eventbridge/server.go
//
// Loopback HTTP listener that running units post progress events to. Units
// find the bridge through LOOM_BRIDGE_URL; nothing on the scheduler side
// ever calls back into a unit, so the bridge is strictly one-way.

package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// ServerStatus reports where the bridge is in its lifecycle.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

var errServerDisabled = errors.New("eventbridge: bridge disabled by configuration")

// Server accepts progress events over HTTP and hands the valid ones to an
// EventProcessor (in practice the Router). Start binds the listener;
// Shutdown drains in-flight requests.
type Server struct {
	settings  Settings
	processor EventProcessor
	logger    Logger
	clock     func() time.Time

	mu       sync.RWMutex
	srv      *http.Server
	listener net.Listener
	status   ServerStatus
	started  time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithProcessor overrides the default no-op event processor.
func WithProcessor(p EventProcessor) Option {
	return func(s *Server) {
		if p != nil {
			s.processor = p
		}
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer prepares a bridge server using the provided settings.
func NewServer(settings Settings, opts ...Option) *Server {
	s := &Server{
		settings:  settings,
		processor: EventProcessorFunc(func(Event) error { return nil }),
		logger:    nopLogger{},
		clock:     func() time.Time { return time.Now().UTC() },
		status:    StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start binds the TCP listener and begins serving. The run proceeds without
// the bridge when this fails, so callers treat the error as a warning.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("eventbridge: server is nil")
	}
	if !s.settings.Enabled {
		return errServerDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("eventbridge: bridge already listening")
	}
	listener, err := net.Listen("tcp", s.settings.Address())
	if err != nil {
		return fmt.Errorf("eventbridge: bind %s: %w", s.settings.Address(), err)
	}
	srv := &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		srv.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.listener = listener
	s.srv = srv
	s.started = s.now()
	s.status = StatusReady
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("eventbridge: serve: %v", err)
		}
	}()
	s.logger.Printf("eventbridge: accepting events on %s", listener.Addr())
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests
// to finish, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	s.status = StatusDraining
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	s.srv = nil
	s.listener = nil
	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the URL units should be handed via LOOM_BRIDGE_URL. Port 0
// binds an ephemeral port, so the bound address wins over the configured one.
func (s *Server) BaseURL() string {
	if addr := s.Addr(); addr != "" {
		return "http://" + addr
	}
	return s.settings.URL()
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		reply(w, http.StatusMethodNotAllowed, errorBody("health accepts GET"))
		return
	}
	s.mu.RLock()
	status := s.status
	started := s.started
	s.mu.RUnlock()
	var uptime int64
	if !started.IsZero() {
		uptime = int64(s.now().Sub(started).Seconds())
	}
	reply(w, http.StatusOK, healthResponse{
		Status:        string(status),
		Version:       ProtocolVersion,
		UptimeSeconds: uptime,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		reply(w, http.StatusMethodNotAllowed, errorBody("events accepts POST"))
		return
	}
	evt, status, err := s.decodeEvent(w, r)
	if err != nil {
		reply(w, status, errorBody(err.Error()))
		return
	}
	evt.StampServerTime(s.now())
	if err := s.processor.HandleEvent(evt); err != nil {
		s.logger.Printf("eventbridge: %s event for %s: %v", evt.Type, evt.Workstream, err)
		reply(w, http.StatusInternalServerError, errorBody("event not processed"))
		return
	}
	reply(w, http.StatusAccepted, ackResponse{Status: "accepted", ServerTime: evt.ServerTime})
}

// decodeEvent reads, parses, and validates one posted event. The body is
// capped at the configured limit; a unit streaming its whole transcript at
// the bridge gets a 413, not a slot in the router.
func (s *Server) decodeEvent(w http.ResponseWriter, r *http.Request) (Event, int, error) {
	limited := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer limited.Close()
	body, err := io.ReadAll(limited)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return Event{}, http.StatusRequestEntityTooLarge,
				fmt.Errorf("payload exceeds %d bytes", s.settings.MaxBodyBytes)
		}
		return Event{}, http.StatusBadRequest, errors.New("unable to read body")
	}
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return Event{}, http.StatusBadRequest, errors.New("body is not valid JSON")
	}
	evt.Normalize()
	if err := evt.Validate(); err != nil {
		return Event{}, http.StatusBadRequest, err
	}
	return evt, http.StatusOK, nil
}

func reply(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func errorBody(detail string) map[string]string {
	return map[string]string{"error": detail}
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
