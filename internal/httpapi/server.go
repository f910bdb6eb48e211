// Package httpapi serves the local control page and a small JSON API for
// queueing valve requests, starting scans and reading state back.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/srg/trvd/internal/device"
	"github.com/srg/trvd/internal/dispatch"
	"github.com/srg/trvd/internal/request"
	"github.com/srg/trvd/internal/trv"
	"github.com/srg/trvd/scanner"
	"golang.org/x/time/rate"
)

// Engine is the part of dispatch.Engine the API drives.
type Engine interface {
	Submit(ctx context.Context, cmd trv.Command) (bool, error)
	Status() dispatch.Status
}

// Scanner is the part of scanner.Scanner the API drives.
type Scanner interface {
	Start(ctx context.Context) bool
	Devices() ([]device.Discovered, int, scanner.State)
}

// History returns recent activity lines, oldest first; sink.Log satisfies it.
type History interface {
	History() []string
}

// Stater reports a connection state for the status read-out.
type Stater interface {
	String() string
}

// Deps are the collaborators behind the routes. Log, Clock and Broker may be nil.
type Deps struct {
	Engine  Engine
	Scanner Scanner
	Log     History
	Clock   request.Clock
	Broker  func() Stater
	Version string
}

// Options configure the listener and request limits.
type Options struct {
	Listen          string        `default:":8080" yaml:"listen"`
	RequestsPerMin  int           `default:"60" yaml:"requests_per_min"`
	Burst           int           `default:"10" yaml:"burst"`
	ShutdownTimeout time.Duration `default:"5s" yaml:"shutdown_timeout"`
}

// Server routes HTTP requests to the engine and scanner.
type Server struct {
	deps    Deps
	opts    Options
	logger  *logrus.Logger
	limiter *rate.Limiter
	router  chi.Router
}

// New builds the router. Nothing listens until Run.
func New(deps Deps, opts Options, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.RequestsPerMin <= 0 {
		opts.RequestsPerMin = 60
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		deps:    deps,
		opts:    opts,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerMin)/60.0, opts.Burst),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/", s.index)
	r.Get("/api/devices", s.listDevices)
	r.Get("/api/queue", s.listQueue)
	r.Get("/api/log", s.listLog)
	r.Get("/api/status", s.status)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/trv", s.submitForm)
		r.Post("/scan", s.startScan)
		r.Post("/api/commands", s.submitJSON)
		r.Post("/api/scan", s.startScanJSON)
	})
	return r
}

// Run listens until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("listen", s.opts.Listen).Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start),
		}).Debug("HTTP request")
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.logger.WithField("path", r.URL.Path).Warn("HTTP request rate limited")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLine assembles a request from either a full line or its parts.
func requestLine(command, address, verb, value string) string {
	if line := strings.TrimSpace(command); line != "" {
		return line
	}
	return strings.TrimSpace(strings.Join([]string{address, verb, value}, " "))
}

func (s *Server) parse(line string) (trv.Command, error) {
	if line == "" {
		return trv.Command{}, &request.ParseError{Input: line, Reason: "empty request"}
	}
	return request.Parse(line, s.deps.Clock)
}

func (s *Server) submitForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	line := requestLine(r.PostForm.Get("command"), r.PostForm.Get("address"), r.PostForm.Get("verb"), r.PostForm.Get("value"))

	cmd, err := s.parse(line)
	if err != nil {
		s.logger.WithError(err).WithField("request", line).Warn("Rejected HTTP request")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := s.deps.Engine.Submit(r.Context(), cmd); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	s.deps.Scanner.Start(context.WithoutCancel(r.Context()))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

type commandRequest struct {
	Command string `json:"command,omitempty"`
	TRV     string `json:"trv,omitempty"`
	Verb    string `json:"verb,omitempty"`
	Value   string `json:"value,omitempty"`
}

type commandResponse struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id,omitempty"`
	Request  string `json:"request"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) submitJSON(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	line := requestLine(req.Command, req.TRV, req.Verb, req.Value)

	cmd, err := s.parse(line)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	accepted, err := s.deps.Engine.Submit(r.Context(), cmd)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	resp := commandResponse{Accepted: accepted, Request: cmd.String()}
	status := http.StatusOK
	if accepted {
		resp.ID = cmd.ID.String()
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (s *Server) startScanJSON(w http.ResponseWriter, r *http.Request) {
	started := s.deps.Scanner.Start(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": started})
}

type devicesResponse struct {
	State   string              `json:"state"`
	Count   int                 `json:"count"`
	Devices []device.Discovered `json:"devices"`
}

func (s *Server) devices() devicesResponse {
	list, count, state := s.deps.Scanner.Devices()
	if list == nil {
		list = []device.Discovered{}
	}
	return devicesResponse{State: state.String(), Count: count, Devices: list}
}

func (s *Server) listDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.devices())
}

type queuedCommand struct {
	ID      string `json:"id"`
	Request string `json:"request"`
	Retries int    `json:"retries"`
}

type pendingAction struct {
	Kind      string `json:"kind"`
	Countdown int    `json:"countdown"`
}

type queueResponse struct {
	State    string          `json:"state"`
	Target   string          `json:"trv,omitempty"`
	Queued   int             `json:"queued"`
	Commands []queuedCommand `json:"commands"`
	Pending  *pendingAction  `json:"pending,omitempty"`
}

func (s *Server) queue() queueResponse {
	st := s.deps.Engine.Status()
	resp := queueResponse{
		State:    st.State.String(),
		Queued:   st.Queued,
		Commands: make([]queuedCommand, 0, len(st.Commands)),
	}
	if st.Session.Open {
		resp.Target = st.Session.Target.String()
	}
	for _, c := range st.Commands {
		resp.Commands = append(resp.Commands, queuedCommand{ID: c.ID.String(), Request: c.String(), Retries: c.Retries})
	}
	if st.Pending != nil {
		resp.Pending = &pendingAction{Kind: st.Pending.Kind.String(), Countdown: st.Pending.Countdown}
	}
	return resp
}

func (s *Server) listQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue())
}

func (s *Server) history() []string {
	if s.deps.Log == nil {
		return []string{}
	}
	lines := s.deps.Log.History()
	if lines == nil {
		return []string{}
	}
	return lines
}

func (s *Server) listLog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"lines": s.history()})
}

type statusResponse struct {
	Version string `json:"version"`
	Engine  string `json:"engine"`
	Queued  int    `json:"queued"`
	Scan    string `json:"scan"`
	MQTT    string `json:"mqtt"`
}

func (s *Server) brokerState() string {
	if s.deps.Broker == nil {
		return "disabled"
	}
	st := s.deps.Broker()
	if st == nil {
		return "disabled"
	}
	return st.String()
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Engine.Status()
	_, _, scan := s.deps.Scanner.Devices()
	writeJSON(w, http.StatusOK, statusResponse{
		Version: s.deps.Version,
		Engine:  st.State.String(),
		Queued:  st.Queued,
		Scan:    scan.String(),
		MQTT:    s.brokerState(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}
