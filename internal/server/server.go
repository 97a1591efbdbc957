// Package server exposes the firmware update flow and process health over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autopeer-io/gearlink/internal/catalog"
	"github.com/autopeer-io/gearlink/internal/dfu"
	"github.com/autopeer-io/gearlink/internal/pkg/metrics"
	"github.com/autopeer-io/gearlink/pkg/log"
	"github.com/autopeer-io/gearlink/pkg/options"
)

const shutdownTimeout = 5 * time.Second

// Controller is the update flow driven by the API.
type Controller interface {
	DescribeComponents(ctx context.Context) ([]catalog.Component, error)
	CheckFirmware(ctx context.Context, force bool) ([]catalog.UpdateDescriptor, error)
	ApplyUpdates(ctx context.Context, candidates []catalog.UpdateDescriptor) error
	ExecuteUpdates(ctx context.Context) error
	Stop()
	State() dfu.UpdateState
}

type Server struct {
	server  *http.Server
	options *options.HttpOptions
	ctrl    Controller
	ready   func() bool

	// base outlives requests so transfers keep running after the
	// triggering request returns.
	base context.Context
	jobs sync.WaitGroup
}

// NewServer builds the API. ready reports whether the device link is up.
func NewServer(opts *options.HttpOptions, ctrl Controller, ready func() bool) *Server {
	s := &Server{
		options: opts,
		ctrl:    ctrl,
		ready:   ready,
		base:    context.Background(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.readyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/device/components", s.components).Methods(http.MethodGet)
	v1.HandleFunc("/dfu/state", s.state).Methods(http.MethodGet)
	v1.HandleFunc("/dfu/check", s.check).Methods(http.MethodPost)
	v1.HandleFunc("/dfu/apply", s.apply).Methods(http.MethodPost)
	v1.HandleFunc("/dfu/execute", s.execute).Methods(http.MethodPost)
	v1.HandleFunc("/dfu/stop", s.stop).Methods(http.MethodPost)

	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      r,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until ctx is done, then shuts down and stops any running
// update.
func (s *Server) Start(ctx context.Context) error {
	log.Info("Starting HTTP Server", "addr", s.server.Addr)
	s.base = ctx

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := s.server.Shutdown(shutdownCtx)
		s.ctrl.Stop()
		s.jobs.Wait()
		return err
	}
}

// StateResponse is the JSON view of an update state.
type StateResponse struct {
	State   string `json:"state"`
	Percent *int   `json:"percent,omitempty"`
	Error   string `json:"error,omitempty"`
}

func newStateResponse(st dfu.UpdateState) StateResponse {
	resp := StateResponse{State: st.String()}
	switch v := st.(type) {
	case dfu.TransferProgress:
		pct := v.Percent
		resp.State = "TransferProgress"
		resp.Percent = &pct
	case dfu.Failed:
		resp.State = "Error"
		resp.Error = v.Err.Error()
	}
	return resp
}

// ApplyRequest optionally names the updates to apply. When empty, the
// result of the last check is used.
type ApplyRequest struct {
	Updates []catalog.UpdateDescriptor `json:"updates,omitempty"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && !s.ready() {
		http.Error(w, "device link down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) components(w http.ResponseWriter, r *http.Request) {
	components, err := s.ctrl.DescribeComponents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, components)
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newStateResponse(s.ctrl.State()))
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	updates, err := s.ctrl.CheckFirmware(r.Context(), force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updates)
}

func (s *Server) apply(w http.ResponseWriter, r *http.Request) {
	var req ApplyRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	if busy(s.ctrl.State()) {
		writeError(w, dfu.ErrIllegalState)
		return
	}
	s.background("apply", func(ctx context.Context) error {
		return s.ctrl.ApplyUpdates(ctx, req.Updates)
	})
	writeJSON(w, http.StatusAccepted, newStateResponse(s.ctrl.State()))
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.ctrl.State().(dfu.Transferred); !ok {
		writeError(w, dfu.ErrIllegalState)
		return
	}
	s.background("execute", s.ctrl.ExecuteUpdates)
	writeJSON(w, http.StatusAccepted, newStateResponse(s.ctrl.State()))
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Stop()
	writeJSON(w, http.StatusOK, newStateResponse(s.ctrl.State()))
}

// background runs a blocking update step detached from the request.
func (s *Server) background(name string, fn func(ctx context.Context) error) {
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		if err := fn(s.base); err != nil {
			log.Error(err, "Update step failed", "step", name)
		}
	}()
}

func busy(st dfu.UpdateState) bool {
	switch st.(type) {
	case dfu.PreparingToTransfer, dfu.TransferProgress, dfu.Executing:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error(err, "Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, dfu.ErrIllegalState):
		code = http.StatusConflict
	case errors.Is(err, catalog.ErrNetwork):
		code = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
