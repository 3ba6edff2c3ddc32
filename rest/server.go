// SPDX-License-Identifier: GPL-2.0-only

// Package rest serves the bridge's request surface over HTTP/JSON.
package rest

import (
	"context"
	baseerrors "errors"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dandrader/usb-bridge/bridge"
)

const restartInterval = 5 * time.Second

// Service is the part of the bridge the HTTP layer needs.
type Service interface {
	ListDevices() []bridge.DeviceDescriptor
	GetConfigurations(ctx context.Context, deviceId uint32) ([]bridge.ConfigurationDescriptor, error)
	OpenDeviceHandle(ctx context.Context, deviceId uint32) (uint32, error)
	CloseDeviceHandle(ctx context.Context, deviceId, handle uint32) error
	ClaimInterface(ctx context.Context, deviceId, handle uint32, number uint8) error
	ReleaseInterface(ctx context.Context, deviceId, handle uint32, number uint8) error
	ResetDevice(ctx context.Context, deviceId, handle uint32) error
	ControlTransfer(ctx context.Context, deviceId, handle uint32, req bridge.ControlRequest) (*bridge.TransferResponse, error)
	BulkTransfer(ctx context.Context, deviceId, handle uint32, req bridge.TransferRequest) (*bridge.TransferResponse, error)
	InterruptTransfer(ctx context.Context, deviceId, handle uint32, req bridge.TransferRequest) (*bridge.TransferResponse, error)
}

// Server runs the HTTP API until its context is cancelled, restarting the
// listener with a backoff if serving fails.
type Server struct {
	svc    Service
	listen string
	logger log.Logger

	// metrics
	requestsTotal prometheus.Counter
	restartsTotal prometheus.Counter
}

func NewServer(svc Service, listen string, logger log.Logger, reg prometheus.Registerer) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Server{
		svc:    svc,
		listen: listen,
		logger: logger,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usb_bridge_api_requests_total",
			Help: "The total number of API requests served.",
		}),
		restartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usb_bridge_api_restarts_total",
			Help: "The number of times the API server has restarted.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.requestsTotal, s.restartsTotal)
	}
	return s
}

// Run serves the API until the given context is cancelled.
func (s *Server) Run(ctx context.Context) error {
Outer:
	for ctx.Err() == nil {
		if err := s.runOnce(ctx); err != nil {
			_ = level.Warn(s.logger).Log("msg", "API server failed; trying again in 5 seconds", "err", err)
			select {
			case <-ctx.Done():
				break Outer
			case <-time.After(restartInterval):
				s.restartsTotal.Inc()
			}
		}
	}
	return nil
}

func (s *Server) runOnce(ctx context.Context) error {
	l, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", s.listen, err)
	}
	srv := &http.Server{Handler: s.Handler()}

	var g run.Group
	{
		g.Add(func() error {
			_ = level.Info(s.logger).Log("msg", "serving API", "listen", s.listen)
			if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			<-ctx.Done()
			return nil
		}, func(error) {
			cancel()
		})
	}
	return g.Run()
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /devices", s.listDevices)
	mux.HandleFunc("GET /devices/{id}/configurations", s.getConfigurations)
	mux.HandleFunc("POST /devices/{id}/handles", s.openHandle)
	mux.HandleFunc("DELETE /devices/{id}/handles/{handle}", s.closeHandle)
	mux.HandleFunc("POST /devices/{id}/handles/{handle}/claim", s.claimInterface)
	mux.HandleFunc("POST /devices/{id}/handles/{handle}/release", s.releaseInterface)
	mux.HandleFunc("POST /devices/{id}/handles/{handle}/reset", s.resetDevice)
	mux.HandleFunc("POST /devices/{id}/handles/{handle}/control", s.controlTransfer)
	mux.HandleFunc("POST /devices/{id}/handles/{handle}/bulk", s.bulkTransfer)
	mux.HandleFunc("POST /devices/{id}/handles/{handle}/interrupt", s.interruptTransfer)
	return mux
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	s.requestsTotal.Inc()
	s.writeJSON(w, s.svc.ListDevices())
}

func (s *Server) getConfigurations(w http.ResponseWriter, r *http.Request) {
	s.requestsTotal.Inc()
	deviceId, ok := s.pathId(w, r, "id")
	if !ok {
		return
	}
	configs, err := s.svc.GetConfigurations(r.Context(), deviceId)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, configs)
}

func (s *Server) openHandle(w http.ResponseWriter, r *http.Request) {
	s.requestsTotal.Inc()
	deviceId, ok := s.pathId(w, r, "id")
	if !ok {
		return
	}
	handle, err := s.svc.OpenDeviceHandle(r.Context(), deviceId)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]uint32{"handle": handle})
}

func (s *Server) closeHandle(w http.ResponseWriter, r *http.Request) {
	s.requestsTotal.Inc()
	deviceId, handle, ok := s.pathIds(w, r)
	if !ok {
		return
	}
	if err := s.svc.CloseDeviceHandle(r.Context(), deviceId, handle); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type interfaceRequest struct {
	Interface uint8 `json:"interface"`
}

func (s *Server) claimInterface(w http.ResponseWriter, r *http.Request) {
	s.interfaceOp(w, r, s.svc.ClaimInterface)
}

func (s *Server) releaseInterface(w http.ResponseWriter, r *http.Request) {
	s.interfaceOp(w, r, s.svc.ReleaseInterface)
}

func (s *Server) interfaceOp(w http.ResponseWriter, r *http.Request, op func(context.Context, uint32, uint32, uint8) error) {
	s.requestsTotal.Inc()
	deviceId, handle, ok := s.pathIds(w, r)
	if !ok {
		return
	}
	var req interfaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := op(r.Context(), deviceId, handle, req.Interface); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resetDevice(w http.ResponseWriter, r *http.Request) {
	s.requestsTotal.Inc()
	deviceId, handle, ok := s.pathIds(w, r)
	if !ok {
		return
	}
	if err := s.svc.ResetDevice(r.Context(), deviceId, handle); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) controlTransfer(w http.ResponseWriter, r *http.Request) {
	s.requestsTotal.Inc()
	deviceId, handle, ok := s.pathIds(w, r)
	if !ok {
		return
	}
	var req bridge.ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	resp, err := s.svc.ControlTransfer(r.Context(), deviceId, handle, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, resp)
}

func (s *Server) bulkTransfer(w http.ResponseWriter, r *http.Request) {
	s.genericTransfer(w, r, s.svc.BulkTransfer)
}

func (s *Server) interruptTransfer(w http.ResponseWriter, r *http.Request) {
	s.genericTransfer(w, r, s.svc.InterruptTransfer)
}

func (s *Server) genericTransfer(w http.ResponseWriter, r *http.Request, op func(context.Context, uint32, uint32, bridge.TransferRequest) (*bridge.TransferResponse, error)) {
	s.requestsTotal.Inc()
	deviceId, handle, ok := s.pathIds(w, r)
	if !ok {
		return
	}
	var req bridge.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	resp, err := op(r.Context(), deviceId, handle, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, resp)
}

func (s *Server) pathId(w http.ResponseWriter, r *http.Request, name string) (uint32, bool) {
	v, err := strconv.ParseUint(r.PathValue(name), 10, 32)
	if err != nil {
		http.Error(w, fmt.Sprintf("malformed %s", name), http.StatusBadRequest)
		return 0, false
	}
	return uint32(v), true
}

func (s *Server) pathIds(w http.ResponseWriter, r *http.Request) (uint32, uint32, bool) {
	deviceId, ok := s.pathId(w, r, "id")
	if !ok {
		return 0, 0, false
	}
	handle, ok := s.pathId(w, r, "handle")
	if !ok {
		return 0, 0, false
	}
	return deviceId, handle, true
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		_ = level.Warn(s.logger).Log("msg", "failed to write response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var hostErr *bridge.HostOperationError
	switch {
	case baseerrors.Is(err, bridge.ErrUnknownDevice), baseerrors.Is(err, bridge.ErrUnknownHandle):
		http.Error(w, err.Error(), http.StatusNotFound)
	case baseerrors.As(err, &hostErr):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
