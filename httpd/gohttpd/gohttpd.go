// Package gohttpd serves the keapin HTTP API.
package gohttpd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/keapin/keapin/dhcp"
	"github.com/keapin/keapin/httpd"
	"github.com/keapin/keapin/netinfo"
	"github.com/keapin/keapin/types"
)

// GoHTTPd is
type GoHTTPd struct {
	svc      httpd.Service
	net      netinfo.NetInfo
	iface    string
	registry *prometheus.Registry
	logger   *zap.Logger
}

// New is
func New(svc httpd.Service, net netinfo.NetInfo, iface string, registry *prometheus.Registry, logger *zap.Logger) (httpd.HTTPd, error) {
	return &GoHTTPd{
		svc:      svc,
		net:      net,
		iface:    iface,
		registry: registry,
		logger:   logger,
	}, nil
}

// Serve is
func (g *GoHTTPd) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: g.Handler(),
	}
	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler builds the API routing table.
func (g *GoHTTPd) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", g.loggingHandler(http.NotFoundHandler()))
	mux.Handle("/api/dhcp/leases", g.loggingHandler(g.leasesHandler()))
	mux.Handle("/api/dhcp/reservations", g.loggingHandler(g.reservationsHandler()))
	mux.Handle("/api/dhcp/reservations/", g.loggingHandler(g.reservationHandler()))
	mux.Handle("/api/dhcp/unified", g.loggingHandler(g.unifiedHandler()))
	mux.Handle("/api/dhcp/statistics", g.loggingHandler(g.statisticsHandler()))
	mux.Handle("/api/dhcp/boundary", g.loggingHandler(g.boundaryHandler()))
	mux.Handle("/api/dhcp/config", g.loggingHandler(g.configHandler()))
	mux.Handle("/api/dhcp/status", g.loggingHandler(g.statusHandler()))
	mux.Handle("/api/dhcp/health", g.loggingHandler(g.healthHandler()))
	if g.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

func (g *GoHTTPd) loggingHandler(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.logger.Info("http request log",
			zap.String("method", r.Method),
			zap.String("url", r.URL.String()),
			zap.String("remote", r.RemoteAddr))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		g.logger.Info("http response log", zap.Int("code", rec.Code))
		for k, v := range rec.Header() {
			w.Header()[k] = v
		}
		w.WriteHeader(rec.Code)
		rec.Body.WriteTo(w)
	})
}

func (g *GoHTTPd) leasesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			g.methodNotAllowed(w)
			return
		}
		leases, err := g.svc.ListLeases(r.Context())
		if err != nil {
			g.writeError(w, err)
			return
		}
		g.writeJSON(w, http.StatusOK, envelope{"success": true, "leases": emptySlice(leases)})
	})
}

type reservationRequest struct {
	HWAddress string `json:"hw-address"`
	IPAddress string `json:"ip-address"`
	Hostname  string `json:"hostname"`
}

func (g *GoHTTPd) reservationsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			reservations, err := g.svc.ListReservations(r.Context())
			if err != nil {
				g.writeError(w, err)
				return
			}
			g.writeJSON(w, http.StatusOK, envelope{"success": true, "reservations": emptySlice(reservations)})
		case http.MethodPost:
			var req reservationRequest
			if err := decodeBody(r, &req); err != nil {
				g.badRequest(w, err)
				return
			}
			if req.HWAddress == "" {
				g.badRequest(w, fmt.Errorf("missing required field: hw-address"))
				return
			}
			mac, err := types.ParseMAC(req.HWAddress)
			if err != nil {
				g.badRequest(w, fmt.Errorf("invalid hw-address %q", req.HWAddress))
				return
			}
			var ip types.IP
			if req.IPAddress != "" {
				parsed, err := types.ParseIP(req.IPAddress)
				if err != nil {
					g.badRequest(w, fmt.Errorf("invalid ip-address %q", req.IPAddress))
					return
				}
				ip = *parsed
			}
			reservation, err := g.svc.AddReservation(r.Context(), *mac, ip, req.Hostname)
			if err != nil {
				g.writeError(w, err)
				return
			}
			g.writeJSON(w, http.StatusOK, envelope{
				"success":     true,
				"message":     "reservation added successfully",
				"reservation": reservation,
			})
		default:
			g.methodNotAllowed(w)
		}
	})
}

func (g *GoHTTPd) reservationHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identifier := strings.TrimPrefix(r.URL.Path, "/api/dhcp/reservations/")
		if identifier == "" {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodPut:
			var req reservationRequest
			if err := decodeBody(r, &req); err != nil {
				g.badRequest(w, err)
				return
			}
			if req.IPAddress == "" {
				g.badRequest(w, fmt.Errorf("missing required field: ip-address"))
				return
			}
			ip, err := types.ParseIP(req.IPAddress)
			if err != nil {
				g.badRequest(w, fmt.Errorf("invalid ip-address %q", req.IPAddress))
				return
			}
			reservation, err := g.svc.UpdateReservationIP(r.Context(), identifier, *ip)
			if err != nil {
				g.writeError(w, err)
				return
			}
			g.writeJSON(w, http.StatusOK, envelope{
				"success":     true,
				"message":     "reservation updated successfully",
				"reservation": reservation,
			})
		case http.MethodDelete:
			if err := g.svc.RemoveReservation(r.Context(), identifier); err != nil {
				g.writeError(w, err)
				return
			}
			g.writeJSON(w, http.StatusOK, envelope{
				"success": true,
				"message": "reservation removed successfully",
			})
		default:
			g.methodNotAllowed(w)
		}
	})
}

func (g *GoHTTPd) unifiedHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			g.methodNotAllowed(w)
			return
		}
		records, err := g.svc.Unified(r.Context())
		if err != nil {
			g.writeError(w, err)
			return
		}
		g.writeJSON(w, http.StatusOK, envelope{"success": true, "records": emptySlice(records)})
	})
}

func (g *GoHTTPd) statisticsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			g.methodNotAllowed(w)
			return
		}
		stats, err := g.svc.Stats(r.Context())
		if err != nil {
			g.writeError(w, err)
			return
		}
		g.writeJSON(w, http.StatusOK, envelope{"success": true, "statistics": stats})
	})
}

func (g *GoHTTPd) boundaryHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			info, err := g.svc.Boundary(r.Context())
			if err != nil {
				g.writeError(w, err)
				return
			}
			g.writeJSON(w, http.StatusOK, envelope{"success": true, "range": info})
		case http.MethodPut:
			var req struct {
				Boundary *int `json:"boundary"`
			}
			if err := decodeBody(r, &req); err != nil {
				g.badRequest(w, err)
				return
			}
			if req.Boundary == nil {
				g.badRequest(w, fmt.Errorf("missing required field: boundary"))
				return
			}
			info, err := g.svc.SetBoundary(r.Context(), *req.Boundary)
			if err != nil {
				g.writeError(w, err)
				return
			}
			g.writeJSON(w, http.StatusOK, envelope{
				"success": true,
				"message": "boundary updated successfully",
				"range":   info,
			})
		default:
			g.methodNotAllowed(w)
		}
	})
}

func (g *GoHTTPd) configHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			doc, err := g.svc.RawConfig(r.Context())
			if err != nil {
				g.writeError(w, err)
				return
			}
			g.writeJSON(w, http.StatusOK, envelope{"success": true, "config": doc})
		case http.MethodPost:
			var req struct {
				Config json.RawMessage `json:"config"`
			}
			if err := decodeBody(r, &req); err != nil {
				g.badRequest(w, err)
				return
			}
			if len(req.Config) == 0 {
				g.badRequest(w, fmt.Errorf("no configuration provided"))
				return
			}
			if err := g.svc.SetRawConfig(r.Context(), req.Config); err != nil {
				g.writeError(w, err)
				return
			}
			doc, err := g.svc.RawConfig(r.Context())
			if err != nil {
				g.writeError(w, err)
				return
			}
			g.writeJSON(w, http.StatusOK, envelope{
				"success": true,
				"message": "configuration updated successfully",
				"config":  doc,
			})
		default:
			g.methodNotAllowed(w)
		}
	})
}

func (g *GoHTTPd) statusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			g.methodNotAllowed(w)
			return
		}
		status := envelope{"success": true}
		if info, err := g.net.InterfaceInfo(g.iface); err == nil {
			status["interface"] = info
		} else {
			g.logger.Warn("failed to read interface info", zap.Error(err))
		}
		if gw, err := g.net.DefaultGateway(); err == nil {
			status["gateway"] = gw
		}
		g.writeJSON(w, http.StatusOK, status)
	})
}

func (g *GoHTTPd) healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			g.methodNotAllowed(w)
			return
		}
		if _, err := g.svc.RawConfig(r.Context()); err != nil {
			g.writeJSON(w, http.StatusInternalServerError, envelope{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
		g.writeJSON(w, http.StatusOK, envelope{"status": "healthy"})
	})
}

type envelope map[string]interface{}

func decodeBody(r *http.Request, v interface{}) error {
	defer io.Copy(io.Discard, r.Body)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// emptySlice keeps empty lists rendering as [] instead of null.
func emptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (g *GoHTTPd) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (g *GoHTTPd) badRequest(w http.ResponseWriter, err error) {
	g.writeJSON(w, http.StatusBadRequest, envelope{"success": false, "error": err.Error()})
}

func (g *GoHTTPd) methodNotAllowed(w http.ResponseWriter) {
	g.writeJSON(w, http.StatusMethodNotAllowed, envelope{"success": false, "error": "method not allowed"})
}

func (g *GoHTTPd) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError

	var (
		conflict    *dhcp.ConflictError
		outOfRange  *dhcp.OutOfRangeError
		exhausted   *dhcp.RangeExhaustedError
		tooLow      *dhcp.BoundaryTooLowError
		tooHigh     *dhcp.BoundaryTooHighError
		invalidConf *dhcp.InvalidConfigError
	)
	switch {
	case errors.Is(err, dhcp.ErrNotFound):
		code = http.StatusNotFound
	case errors.As(err, &conflict):
		code = http.StatusConflict
	case errors.As(err, &outOfRange),
		errors.As(err, &exhausted),
		errors.As(err, &tooLow),
		errors.As(err, &tooHigh),
		errors.As(err, &invalidConf):
		code = http.StatusBadRequest
	case errors.Is(err, dhcp.ErrSourceUnavailable):
		code = http.StatusServiceUnavailable
	}

	g.writeJSON(w, code, envelope{"success": false, "error": err.Error()})
}
