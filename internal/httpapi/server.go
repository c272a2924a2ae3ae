package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/parkwatch/internal/parking/ledger"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/service"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/store"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/types"
)

const defaultListLimit = 100

// Dependencies wires a Server. Logger defaults to slog.Default.
type Dependencies struct {
	Logger    *slog.Logger
	Addr      string
	Dashboard *service.Dashboard
	// Store, when set, is exposed under /db/ for rtdb devices.
	Store     store.Store
	StoreAuth string
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	mux        *http.ServeMux
	dashboard  *service.Dashboard
}

// NewServer registers the dashboard routes. Start serves them.
func NewServer(d Dependencies) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	mux := http.NewServeMux()

	s := &Server{
		logger:    d.Logger,
		mux:       mux,
		dashboard: d.Dashboard,
	}

	mux.HandleFunc("GET /v1/spots", s.handleSpots)
	mux.HandleFunc("GET /v1/summary", s.handleSummary)
	mux.HandleFunc("GET /v1/cameras", s.handleCameras)
	mux.HandleFunc("GET /v1/settings/rates", s.handleGetRates)
	mux.HandleFunc("PUT /v1/settings/rates", s.handlePutRates)
	mux.HandleFunc("GET /v1/alerts/{kind}", s.handleAlerts)
	mux.HandleFunc("GET /v1/logs/access", s.handleAccessLog)
	if d.Store != nil {
		mux.Handle(facadePrefix, NewFacade(d.Store, d.StoreAuth, d.Logger))
	}

	handler := loggingMiddleware(d.Logger, mux)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", "err", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
}

func (s *Server) handleSpots(w http.ResponseWriter, r *http.Request) {
	spots, err := s.dashboard.Spots(r.Context())
	if err != nil {
		s.internalError(w, "spots", err)
		return
	}
	respond(w, r, http.StatusOK, spots)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.dashboard.Summary(r.Context())
	if err != nil {
		s.internalError(w, "summary", err)
		return
	}
	respond(w, r, http.StatusOK, sum)
}

func (s *Server) handleCameras(w http.ResponseWriter, r *http.Request) {
	cams, err := s.dashboard.Cameras(r.Context())
	if err != nil {
		s.internalError(w, "cameras", err)
		return
	}
	respond(w, r, http.StatusOK, cams)
}

func (s *Server) handleGetRates(w http.ResponseWriter, r *http.Request) {
	rates, err := s.dashboard.Rates(r.Context())
	if err != nil {
		s.internalError(w, "rates", err)
		return
	}
	respond(w, r, http.StatusOK, rates)
}

func (s *Server) handlePutRates(w http.ResponseWriter, r *http.Request) {
	var (
		rates types.Rates
		err   error
	)
	if isProtobuf(r) {
		var msg structpb.Struct
		if err = readProto(r, &msg); err == nil {
			rates, err = ratesFromProto(&msg)
		}
	} else {
		var body []byte
		if body, err = io.ReadAll(io.LimitReader(r.Body, maxRequestBody)); err == nil {
			rates, err = decodeRates(body)
		}
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_body", "invalid rates body")
		return
	}

	if err := s.dashboard.SetRates(r.Context(), rates); err != nil {
		if errors.Is(err, ledger.ErrInvalidRates) {
			writeError(w, http.StatusBadRequest, "invalid_rates", err.Error())
			return
		}
		s.internalError(w, "set rates", err)
		return
	}
	respond(w, r, http.StatusOK, rates)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	kind := types.AlertKind(r.PathValue("kind"))
	if !kind.Valid() {
		writeError(w, http.StatusNotFound, "unknown_alert_kind", "no such alert list")
		return
	}
	limit, ok := listLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
		return
	}
	alerts, err := s.dashboard.Alerts(r.Context(), kind, limit)
	if err != nil {
		s.internalError(w, "alerts", err)
		return
	}
	respond(w, r, http.StatusOK, alerts)
}

func (s *Server) handleAccessLog(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
		return
	}
	log, err := s.dashboard.AccessLog(r.Context(), limit)
	if err != nil {
		s.internalError(w, "access log", err)
		return
	}
	respond(w, r, http.StatusOK, log)
}

// listLimit reads ?limit=, defaulting to 100. Zero means everything.
func listLimit(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
