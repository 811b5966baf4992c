package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"autopit/internal/bus"
	"autopit/internal/config"
	"autopit/internal/models"
	"autopit/internal/store"
	"autopit/internal/telemetry"
)

// Limiter admits or refuses one call for a client key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

type deadLetterReader interface {
	DeadLetters(ctx context.Context, count int64) ([]bus.DeadLetter, error)
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	cfg     config.Config
	store   store.Store
	bus     bus.Bus
	limiter Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, st store.Store, b bus.Bus, limiter Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		bus:     b,
		limiter: limiter,
		logger:  logger.With("component", "api"),
		now:     time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/cars", s.handleUpsertCar)
		r.Get("/cars/{vin}", s.handleGetCar)
		r.Post("/service", s.handleSubmit)
		r.Get("/service/inqueue", s.handleInQueue)
		r.Get("/service/{id}", s.handleGetService)
		r.Post("/service/{id}/resubmit", s.handleResubmit)
		r.Get("/bus/deadletters", s.handleDeadLetters)
	})
	return r
}

type serviceRequestBody struct {
	VIN      string `json:"vin"`
	Concern  string `json:"concern"`
	Priority int    `json:"priority"`
}

type acceptedResponse struct {
	RequestID uuid.UUID `json:"requestId"`
	Status    string    `json:"status"`
}

type serviceView struct {
	Request models.ServiceRequest `json:"request"`
	Order   *models.ServiceOrder  `json:"order"`
	Status  string                `json:"status"`
}

func (s *Server) handleUpsertCar(w http.ResponseWriter, r *http.Request) {
	var car models.Car
	if err := json.NewDecoder(r.Body).Decode(&car); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	car.VIN = strings.TrimSpace(car.VIN)
	car.Make = strings.TrimSpace(car.Make)
	car.Model = strings.TrimSpace(car.Model)
	car.Trim = strings.TrimSpace(car.Trim)
	if err := models.ValidateCar(car); err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := s.store.UpsertCar(r.Context(), car); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.Header().Set("Location", "/api/cars/"+car.VIN)
	writeJSON(w, http.StatusCreated, car)
}

func (s *Server) handleGetCar(w http.ResponseWriter, r *http.Request) {
	car, err := s.store.GetCar(r.Context(), chi.URLParam(r, "vin"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, car)
}

// handleSubmit records the request as Queued before publishing it, so a
// rejected publish leaves a durable request the caller can resubmit.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body serviceRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req := models.NewServiceRequest(body.VIN, body.Concern, body.Priority, s.now())
	if err := models.ValidateServiceRequest(req); err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := s.store.UpsertServiceRequest(r.Context(), req); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.publish(w, r, req)
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request id")
		return
	}
	current, err := s.store.GetServiceRequest(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	queued, err := current.Transition(models.StatusQueued, "")
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := s.store.UpsertServiceRequest(r.Context(), queued); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.logger.Info("resubmitting request", "request_id", id, "previous_status", current.Status)
	s.publish(w, r, queued)
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request, req models.ServiceRequest) {
	// The bus counts published and rejected requests itself.
	if err := s.bus.Publish(r.Context(), req); err != nil {
		s.logger.Warn("publish rejected", "request_id", req.ID, "error", err)
		s.writeFailure(w, err)
		return
	}
	w.Header().Set("Location", "/api/service/"+req.ID.String())
	writeJSON(w, http.StatusAccepted, acceptedResponse{RequestID: req.ID, Status: models.StatusQueued.String()})
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request id")
		return
	}
	req, err := s.store.GetServiceRequest(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	view := serviceView{Request: req, Status: req.Status.String()}
	order, err := s.store.GetOrder(r.Context(), id)
	switch {
	case err == nil:
		view.Order = &order
		view.Status = models.StatusComplete.String()
	case !errors.Is(err, store.ErrNotFound):
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleInQueue(w http.ResponseWriter, r *http.Request) {
	queued, err := s.store.ListQueuedRequests(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if queued == nil {
		queued = []models.ServiceRequest{}
	}
	writeJSON(w, http.StatusOK, queued)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	reader, ok := s.bus.(deadLetterReader)
	if !ok {
		writeError(w, http.StatusNotImplemented, fmt.Sprintf("bus backend %q keeps no dead letters", s.cfg.BusBackend))
		return
	}
	items, err := reader.DeadLetters(r.Context(), 100)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if items == nil {
		items = []bus.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+clientKey(r))
		if err != nil {
			s.logger.Error("rate limiter unavailable", "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeFailure maps domain errors onto status codes.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, bus.ErrRejected):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "request recorded but not queued; resubmit later")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
