package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/clipflow/scheduler/internal/auth"
	"github.com/clipflow/scheduler/internal/bandit"
	"github.com/clipflow/scheduler/internal/coordinator"
	"github.com/clipflow/scheduler/internal/models"
	"github.com/clipflow/scheduler/internal/service"
	"github.com/clipflow/scheduler/internal/store"
)

type Server struct {
	service    *service.Service
	store      store.Store
	logger     *logrus.Logger
	authSecret string
	registry   *prometheus.Registry
}

func New(svc *service.Service, st store.Store, logger *logrus.Logger, authSecret string, registry *prometheus.Registry) *Server {
	return &Server{
		service:    svc,
		store:      st,
		logger:     logger,
		authSecret: authSecret,
		registry:   registry,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/scheduler", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.NewMiddleware(s.authSecret, s.logger))
			r.Post("/recommend", s.handleRecommend)
			r.Post("/confirm", s.handleConfirm)
			r.Post("/outcomes", s.handleOutcome)
			r.Post("/posts/{postID}/status", s.handlePostStatus)
		})
		r.Get("/arms/{platform}/{bucket}", s.handleInspectArm)
		r.Get("/analytics/{platform}", s.handleAnalytics)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["store"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type recommendRequest struct {
	ContentID uuid.UUID  `json:"contentId"`
	Platforms []string   `json:"platforms"`
	Earliest  time.Time  `json:"earliest"`
	Deadline  *time.Time `json:"deadline,omitempty"`
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req recommendRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.service.Recommend(r.Context(), models.ScheduleRequest{
		ContentID: req.ContentID,
		Platforms: req.Platforms,
		Earliest:  req.Earliest,
		Deadline:  req.Deadline,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

type confirmRequest struct {
	ContentID uuid.UUID         `json:"contentId"`
	Platform  string            `json:"platform"`
	Bucket    models.TimeBucket `json:"bucket"`
	At        time.Time         `json:"at"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	post, err := s.service.Confirm(r.Context(), req.ContentID, models.Slot{
		Platform: req.Platform,
		Bucket:   req.Bucket,
		At:       req.At,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, post)
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var outcome models.Outcome
	if err := decodeJSON(r, &outcome); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if outcome.PostID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "postId required")
		return
	}
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = time.Now().UTC()
	}
	if err := s.service.RecordOutcome(r.Context(), outcome); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

type postStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handlePostStatus(w http.ResponseWriter, r *http.Request) {
	postID, err := uuid.Parse(chi.URLParam(r, "postID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid post id")
		return
	}
	var req postStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var post models.ScheduledPost
	switch req.Status {
	case models.PostStatusPublished:
		post, err = s.service.MarkPublished(r.Context(), postID)
	case models.PostStatusCancelled:
		post, err = s.service.MarkCancelled(r.Context(), postID)
	default:
		respondError(w, http.StatusBadRequest, "status must be published or cancelled")
		return
	}
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, post)
}

func (s *Server) handleInspectArm(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	bucket, err := strconv.Atoi(chi.URLParam(r, "bucket"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid bucket")
		return
	}
	arm, err := s.service.InspectArm(r.Context(), platform, models.TimeBucket(bucket))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, arm)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	analytics, err := s.service.Analytics(r.Context(), platform)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, analytics)
}

func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownPlatform), errors.Is(err, service.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, bandit.ErrInvalidReward):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, coordinator.ErrNoAvailableSlot):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.WithError(err).Error("request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
