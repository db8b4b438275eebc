package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
)

type RouterConfig struct {
	Service *appointment.Service
	PgPool  *pgxpool.Pool // nil with memory storage
	Redis   *redis.Client // nil with the local lock
	Logger  zerolog.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(chimw.Recoverer)

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Schedule endpoints
	r.Route("/doctors/{doctorID}/schedule", func(r chi.Router) {
		r.Get("/", getScheduleHandler(cfg.Service))
		r.Get("/export", exportScheduleHandler(cfg.Service))
	})

	// Appointment endpoints
	r.Post("/appointments", reserveSlotHandler(cfg.Service))
	r.Route("/appointments/{id}", func(r chi.Router) {
		r.Get("/", getAppointmentHandler(cfg.Service))
		r.Post("/cancel", cancelAppointmentHandler(cfg.Service))
		r.Post("/reschedule", rescheduleAppointmentHandler(cfg.Service))
		r.Patch("/status", setStatusHandler(cfg.Service))
	})

	return r
}
