package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/hub"
	"github.com/DoyleJ11/arena-backend/internal/matchmaking"
	"github.com/DoyleJ11/arena-backend/internal/store"
)

type Deps struct {
	Hub            *hub.Hub
	Queue          *matchmaking.Queue
	Results        store.Reader // nil when no database is configured
	WS             http.Handler
	AllowedOrigins []string
	Log            *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	log := d.Log.Named("http")

	c := cors.New(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	r := chi.NewRouter()
	r.Use(RequestID(log), c.Handler)

	r.Get("/healthz", Healthz)
	r.Get("/queues/{variant}/{mode}", QueueSize(d.Queue))
	r.Get("/rooms/{id}", RoomView(d.Hub, log))
	r.Get("/results/{id}", Result(d.Results, log))
	r.Method(http.MethodGet, "/ws", d.WS)
	return r
}
