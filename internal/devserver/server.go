package devserver

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/classchat/internal/config"
)

// Server wires the in-memory state, the live-update hub and the HTTP routes
// into one handler.
type Server struct {
	cfg    config.DevServerConfig
	state  *State
	hub    *hub
	router chi.Router
}

func New(cfg config.DevServerConfig) *Server {
	s := &Server{
		cfg:   cfg,
		state: NewState(),
		hub:   newHub(),
	}
	s.router = s.routes()
	return s
}

// State exposes the data store for seeding.
func (s *Server) State() *State { return s.state }

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// Shutdown closes every live connection.
func (s *Server) Shutdown() { s.hub.shutdown() }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(recoverJSON)
	r.Use(requestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(s.cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/files/{filename}", s.handleServeFile)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/login/access-token", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler {
				return requireAuth(s.cfg.JWTSecret, next)
			})
			r.Get("/users/me", s.handleCurrentUser)
			r.Get("/chats/", s.handleListChats)
			r.Post("/chats/", s.handleCreateChat)
			r.Get("/chats/{chatId}/messages", s.handleGetMessages)
			r.Post("/chats/{chatId}/messages", s.handleSendMessage)
			r.Post("/chats/{chatId}/messages/{messageId}/read", s.handleMarkRead)
			r.Post("/chats/{chatId}/resources", s.handleUpload)
			r.Get("/chats/{chatId}/ws", s.handleServeWS)
		})
	})

	return r
}
