package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/talkhouse/server/internal/calls"
	"github.com/talkhouse/server/internal/config"
	"github.com/talkhouse/server/internal/database"
	"github.com/talkhouse/server/internal/gateway"
)

type TalkhouseApp struct {
	log            *log.Logger
	db             database.Repository
	mux            *http.Server
	gw             *gateway.Gateway
	calls          *calls.Service
	signingKey     []byte
	allowedOrigins []string
}

func NewTalkhouseApp(mux *http.ServeMux, logger *log.Logger, gw *gateway.Gateway, callService *calls.Service, db database.Repository, cfg *config.Config) *TalkhouseApp {
	s := &TalkhouseApp{
		log:            logger,
		db:             db,
		gw:             gw,
		calls:          callService,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.Handle("GET /api/users/{userId}", s.authMiddleware(s.getUser))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("POST /api/calls", s.authMiddleware(s.initiateCall))
	mux.Handle("GET /api/calls", s.authMiddleware(s.callHistory))
	mux.Handle("GET /api/calls/{callId}", s.authMiddleware(s.getCall))
	mux.Handle("POST /api/calls/{callId}/accept", s.authMiddleware(s.acceptCall))
	mux.Handle("POST /api/calls/{callId}/reject", s.authMiddleware(s.rejectCall))
	mux.Handle("POST /api/calls/{callId}/end", s.authMiddleware(s.endCall))
	mux.HandleFunc("GET /api/health", s.health)
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *TalkhouseApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *TalkhouseApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
