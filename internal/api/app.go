package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-bookclub/internal/books"
	"github.com/npezzotti/go-bookclub/internal/config"
	"github.com/npezzotti/go-bookclub/internal/database"
	"github.com/npezzotti/go-bookclub/internal/server"
)

const maxCreateAttempts = 3

type BookClubApp struct {
	log            *log.Logger
	db             database.Repository
	srv            *http.Server
	cs             *server.ChatServer
	catalog        *books.Catalog
	signingKey     []byte
	allowedOrigins []string
}

func NewBookClubApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.Repository, catalog *books.Catalog, cfg *config.Config) *BookClubApp {
	s := &BookClubApp{
		log:            logger,
		db:             db,
		cs:             cs,
		catalog:        catalog,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /api/books", s.authMiddleware(s.listBooks))
	mux.Handle("GET /api/books/{id}", s.authMiddleware(s.getBook))
	mux.Handle("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.Handle("GET /api/rooms/recent", s.authMiddleware(s.recentRooms))
	mux.Handle("GET /api/rooms/{code}", s.authMiddleware(s.getRoom))
	mux.Handle("POST /api/rooms/{code}/join", s.authMiddleware(s.joinRoom))
	mux.Handle("GET /api/rooms/{code}/highlights", s.authMiddleware(s.listHighlights))
	mux.Handle("POST /api/rooms/{code}/highlights", s.authMiddleware(s.createHighlight))
	mux.Handle("GET /api/rooms/{code}/comments", s.authMiddleware(s.listComments))
	mux.Handle("POST /api/rooms/{code}/highlights/{id}/comments", s.authMiddleware(s.createComment))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = handlers.CombinedLoggingHandler(logger.Writer(), h)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *BookClubApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *BookClubApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *BookClubApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
