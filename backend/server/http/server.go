package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/adwski/chathub/backend/model"
	"github.com/adwski/chathub/backend/server"
	"github.com/rs/zerolog"
)

const bannerText = "Chat hub is running"

// QueryService is read-only view of hub state.
type QueryService interface {
	History() []model.Message
	Users() []model.Connection
	Rooms() []string
}

type Server struct {
	logger zerolog.Logger
	svc    QueryService
	*http.Server
}

type Config struct {
	Logger       *zerolog.Logger
	QueryService QueryService
	ListenAddr   string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.QueryService,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/messages", srv.messages)
	r.HandleFunc("GET /api/users", srv.users)
	r.HandleFunc("GET /api/rooms", srv.rooms)
	r.HandleFunc("GET /{$}", banner)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func banner(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(bannerText))
}

func (srv *Server) messages(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, srv.svc.History())
}

func (srv *Server) users(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, srv.svc.Users())
}

func (srv *Server) rooms(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, srv.svc.Rooms())
}

func (srv *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	b, err := json.Marshal(v)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(http.StatusOK)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	server.Run(ctx, srv.Server, &srv.logger, wg, errc)
}
