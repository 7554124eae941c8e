package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"chatsync/internal/channel"
	"chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/middleware"
	"chatsync/internal/models"
	"chatsync/internal/querychannels"
	"chatsync/internal/tracing"
	"chatsync/pkg/chat/types"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// channelDirectory is the part of the registry the server reads.
type channelDirectory interface {
	ChannelByCID(cid string) (*channel.Logic, error)
	Lookup(cid string) (*channel.Logic, bool)
	CIDs() []string
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Server is the debug HTTP surface: health, metrics, live channels and channel lists.
type Server struct {
	cfg      models.ServerConfig
	router   *mux.Router
	logger   *logrus.Logger
	channels channelDirectory
	queries  *queryBook
	probe    channel.ConnectivityProbe
	db       pinger
	server   *http.Server
}

func NewServer(cfg models.ServerConfig, channels channelDirectory, queries *queryBook, probe channel.ConnectivityProbe, db pinger, logger *logrus.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		router:   mux.NewRouter(),
		logger:   logger,
		channels: channels,
		queries:  queries,
		probe:    probe,
		db:       db,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger, routeTemplate))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	channels := s.router.PathPrefix("/channels").Subrouter()
	channels.HandleFunc("", s.handleListChannels()).Methods(http.MethodGet)
	channels.HandleFunc("/{cid}", s.handleGetChannel()).Methods(http.MethodGet)
	channels.HandleFunc("/{cid}/watch", s.handleWatchChannel()).Methods(http.MethodPost)

	queries := s.router.PathPrefix("/queries").Subrouter()
	queries.HandleFunc("", s.handleListQueries()).Methods(http.MethodGet)
	queries.HandleFunc("", s.handleRunQuery()).Methods(http.MethodPost)
	queries.HandleFunc("/{id}", s.handleGetQuery()).Methods(http.MethodGet)
	queries.HandleFunc("/{id}/more", s.handleLoadMore()).Methods(http.MethodPost)
}

func routeTemplate(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return ""
	}
	return tpl
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting debug server on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status   string `json:"status"`
	Online   bool   `json:"online"`
	Database string `json:"database"`
	Channels int    `json:"channels"`
	Queries  int    `json:"queries"`
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:   "healthy",
			Online:   s.probe == nil || s.probe.Online(),
			Database: "ok",
			Channels: len(s.channels.CIDs()),
		}
		if s.queries != nil {
			resp.Queries = len(s.queries.all())
		}

		status := http.StatusOK
		if s.db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := s.db.Ping(ctx)
			cancel()
			if err != nil {
				s.logger.WithError(err).Warn("Database health check failed")
				resp.Status = "unhealthy"
				resp.Database = "unreachable"
				status = http.StatusServiceUnavailable
			}
		}
		s.writeJSON(w, r, status, resp)
	}
}

func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		s.writeJSON(w, r, http.StatusOK, metrics.GetAllMetrics())
	}
}

func (s *Server) handleListChannels() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, r, http.StatusOK, map[string][]string{"cids": s.channels.CIDs()})
	}
}

func (s *Server) handleGetChannel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cid := mux.Vars(r)["cid"]
		logic, ok := s.channels.Lookup(cid)
		if !ok {
			s.writeError(w, r, errors.NewNotFoundError("channel", cid))
			return
		}
		s.writeJSON(w, r, http.StatusOK, logic.State().Snapshot())
	}
}

type watchRequest struct {
	MessageLimit int  `json:"message_limit"`
	Presence     bool `json:"presence"`
}

func (s *Server) handleWatchChannel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req watchRequest
		if !s.decodeOptional(w, r, &req) {
			return
		}

		logic, err := s.channels.ChannelByCID(mux.Vars(r)["cid"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		ch, err := logic.Watch(r.Context(), req.MessageLimit, req.Presence)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, ch)
	}
}

type querySummary struct {
	ID             string       `json:"id"`
	Filter         types.Filter `json:"filter"`
	State          string       `json:"state"`
	CIDs           []string     `json:"cids"`
	EndOfChannels  bool         `json:"end_of_channels"`
	RecoveryNeeded bool         `json:"recovery_needed"`
}

func summarize(c *querychannels.Controller) querySummary {
	return querySummary{
		ID:             c.ID(),
		Filter:         c.Filter(),
		State:          c.State().String(),
		CIDs:           c.CIDs(),
		EndOfChannels:  c.EndOfChannels(),
		RecoveryNeeded: c.RecoveryNeeded(),
	}
}

func (s *Server) handleListQueries() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		controllers := s.queries.all()
		out := make([]querySummary, 0, len(controllers))
		for _, c := range controllers {
			out = append(out, summarize(c))
		}
		s.writeJSON(w, r, http.StatusOK, out)
	}
}

type runQueryRequest struct {
	Filter types.Filter    `json:"filter"`
	Sort   types.QuerySort `json:"sort"`
	Limit  int             `json:"limit"`
}

type queryResponse struct {
	querySummary
	Channels []types.Channel `json:"channels"`
}

func (s *Server) handleRunQuery() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req runQueryRequest
		if !s.decodeOptional(w, r, &req) {
			return
		}

		c, created := s.queries.controller(req.Filter, req.Sort)
		if created {
			s.logger.WithField("query_id", c.ID()).Info("Channel list registered")
		}

		channels, err := s.queries.query(r.Context(), c, req.Limit, false)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, queryResponse{querySummary: summarize(c), Channels: channels})
	}
}

func (s *Server) handleGetQuery() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		c, ok := s.queries.lookup(id)
		if !ok {
			s.writeError(w, r, errors.NewNotFoundError("query", id))
			return
		}
		s.writeJSON(w, r, http.StatusOK, queryResponse{querySummary: summarize(c), Channels: c.Channels()})
	}
}

func (s *Server) handleLoadMore() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		c, ok := s.queries.lookup(id)
		if !ok {
			s.writeError(w, r, errors.NewNotFoundError("query", id))
			return
		}

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		channels, err := s.queries.query(r.Context(), c, limit, true)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if channels == nil {
			channels = []types.Channel{}
		}
		s.writeJSON(w, r, http.StatusOK, queryResponse{querySummary: summarize(c), Channels: channels})
	}
}

// decodeOptional decodes a JSON body when one is present.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, errors.NewValidationError("body", "", fmt.Sprintf("invalid JSON: %v", err)))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).WithField("request_id", tracing.GetRequestID(r.Context())).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatusCode(err)
	if status >= 500 {
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	}
	s.writeJSON(w, r, status, errors.ToHTTPResponse(err, tracing.GetRequestID(r.Context())))
}
