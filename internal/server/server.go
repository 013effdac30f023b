// Package server exposes the messaging engine to UI clients: one WebSocket
// connection per client, one channel session per connection.
package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"parish-chat/internal/backoff"
	"parish-chat/internal/config"
	"parish-chat/internal/feed"
	"parish-chat/internal/files"
	"parish-chat/internal/identity"
	"parish-chat/internal/metrics"
	"parish-chat/internal/session"
	"parish-chat/internal/store"

	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Server struct {
	store  *store.Store
	hub    *feed.Hub
	files  files.Storage
	logger *zap.SugaredLogger
	conf   config.Config
}

func New(st *store.Store, hub *feed.Hub, storage files.Storage, logger *zap.SugaredLogger, conf config.Config) *Server {
	return &Server{
		store:  st,
		hub:    hub,
		files:  storage,
		logger: logger,
		conf:   conf,
	}
}

// Handler builds the HTTP surface: the WebSocket endpoint, the channel
// directory, static uploads and health, behind CORS and rate limiting.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/channels", s.handleChannels)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(s.conf.UploadDir))))

	limit := httprate.LimitByIP(300, time.Minute)
	return CORS(limit(mux))
}

// actorID extracts the authenticated actor from the request. The identity
// provider itself is external; the surface accepts its token as-is.
func actorID(r *http.Request) string {
	if id := r.URL.Query().Get("actor_id"); id != "" {
		return id
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		http.Error(w, "actor required", http.StatusUnauthorized)
		return
	}

	dir := session.NewDirectory(s.store, identity.Static{ActorID: actor})
	channels, err := dir.ListChannels(r.Context())
	if err != nil {
		s.logger.Errorf("listing channels for %s: %v", actor, err)
		http.Error(w, "failed to list channels", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"channels": channels,
		"count":    len(channels),
	})
}

// handleUpload accepts a multipart file for a channel and returns the blob
// descriptor. The client then sends the message referencing it over its
// socket.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor := actorID(r)
	if actor == "" {
		http.Error(w, "actor required", http.StatusUnauthorized)
		return
	}
	channelID := r.URL.Query().Get("channel_id")
	if channelID == "" {
		http.Error(w, "channel_id required", http.StatusBadRequest)
		return
	}
	if _, err := s.store.MemberRole(r.Context(), channelID, actor); err != nil {
		http.Error(w, "not a member of this channel", http.StatusForbidden)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file field required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	desc, err := s.files.Upload(r.Context(), file, channelID, header.Filename)
	if err != nil {
		s.logger.Errorf("upload to channel %s by %s: %v", channelID, actor, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"url":        desc.URL,
		"name":       desc.Name,
		"size_bytes": desc.SizeBytes,
		"mime_type":  desc.MimeType,
		"is_image":   desc.IsImage(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(metrics.Current())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		http.Error(w, "actor required", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("websocket upgrade: %v", err)
		return
	}

	sess := session.New(s.store, s.hub, identity.Static{ActorID: actor}, s.logger, session.Options{
		PageSize:      s.conf.PageSize,
		TypingTimeout: s.conf.TypingTimeout,
		SendRetries:   s.conf.SendRetries,
		Backoff: backoff.Policy{
			Initial: s.conf.ResubscribeInitial,
			Max:     s.conf.ResubscribeMax,
			Factor:  2,
			Jitter:  0.1,
		},
	})

	client := &client{
		conn:    conn,
		actor:   actor,
		session: sess,
		logger:  s.logger,
		send:    make(chan []byte, 32),
	}

	s.logger.Infof("actor %s connected", actor)

	go client.writePump()
	go client.readPump()
}
