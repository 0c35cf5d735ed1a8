package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"episode-cache/internal/cache"
	"episode-cache/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	streamBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Same permissive policy as the CORS middleware
		return true
	},
}

type streamMessage struct {
	Type     string                   `json:"type"`
	Download *domain.DownloadMetadata `json:"download,omitempty"`
	Progress *domain.ProgressEvent    `json:"progress,omitempty"`
}

// handleProgressStream sends the download's current record, then every
// progress event published while the socket is open.
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := domain.ValidateEpisodeID(id); err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	msgs := make(chan streamMessage, streamBuffer)

	// Subscribe before reading the status so no event falls in between
	unsubscribe := s.orch.OnProgress(id, func(ev domain.ProgressEvent) {
		select {
		case msgs <- streamMessage{Type: "progress", Progress: &ev}:
		default:
			// Never stall the download for a slow viewer
		}
	})
	defer unsubscribe()

	if meta, err := s.orch.GetDownloadStatus(r.Context(), id); err == nil && meta != nil {
		select {
		case msgs <- streamMessage{Type: "status", Download: meta}:
		default:
		}
	}

	pump[streamMessage](conn, msgs)
}

// handleEventStream forwards CACHE_SEGMENT events to the socket.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.notifier.Subscribe(ctx)
	defer s.notifier.Unsubscribe(sub)

	pump[cache.Event](conn, sub.Events())
}

// pump writes msgs to conn as JSON until the client goes away or msgs closes.
func pump[T any](conn *websocket.Conn, msgs <-chan T) {
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgs:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
