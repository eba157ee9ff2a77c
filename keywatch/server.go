package keywatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tls-keytap/shared"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The stream carries secrets; deploy behind loopback or a
		// tunnel rather than gating on origin.
		return true
	},
}

// subscriber is one websocket client. Writes are serialized by the
// mutex; gorilla conns allow a single concurrent writer.
type subscriber struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (s *subscriber) send(msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("subscriber closed")
	}
	return s.conn.WriteJSON(msg)
}

// Server fans key log records out to websocket subscribers and serves
// a JSON status surface.
type Server struct {
	path string
	log  *shared.Logger

	mu          sync.RWMutex
	subscribers map[string]*subscriber

	records atomic.Uint64
	started time.Time
}

// NewServer builds a server streaming records parsed from the key log
// at path.
func NewServer(path string, log *shared.Logger) *Server {
	if log == nil {
		log = shared.NopLogger()
	}
	return &Server{
		path:        path,
		log:         log,
		subscribers: make(map[string]*subscriber),
		started:     time.Now(),
	}
}

// SubscriberCount reports the number of connected clients.
func (s *Server) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Records reports how many records have been broadcast.
func (s *Server) Records() uint64 {
	return s.records.Load()
}

// Handler returns the HTTP surface: the websocket stream on /ws, the
// JSON status on /status and a plain health check on /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "keytap-watch healthy")
	})
	return mux
}

// Run tails the key log and serves subscribers on addr until ctx is
// canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	tailer, err := NewTailer(Config{
		Path:    s.path,
		Logger:  s.log,
		Handler: s.Broadcast,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := tailer.Run(ctx); err != nil {
			errCh <- err
		}
	}()
	go func() {
		s.log.InfoIf("watch server listening",
			zap.String("addr", addr),
			zap.String("keylog", s.path))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.WarnIf("watch server shutdown", zap.Error(err))
		}
		s.closeAll()
		return nil
	case err := <-errCh:
		return err
	}
}

// Broadcast sends one record to every subscriber. A subscriber whose
// write fails is dropped; a slow or dead client must not stall the
// stream.
func (s *Server) Broadcast(rec Record) {
	s.records.Add(1)

	msg, err := newMessage(MsgTypeRecord, rec)
	if err != nil {
		return
	}

	s.mu.RLock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.send(msg); err != nil {
			s.log.DebugIf("dropping subscriber",
				zap.String("subscriber_id", sub.id),
				zap.Error(err))
			s.remove(sub)
		}
	}
}

// handleWS upgrades the connection and parks it in the registry until
// the client goes away. The stream is one-way; the read loop exists to
// notice disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WarnIf("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}

	sub := &subscriber{id: uuid.NewString(), conn: conn}
	s.mu.Lock()
	s.subscribers[sub.id] = sub
	count := len(s.subscribers)
	s.mu.Unlock()

	s.log.InfoIf("subscriber connected",
		zap.String("subscriber_id", sub.id),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("subscribers", count))

	if hello, err := newMessage(MsgTypeHello, HelloData{
		File:    s.path,
		Records: s.records.Load(),
	}); err == nil {
		if err := sub.send(hello); err != nil {
			s.remove(sub)
			return
		}
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				s.log.DebugIf("subscriber read error",
					zap.String("subscriber_id", sub.id),
					zap.Error(err))
			}
			break
		}
	}

	s.remove(sub)
}

// remove closes a subscriber and drops it from the registry. Safe to
// call from both the read loop and a failed broadcast.
func (s *Server) remove(sub *subscriber) {
	sub.mu.Lock()
	alreadyClosed := sub.closed
	sub.closed = true
	sub.mu.Unlock()
	sub.conn.Close()

	s.mu.Lock()
	delete(s.subscribers, sub.id)
	s.mu.Unlock()

	if !alreadyClosed {
		s.log.InfoIf("subscriber disconnected",
			zap.String("subscriber_id", sub.id))
	}
}

// closeAll disconnects every subscriber, for shutdown.
func (s *Server) closeAll() {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		s.remove(sub)
	}
}

// Status is the JSON shape served on /status.
type Status struct {
	File        string `json:"file"`
	Subscribers int    `json:"subscribers"`
	Records     uint64 `json:"records"`
	UptimeSec   int64  `json:"uptime_sec"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := Status{
		File:        s.path,
		Subscribers: s.SubscriberCount(),
		Records:     s.records.Load(),
		UptimeSec:   int64(time.Since(s.started).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.WarnIf("status encode failed", zap.Error(err))
	}
}
