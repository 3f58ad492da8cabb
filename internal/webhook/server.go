// Package webhook receives the platform's inbound messaging events and
// correlates replies back to dispatched messages.
package webhook

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ReplyEvent is one inbound message event. Consumed once and turned into
// a status update; never persisted as-is.
type ReplyEvent struct {
	BusinessID string    // recipient business-account identifier
	SenderID   string    // platform identifier of the message author
	Text       string
	Timestamp  time.Time
}

// Config holds webhook listener settings
type Config struct {
	ListenAddr  string
	Path        string
	VerifyToken string
	QueueSize   int // buffered events between intake and correlator
}

// Server is the public webhook listener. Event processing is decoupled
// from the HTTP response: POST handlers enqueue and return immediately so
// the platform never sees a slow consumer and starts a redelivery storm.
type Server struct {
	cfg        Config
	events     chan ReplyEvent
	httpServer *http.Server
	logger     *slog.Logger

	// TLS material, set by the caller before ListenAndServe
	TLSConfig *tls.Config
	CertFile  string
	KeyFile   string
}

// NewServer creates a webhook server
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 256
	}

	return &Server{
		cfg:    cfg,
		events: make(chan ReplyEvent, cfg.QueueSize),
		logger: logger.With("component", "webhook"),
	}
}

// Events returns the channel the correlator consumes
func (s *Server) Events() <-chan ReplyEvent {
	return s.events
}

// Router builds the HTTP handler; exposed for tests
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get(s.cfg.Path, s.handleVerify)
	r.Post(s.cfg.Path, s.handleEvents)

	return r
}

// ListenAndServe starts the webhook listener, with TLS when certificate
// material is configured
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		TLSConfig:    s.TLSConfig,
	}

	switch {
	case s.TLSConfig != nil:
		s.logger.Info("starting webhook server with ACME TLS", "addr", s.cfg.ListenAddr, "path", s.cfg.Path)
		return s.httpServer.ListenAndServeTLS("", "")
	case s.CertFile != "" && s.KeyFile != "":
		s.logger.Info("starting webhook server with TLS", "addr", s.cfg.ListenAddr, "path", s.cfg.Path)
		return s.httpServer.ListenAndServeTLS(s.CertFile, s.KeyFile)
	default:
		s.logger.Info("starting webhook server", "addr", s.cfg.ListenAddr, "path", s.cfg.Path)
		return s.httpServer.ListenAndServe()
	}
}

// Shutdown gracefully stops the listener. The events channel stays open;
// the correlator drains it separately.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down webhook server")
	return s.httpServer.Shutdown(ctx)
}

// handleVerify answers the platform's subscription handshake: echo the
// challenge as plain text when the mode is subscribe and the pre-shared
// token matches
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("mode")
	challenge := q.Get("challenge")
	token := q.Get("verify_token")

	if mode != "subscribe" {
		s.logger.Warn("webhook verification rejected", "mode", mode, "remote", r.RemoteAddr)
		http.Error(w, "unsupported subscription mode", http.StatusForbidden)
		return
	}
	if token != s.cfg.VerifyToken {
		s.logger.Warn("webhook verification rejected", "mode", mode, "remote", r.RemoteAddr)
		http.Error(w, "verification token mismatch", http.StatusForbidden)
		return
	}

	s.logger.Info("webhook verified", "mode", mode)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

// eventPayload mirrors the platform's delivery format: a batch of entries,
// each carrying one or more messaging events
type eventPayload struct {
	Entry []struct {
		ID        string `json:"id"`
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Recipient struct {
				ID string `json:"id"`
			} `json:"recipient"`
			Timestamp int64 `json:"timestamp"` // milliseconds
			Message   struct {
				Text string `json:"text"`
			} `json:"message"`
		} `json:"messaging"`
	} `json:"entry"`
}

// handleEvents enqueues delivered events and acknowledges immediately
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var payload eventPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.logger.Warn("undecodable webhook payload", "error", err)
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	for _, entry := range payload.Entry {
		for _, m := range entry.Messaging {
			ev := ReplyEvent{
				BusinessID: entry.ID,
				SenderID:   m.Sender.ID,
				Text:       m.Message.Text,
				Timestamp:  time.UnixMilli(m.Timestamp),
			}
			select {
			case s.events <- ev:
			default:
				// A full queue means the correlator is behind; dropping is
				// preferable to stalling the platform's delivery
				s.logger.Warn("event queue full, dropping reply event", "sender", ev.SenderID)
			}
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("EVENT_RECEIVED"))
}
