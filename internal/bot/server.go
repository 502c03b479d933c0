// Package bot hosts the Feishu event webhook and turns message-receive
// events into pipeline runs with a reply per terminal outcome.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"occam/internal/journal"
	"occam/internal/message"
	"occam/internal/pipeline"
)

const ackText = "Got it. Processing the link..."

// Handler runs the ingestion pipeline for one inbound message.
type Handler interface {
	Handle(ctx context.Context, msg message.Inbound) pipeline.Outcome
}

// Server receives Feishu event callbacks. Message-receive events are
// acknowledged immediately and processed in the background so the delivery
// channel is never blocked; all other event types are ignored.
type Server struct {
	handler     Handler
	journal     *journal.Journal
	notifier    *Notifier
	verifyToken string
	logger      *slog.Logger

	// base context for background runs, detached from request lifetimes
	base context.Context
	wg   sync.WaitGroup
}

// NewServer creates the webhook server. base bounds the background pipeline
// runs; cancel it to stop accepting work.
func NewServer(base context.Context, handler Handler, jnl *journal.Journal, notifier *Notifier, verifyToken string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handler:     handler,
		journal:     jnl,
		notifier:    notifier,
		verifyToken: verifyToken,
		logger:      logger,
		base:        base,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Post("/webhook/event", s.handleEvent)
	return r
}

// Drain waits for in-flight background runs to finish.
func (s *Server) Drain() {
	s.wg.Wait()
}

// eventEnvelope covers both the URL verification handshake and v2 event
// callbacks.
type eventEnvelope struct {
	Type      string `json:"type"`
	Token     string `json:"token"`
	Challenge string `json:"challenge"`
	Header    struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
		} `json:"message"`
	} `json:"event"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var env eventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if s.verifyToken != "" {
		token := env.Token
		if token == "" {
			token = env.Header.Token
		}
		if token != s.verifyToken {
			s.logger.Warn("event with invalid verification token rejected")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	// Endpoint registration handshake.
	if env.Type == "url_verification" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": env.Challenge})
		return
	}

	if env.Header.EventType != "im.message.receive_v1" {
		s.logger.Debug("ignoring event", "event_type", env.Header.EventType)
		w.WriteHeader(http.StatusOK)
		return
	}

	msg := message.Inbound{
		MessageID:  env.Event.Message.MessageID,
		ChatID:     env.Event.Message.ChatID,
		SenderID:   env.Event.Sender.SenderID.OpenID,
		Text:       textContent(env.Event.Message.Content),
		ReceivedAt: time.Now(),
	}

	seen, err := s.journal.Seen(msg.MessageID)
	if err != nil {
		s.logger.Error("journal lookup failed", "error", err.Error())
	}
	if seen {
		s.logger.Info("redelivered message acknowledged", "message_id", msg.MessageID)
		w.WriteHeader(http.StatusOK)
		return
	}

	// Acknowledge to the user before the slow work starts.
	if err := s.notifier.sender.SendText(r.Context(), msg.ChatID, ackText); err != nil {
		s.logger.Warn("acknowledgment send failed", "error", err.Error())
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.process(msg)
	}()

	w.WriteHeader(http.StatusOK)
}

// process runs the pipeline for one message and delivers exactly one reply.
func (s *Server) process(msg message.Inbound) {
	outcome := s.handler.Handle(s.base, msg)

	entry := journal.Entry{
		MessageID: msg.MessageID,
		ChatID:    msg.ChatID,
		OK:        !outcome.Failed(),
		Stage:     outcome.Stage,
		ErrorKind: string(outcome.Kind()),
	}
	if outcome.Request != nil {
		entry.URL = outcome.Request.URL
	}
	if outcome.Store != nil {
		entry.RecordURL = outcome.Store.RecordURL
	}
	if err := s.journal.Record(entry); err != nil {
		s.logger.Error("journal write failed", "error", err.Error())
	}

	ctx, cancel := context.WithTimeout(s.base, 30*time.Second)
	defer cancel()
	if err := s.notifier.Notify(ctx, msg.ChatID, outcome); err != nil {
		s.logger.Error("reply send failed", "message_id", msg.MessageID, "error", err.Error())
	}
}

// textContent extracts the text field from a Feishu message content payload.
// Non-text messages yield an empty string and fail parsing downstream with a
// user-visible no-URL reply.
func textContent(content string) string {
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return ""
	}
	return payload.Text
}

// Serve runs the webhook server until ctx is cancelled or a shutdown signal
// arrives, then drains in-flight runs.
func Serve(ctx context.Context, port int, s *Server, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Router(),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("webhook server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("shutdown signal received", "signal", sig.String())
		case <-gCtx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err.Error())
		}
		s.Drain()
		return nil
	})

	return g.Wait()
}
