// Package handlers implements the reference remote authority: the websocket
// event channel and the REST endpoints the client consumes.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"claimsync/database"
	"claimsync/events"
	"claimsync/logging"
	"claimsync/middleware"
	"claimsync/models"
)

// Server holds the dependencies of every handler.
type Server struct {
	store    *database.Store
	hub      *Hub
	logger   *zap.Logger
	validate *validator.Validate
}

// NewServer creates a server over store.
func NewServer(store *database.Store, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger)
	return &Server{
		store:    store,
		hub:      NewHub(logger.With(zap.String("component", "hub"))),
		logger:   logger,
		validate: validator.New(),
	}
}

// Hub returns the connection hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run drives the hub until ctx is done.
func (s *Server) Run(ctx context.Context) {
	s.hub.Run(ctx)
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(s.logger))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	auth := middleware.Auth(s.store, s.logger)

	r.Handle("/ws", auth(http.HandlerFunc(s.HandleWebSocket))).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth)
	api.HandleFunc("/conversations", s.GetConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", s.GetMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/read", s.MarkConversationRead).Methods(http.MethodPost)
	api.HandleFunc("/notifications", s.GetNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications", s.CreateNotification).Methods(http.MethodPost)
	api.HandleFunc("/notifications/read-all", s.MarkAllNotificationsRead).Methods(http.MethodPost)
	api.HandleFunc("/notifications/unread-count", s.GetUnreadCount).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{id}/read", s.MarkNotificationRead).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{id}", s.DeleteNotification).Methods(http.MethodDelete)
	api.HandleFunc("/contacts", s.GetContacts).Methods(http.MethodGet)
	return r
}

// handleCommand applies one command received over the websocket.
func (s *Server) handleCommand(ctx context.Context, from models.Contact, cmd events.Command) error {
	switch c := cmd.(type) {
	case events.SendMessage:
		if strings.TrimSpace(c.Content) == "" {
			return errors.New("empty message")
		}
		if _, err := s.store.UserByID(ctx, c.RecipientID); err != nil {
			return fmt.Errorf("recipient %q: %w", c.RecipientID, err)
		}
		msg, err := s.store.CreateMessage(ctx, from.ID, c.RecipientID, c.Content, c.MessageType)
		if err != nil {
			return err
		}
		// The sender receives its own message back; clients never insert it locally.
		s.hub.Push(c.RecipientID, events.NewMessage{Message: msg})
		s.hub.Push(from.ID, events.NewMessage{Message: msg})

	case events.JoinConversation:
		if _, err := s.store.UserByID(ctx, c.RecipientID); err != nil {
			return fmt.Errorf("recipient %q: %w", c.RecipientID, err)
		}
		if _, err := s.store.EnsureConversation(ctx, from.ID, c.RecipientID); err != nil {
			return err
		}

	case events.StartTyping:
		other, err := models.OtherParticipant(c.ConversationID, from.ID)
		if err != nil {
			return err
		}
		s.hub.Push(other, events.TypingStart{ConversationID: c.ConversationID, UserID: from.ID, UserName: from.DisplayName})

	case events.StopTyping:
		other, err := models.OtherParticipant(c.ConversationID, from.ID)
		if err != nil {
			return err
		}
		s.hub.Push(other, events.TypingStop{ConversationID: c.ConversationID, UserID: from.ID})

	default:
		return fmt.Errorf("unsupported command %q", cmd.CommandName())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func identity(w http.ResponseWriter, r *http.Request) (models.Contact, bool) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
	}
	return id, ok
}
