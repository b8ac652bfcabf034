package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"claimsync/database"
	"claimsync/events"
	"claimsync/models"
)

// GetConversations returns all conversations for the current user
func (s *Server) GetConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := identity(w, r)
	if !ok {
		return
	}

	conversations, err := s.store.ListConversations(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("Failed to list conversations", zap.String("userID", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to get conversations")
		return
	}

	// Add online status
	for i := range conversations {
		conversations[i].Other.Online = s.hub.IsOnline(conversations[i].Other.ID)
	}

	writeJSON(w, http.StatusOK, conversations)
}

// GetMessages returns one page of a conversation the current user takes part in
func (s *Server) GetMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := identity(w, r)
	if !ok {
		return
	}

	convID := mux.Vars(r)["id"]
	if _, err := models.OtherParticipant(convID, user.ID); err != nil {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}

	// Get pagination params
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	messages, err := s.store.ListMessages(r.Context(), convID, r.URL.Query().Get("before"), limit)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "Unknown cursor")
		return
	}
	if err != nil {
		s.logger.Error("Failed to list messages", zap.String("conversationID", convID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to get messages")
		return
	}

	writeJSON(w, http.StatusOK, messages)
}

// MarkConversationRead marks the messages sent to the current user as read
// and sends a read receipt to both participants.
func (s *Server) MarkConversationRead(w http.ResponseWriter, r *http.Request) {
	user, ok := identity(w, r)
	if !ok {
		return
	}

	convID := mux.Vars(r)["id"]
	other, err := models.OtherParticipant(convID, user.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}

	ids, err := s.store.MarkConversationRead(r.Context(), convID, user.ID)
	if err != nil {
		s.logger.Error("Failed to mark conversation read", zap.String("conversationID", convID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to mark as read")
		return
	}

	// Notify sender that messages were read
	if len(ids) > 0 {
		receipt := events.MessagesRead{ConversationID: convID, ReaderID: user.ID, MessageIDs: ids}
		s.hub.Push(other, receipt)
		s.hub.Push(user.ID, receipt)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
