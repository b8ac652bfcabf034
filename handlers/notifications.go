package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"claimsync/database"
	"claimsync/events"
	"claimsync/models"
)

type createNotificationRequest struct {
	RecipientID string          `json:"recipient_id" validate:"required"`
	Title       string          `json:"title" validate:"required,max=200"`
	Message     string          `json:"message" validate:"max=2000"`
	Category    string          `json:"category" validate:"max=50"`
	Priority    models.Priority `json:"priority" validate:"omitempty,oneof=low medium high"`
}

// GetNotifications returns one page of the current user's notifications.
func (s *Server) GetNotifications(w http.ResponseWriter, r *http.Request) {
	user, ok := identity(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	page := 1
	if p, err := strconv.Atoi(q.Get("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20
	if ps, err := strconv.Atoi(q.Get("page_size")); err == nil && ps > 0 && ps <= 100 {
		pageSize = ps
	}
	filter := models.NotificationFilter{Category: q.Get("category")}
	filter.UnreadOnly, _ = strconv.ParseBool(q.Get("unread_only"))

	out, err := s.store.ListNotifications(r.Context(), user.ID, page, pageSize, filter)
	if err != nil {
		s.logger.Error("Failed to list notifications", zap.String("userID", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to get notifications")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateNotification stores a notification and pushes it to its recipient.
func (s *Server) CreateNotification(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(w, r); !ok {
		return
	}

	var req createNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.store.UserByID(r.Context(), req.RecipientID); err != nil {
		writeError(w, http.StatusNotFound, "Recipient not found")
		return
	}

	n, err := s.store.CreateNotification(r.Context(), req.RecipientID, models.Notification{
		Title:    req.Title,
		Message:  req.Message,
		Category: req.Category,
		Priority: req.Priority,
	})
	if err != nil {
		s.logger.Error("Failed to create notification", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to create notification")
		return
	}

	s.hub.Push(req.RecipientID, events.NewNotification{Notification: n})
	writeJSON(w, http.StatusCreated, n)
}

// MarkNotificationRead acknowledges one notification and tells the user's
// other connections.
func (s *Server) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	user, ok := identity(w, r)
	if !ok {
		return
	}

	id := mux.Vars(r)["id"]
	changed, err := s.store.MarkNotificationRead(r.Context(), user.ID, id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Notification not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to mark notification read", zap.String("notificationID", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to mark as read")
		return
	}

	if changed {
		s.hub.Push(user.ID, events.NotificationRead{NotificationID: id})
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// MarkAllNotificationsRead acknowledges every notification in one request.
func (s *Server) MarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	user, ok := identity(w, r)
	if !ok {
		return
	}

	n, err := s.store.MarkAllNotificationsRead(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("Failed to mark all notifications read", zap.String("userID", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to mark all as read")
		return
	}

	if n > 0 {
		s.hub.Push(user.ID, events.NotificationRead{All: true})
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

// DeleteNotification removes one notification.
func (s *Server) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	user, ok := identity(w, r)
	if !ok {
		return
	}

	id := mux.Vars(r)["id"]
	err := s.store.DeleteNotification(r.Context(), user.ID, id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Notification not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to delete notification", zap.String("notificationID", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to delete notification")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetUnreadCount returns the authoritative unread count.
func (s *Server) GetUnreadCount(w http.ResponseWriter, r *http.Request) {
	user, ok := identity(w, r)
	if !ok {
		return
	}

	n, err := s.store.UnreadNotificationCount(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("Failed to count notifications", zap.String("userID", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to count notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}
