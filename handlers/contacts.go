package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"claimsync/models"
)

// GetContacts returns the identities whose role is in the roles query
// parameter. Role visibility is decided by the caller's allow-list.
func (s *Server) GetContacts(w http.ResponseWriter, r *http.Request) {
	user, ok := identity(w, r)
	if !ok {
		return
	}

	roles := models.ParseRoles(r.URL.Query().Get("roles"))
	contacts, err := s.store.ListContacts(r.Context(), user.ID, roles)
	if err != nil {
		s.logger.Error("Failed to list contacts", zap.String("userID", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to get contacts")
		return
	}

	// Add online status
	for i := range contacts {
		contacts[i].Online = s.hub.IsOnline(contacts[i].ID)
	}

	writeJSON(w, http.StatusOK, contacts)
}
