package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"claimsync/models"
)

// ListConversations fetches the conversation snapshot of the signed-in identity.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages fetches up to limit messages of a conversation in chronological
// order. A non-empty before returns the page preceding that message id.
func (c *Client) ListMessages(ctx context.Context, conversationID, before string, limit int) ([]models.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != "" {
		q.Set("before", before)
	}

	var out []models.Message
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkConversationRead acknowledges every message of a conversation as read.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, http.MethodPost, path, nil, nil, nil)
}

// ListNotifications fetches one page of notifications.
func (c *Client) ListNotifications(ctx context.Context, page, pageSize int, filter models.NotificationFilter) (models.NotificationPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	if filter.Category != "" {
		q.Set("category", filter.Category)
	}
	if filter.UnreadOnly {
		q.Set("unread_only", "true")
	}

	var out models.NotificationPage
	if err := c.do(ctx, http.MethodGet, "/api/notifications", q, nil, &out); err != nil {
		return models.NotificationPage{}, err
	}
	return out, nil
}

// MarkNotificationRead acknowledges one notification.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/"+url.PathEscape(id)+"/read", nil, nil, nil)
}

// MarkAllNotificationsRead acknowledges every notification in one request.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/read-all", nil, nil, nil)
}

// DeleteNotification removes a notification.
func (c *Client) DeleteNotification(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/notifications/"+url.PathEscape(id), nil, nil, nil)
}

// UnreadNotificationCount fetches the authoritative unread count.
func (c *Client) UnreadNotificationCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/notifications/unread-count", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// ListContacts fetches the contact directory restricted to roles.
func (c *Client) ListContacts(ctx context.Context, roles []models.Role) ([]models.Contact, error) {
	q := url.Values{}
	q.Set("roles", models.JoinRoles(roles))

	var out []models.Contact
	if err := c.do(ctx, http.MethodGet, "/api/contacts", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PublishNotification asks the server to create a notification for
// recipientID and push it over the channel. Used by dev tooling.
func (c *Client) PublishNotification(ctx context.Context, recipientID string, n models.Notification) (models.Notification, error) {
	body := struct {
		RecipientID string `json:"recipient_id"`
		models.Notification
	}{RecipientID: recipientID, Notification: n}

	var out models.Notification
	if err := c.do(ctx, http.MethodPost, "/api/notifications", nil, body, &out); err != nil {
		return models.Notification{}, err
	}
	return out, nil
}
