package conversations

import (
	"strings"

	"claimsync/models"
)

// Compare orders conversations: unread before read, then most recent first,
// then by display name, then by id so the order is total.
func Compare(a, b *models.Conversation) int {
	au, bu := a.UnreadCount > 0, b.UnreadCount > 0
	if au != bu {
		if au {
			return -1
		}
		return 1
	}

	ar, br := a.Recency(), b.Recency()
	if c := br.Compare(ar); c != 0 {
		return c
	}

	if c := strings.Compare(displayName(a), displayName(b)); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func displayName(c *models.Conversation) string {
	if c.Other.DisplayName != "" {
		return c.Other.DisplayName
	}
	return c.Other.ID
}
