package database

import (
	"context"
	"fmt"
	"strings"

	"claimsync/models"
)

// Account is a seeded identity with its bearer token.
type Account struct {
	Token   string
	Contact models.Contact
}

// ParseAccounts parses "token=id:role:Display Name" entries separated by
// commas.
func ParseAccounts(s string) ([]Account, error) {
	var accounts []Account
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, rest, ok := strings.Cut(entry, "=")
		if !ok || token == "" {
			return nil, fmt.Errorf("account %q: missing token", entry)
		}
		parts := strings.SplitN(rest, ":", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("account %q: want id:role[:name]", entry)
		}
		c := models.Contact{ID: parts[0], Role: models.Role(parts[1]), DisplayName: parts[0]}
		if len(parts) == 3 && parts[2] != "" {
			c.DisplayName = parts[2]
		}
		if c.ID == "" || !c.Role.Valid() {
			return nil, fmt.Errorf("account %q: invalid id or role", entry)
		}
		accounts = append(accounts, Account{Token: token, Contact: c})
	}
	return accounts, nil
}

// Seed upserts every account.
func (s *Store) Seed(ctx context.Context, accounts []Account) error {
	for _, a := range accounts {
		if err := s.UpsertUser(ctx, a.Contact, a.Token); err != nil {
			return fmt.Errorf("seed %s: %w", a.Contact.ID, err)
		}
	}
	return nil
}
