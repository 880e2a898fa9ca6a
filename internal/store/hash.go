package store

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// HashFact computes the canonical hash used for exact-duplicate detection:
// SHA-256 over project|scopeType|itemID-or-"null"|key|lower(trim(text)).
//
// Two statements that differ only in case or surrounding whitespace hash the
// same when they share project, scope and key.
func HashFact(project, scopeType, itemID, key, text string) string {
	if itemID == "" {
		itemID = "null"
	}
	parts := []string{
		project,
		scopeType,
		itemID,
		key,
		strings.ToLower(strings.TrimSpace(text)),
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%x", h)
}

// HashOf recomputes the canonical hash for f from its current fields.
func HashOf(f *Fact) string {
	return HashFact(f.Project, f.ScopeType, f.ItemID, f.Key, f.Text)
}
