package storage

import (
	"encoding/json"
	"fmt"

	"github.com/vireclass/attendd/internal/models"
	"github.com/vireclass/attendd/internal/storage/badgerkv"
)

const tokensTable = "Tokens"

// TokenRepo persists Token records, partition key sessionId, row key
// tokenId, per spec.md §6.
type TokenRepo struct {
	kv *badgerkv.Store
}

// Create writes a brand-new token. Token IDs are CSPRNG-derived, so a
// collision indicates a generation bug, not user input.
func (r *TokenRepo) Create(t *models.Token) (Version, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return 0, fmt.Errorf("storage: marshal token: %w", err)
	}
	return r.kv.CreateIfAbsent(tokensTable, t.SessionID, t.TokenID, data)
}

// Get reads a token and its version tag.
func (r *TokenRepo) Get(sessionID, tokenID string) (*models.Token, Version, error) {
	data, ver, err := r.kv.Get(tokensTable, sessionID, tokenID)
	if err != nil {
		return nil, 0, err
	}
	var t models.Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, 0, fmt.Errorf("storage: unmarshal token: %w", err)
	}
	return &t, ver, nil
}

// ConditionalPut writes t only if the stored version matches expected.
func (r *TokenRepo) ConditionalPut(t *models.Token, expected Version) (Version, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return 0, fmt.Errorf("storage: marshal token: %w", err)
	}
	return r.kv.ConditionalPut(tokensTable, t.SessionID, t.TokenID, data, expected)
}

// Put writes t unconditionally. Used only by revoke, which per spec.md
// §4.1 is an unconditional update.
func (r *TokenRepo) Put(t *models.Token) (Version, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return 0, fmt.Errorf("storage: marshal token: %w", err)
	}
	return r.kv.Put(tokensTable, t.SessionID, t.TokenID, data)
}

// ListBySession returns every token for a session. Tests use it to
// locate a seeded baton by chainId.
func (r *TokenRepo) ListBySession(sessionID string) ([]*models.Token, error) {
	rows, err := r.kv.ScanPartition(tokensTable, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Token, 0, len(rows))
	for _, row := range rows {
		var t models.Token
		if err := json.Unmarshal(row.Value, &t); err != nil {
			return nil, fmt.Errorf("storage: unmarshal token: %w", err)
		}
		out = append(out, &t)
	}
	return out, nil
}
