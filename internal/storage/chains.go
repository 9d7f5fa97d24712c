package storage

import (
	"encoding/json"
	"fmt"

	"github.com/vireclass/attendd/internal/models"
	"github.com/vireclass/attendd/internal/storage/badgerkv"
)

const chainsTable = "Chains"

// ChainRepo persists Chain records, partition key sessionId, row key
// chainId, per spec.md §6.
type ChainRepo struct {
	kv *badgerkv.Store
}

// Create writes a brand-new chain (a freshly-seeded chainId never
// collides, so this is unconditional create-if-absent).
func (r *ChainRepo) Create(c *models.Chain) (Version, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return 0, fmt.Errorf("storage: marshal chain: %w", err)
	}
	return r.kv.CreateIfAbsent(chainsTable, c.SessionID, c.ChainID, data)
}

// Get reads a chain and its version tag.
func (r *ChainRepo) Get(sessionID, chainID string) (*models.Chain, Version, error) {
	data, ver, err := r.kv.Get(chainsTable, sessionID, chainID)
	if err != nil {
		return nil, 0, err
	}
	var c models.Chain
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, 0, fmt.Errorf("storage: unmarshal chain: %w", err)
	}
	return &c, ver, nil
}

// ConditionalPut writes c only if the stored version matches expected.
func (r *ChainRepo) ConditionalPut(c *models.Chain, expected Version) (Version, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return 0, fmt.Errorf("storage: marshal chain: %w", err)
	}
	return r.kv.ConditionalPut(chainsTable, c.SessionID, c.ChainID, data, expected)
}

// Put writes c unconditionally. Used by stall detection, which
// transitions every stalled chain in one maintenance sweep rather than
// racing a per-scan CAS writer.
func (r *ChainRepo) Put(c *models.Chain) (Version, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return 0, fmt.Errorf("storage: marshal chain: %w", err)
	}
	return r.kv.Put(chainsTable, c.SessionID, c.ChainID, data)
}

// ListBySessionAndPhase returns every chain for a session, optionally
// filtered by phase (pass "" for all phases).
func (r *ChainRepo) ListBySessionAndPhase(sessionID string, phase models.ChainPhase) ([]*models.Chain, error) {
	rows, err := r.kv.ScanPartition(chainsTable, sessionID)
	if err != nil {
		return nil, err
	}
	var out []*models.Chain
	for _, row := range rows {
		var c models.Chain
		if err := json.Unmarshal(row.Value, &c); err != nil {
			return nil, fmt.Errorf("storage: unmarshal chain: %w", err)
		}
		if phase == "" || c.Phase == phase {
			out = append(out, &c)
		}
	}
	return out, nil
}
