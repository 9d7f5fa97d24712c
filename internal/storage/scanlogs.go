package storage

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"fmt"

	"github.com/vireclass/attendd/internal/models"
	"github.com/vireclass/attendd/internal/storage/badgerkv"
)

const scanLogsTable = "ScanLogs"

// ScanLogRepo appends immutable ScanLog rows, partition key sessionId,
// row key a time-ordered composite, per spec.md §3/§4.5.
type ScanLogRepo struct {
	kv *badgerkv.Store
}

// NewRowKey builds a monotonically sortable row key from a zero-padded
// second timestamp and a random suffix, so concurrent writers in the
// same partition never collide and still sort by time.
func NewRowKey(scannedAt int64) (string, error) {
	var suffix [5]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("storage: generate rowKey suffix: %w", err)
	}
	return fmt.Sprintf("%020d_%s", scannedAt, base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(suffix[:])), nil
}

// Append writes a ScanLog row. If log.RowKey is empty, one is generated
// from log.ScannedAt.
func (r *ScanLogRepo) Append(log *models.ScanLog) error {
	if log.RowKey == "" {
		rowKey, err := NewRowKey(log.ScannedAt)
		if err != nil {
			return err
		}
		log.RowKey = rowKey
	}
	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("storage: marshal scan log: %w", err)
	}
	_, err = r.kv.Put(scanLogsTable, log.SessionID, log.RowKey, data)
	return err
}

// ListBySession returns every ScanLog row for a session in time order
// (the row key's zero-padded timestamp prefix sorts lexically).
func (r *ScanLogRepo) ListBySession(sessionID string) ([]*models.ScanLog, error) {
	rows, err := r.kv.ScanPartition(scanLogsTable, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ScanLog, 0, len(rows))
	for _, row := range rows {
		var log models.ScanLog
		if err := json.Unmarshal(row.Value, &log); err != nil {
			return nil, fmt.Errorf("storage: unmarshal scan log: %w", err)
		}
		out = append(out, &log)
	}
	return out, nil
}
