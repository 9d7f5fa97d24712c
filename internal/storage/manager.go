// Package storage implements the storage contract of spec.md §6 on top
// of the embedded badgerkv engine: one repository per table (Sessions,
// Tokens, Chains, Attendance, ScanLogs), each keyed the way §6 specifies.
package storage

import (
	"fmt"

	"github.com/vireclass/attendd/internal/storage/badgerkv"
)

// Manager owns the embedded store and exposes one repository per table,
// grounded on the teacher's internal/storage.Manager /
// interfaces.StorageManager split between a concrete backend and a
// narrow accessor interface.
type Manager struct {
	kv *badgerkv.Store

	Sessions   *SessionRepo
	Tokens     *TokenRepo
	Chains     *ChainRepo
	Attendance *AttendanceRepo
	ScanLogs   *ScanLogRepo
}

// Open opens the embedded store at dir and wires every repository to it.
func Open(dir string) (*Manager, error) {
	kv, err := badgerkv.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	m := &Manager{kv: kv}
	m.Sessions = &SessionRepo{kv: kv}
	m.Tokens = &TokenRepo{kv: kv}
	m.Chains = &ChainRepo{kv: kv}
	m.Attendance = &AttendanceRepo{kv: kv}
	m.ScanLogs = &ScanLogRepo{kv: kv}
	return m, nil
}

// Close releases the embedded store.
func (m *Manager) Close() error {
	return m.kv.Close()
}
