package auth

import (
	"fmt"
	"strings"
)

const (
	ModeMemory = "memory"
	ModeSQLite = "sqlite"
)

// NewService selects a backend by mode and returns it with the resolved
// backend name.
func NewService(mode string) (Service, string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeMemory, "mem":
		return NewManager(), ModeMemory, nil
	case ModeSQLite, "local":
		manager, err := NewSQLiteManagerFromEnv()
		if err != nil {
			return nil, ModeSQLite, err
		}
		return manager, ModeSQLite, nil
	default:
		return nil, mode, fmt.Errorf("invalid auth mode %q (supported: %s, %s)", mode, ModeMemory, ModeSQLite)
	}
}
