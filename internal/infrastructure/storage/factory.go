package storage

import (
	"fmt"
	"time"

	"stake_orchestrator/internal/app/port"
	"stake_orchestrator/internal/infrastructure/configloader"
)

// Drivers accepted in the storage config section.
const (
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

// Open builds the SharedStore selected by cfg.
func Open(cfg configloader.StorageConfig) (port.SharedStore, error) {
	switch cfg.Driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverBolt, "":
		return NewBoltStore(cfg.Path, time.Duration(cfg.OpenTimeoutMs)*time.Millisecond)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
