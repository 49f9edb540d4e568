// Package store is the storage process: it owns the indicator engine, the
// token table and the per-token create-queue, and answers every message
// the router forwards on its read, write and hunter-write channels.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/csirtgadgets/verbose-robot/pkg/config"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/models"
	"github.com/csirtgadgets/verbose-robot/pkg/store/engine"
	"github.com/csirtgadgets/verbose-robot/pkg/store/engine/pebblestore"
	"github.com/csirtgadgets/verbose-robot/pkg/store/engine/sqlitestore"
)

// Store applies the domain rules on top of an engine.
type Store struct {
	eng engine.Engine
	cfg config.StoreConfig

	// mu serializes engine writes between the process loop and the
	// retention runner.
	mu sync.Mutex

	now func() models.Timestamp
}

// Open opens the backend named by cfg.Kind.
func Open(cfg config.StoreConfig) (*Store, error) {
	var (
		eng engine.Engine
		err error
	)
	switch cfg.Kind {
	case "", "pebble":
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("store dir: %w", err)
		}
		eng, err = pebblestore.Open(cfg.Path, pebblestore.Options{CacheSize: cfg.CacheSize.Int64()})
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("store dir: %w", err)
		}
		eng, err = sqlitestore.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("store_opened", "kind", cfg.Kind, "path", cfg.Path)
	return New(eng, cfg), nil
}

// New wraps an already opened engine.
func New(eng engine.Engine, cfg config.StoreConfig) *Store {
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 250
	}
	return &Store{eng: eng, cfg: cfg, now: models.Now}
}

// Engine exposes the backend.
func (s *Store) Engine() engine.Engine { return s.eng }

// Ping checks the backend is usable.
func (s *Store) Ping() error { return s.eng.Ping() }

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eng.Close()
}
