// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"log/slog"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/internal/local-slave/model"
)

// Storage defines the interface for persisting the local slave data model.
type Storage interface {
	// Load loads the data model from storage.
	// If no data exists, it returns a new empty model.
	Load() (*model.DataModel, error)

	// Save saves the current data model to storage.
	Save(model *model.DataModel) error

	// OnWrite is a hook called whenever a register is modified.
	// It allows the storage to perform real-time persistence (e.g. sync to disk or DB).
	OnWrite(table model.TableType, address, quantity uint16)

	Close() error
}

// Open builds the storage named by cfg and loads its model. A storage
// that fails to load falls back to memory, so the slave can always start.
//
// The "sqlite3" type needs the driver registered by the binary.
func Open(cfg config.PersistenceConfig, logger *slog.Logger) (Storage, *model.DataModel) {
	if logger == nil {
		logger = slog.Default()
	}

	var storage Storage
	switch cfg.Type {
	case "file":
		logger.Info("Initializing local slave with file persistence", "path", cfg.Path)
		storage = NewFileStorage(cfg.Path)
	case "mmap":
		logger.Info("Initializing local slave with MMAP persistence", "path", cfg.Path)
		storage = NewMmapStorage(cfg.Path)
	case "sql", "sqlite3":
		logger.Info("Initializing local slave with SQL persistence", "driver", "sqlite3", "dsn", cfg.Path)
		storage = NewSQLStorage("sqlite3", cfg.Path)
	default:
		logger.Info("Initializing local slave with memory storage (non-persistent)")
		storage = NewMemoryStorage()
	}

	m, err := storage.Load()
	if err != nil {
		logger.Error("Failed to load persistence data, falling back to memory storage", "type", cfg.Type, "err", err)
		storage = NewMemoryStorage()
		m, _ = storage.Load()
	}
	return storage, m
}
