// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ffutop/modbus-master/internal/local-slave/model"
)

// FileStorage keeps the model in memory and writes every change through
// to a file with the same layout as MmapStorage.
//
// Layout:
// - Coils: 65536 bytes (Offset 0)
// - DiscreteInputs: 65536 bytes (Offset 65536)
// - HoldingRegisters: 65536 * 2 bytes (Offset 131072)
// - InputRegisters: 65536 * 2 bytes (Offset 262144)
// Total Size: 393216 bytes
type FileStorage struct {
	path string
	file *os.File
	data []byte
}

// NewFileStorage creates a new FileStorage.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{
		path: path,
	}
}

// Load loads the data model by file operations.
func (ms *FileStorage) Load() (*model.DataModel, error) {
	// Open file, creating if necessary
	f, err := os.OpenFile(ms.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	ms.file = f

	if err := ensureSize(f); err != nil {
		f.Close()
		return nil, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	ms.data = data

	// Construct the DataModel backed by the file data slice
	return mapBytesToModel(data), nil
}

// Save writes m to disk. A model other than the loaded one is copied in
// first.
func (ms *FileStorage) Save(m *model.DataModel) error {
	storeModel(ms.data, m)
	return ms.sync()
}

// OnWrite writes the touched range through and syncs the file.
func (ms *FileStorage) OnWrite(table model.TableType, address, quantity uint16) {
	if ms.data == nil || ms.file == nil {
		return
	}
	offset, length := tableSpan(table, address, quantity)
	if length == 0 || offset+length > len(ms.data) {
		return
	}
	if _, err := ms.file.WriteAt(ms.data[offset:offset+length], int64(offset)); err != nil {
		slog.Error("Failed to write file", "table", table, "address", address, "err", err)
		return
	}
	if err := ms.file.Sync(); err != nil {
		slog.Error("Failed to sync file", "err", err)
	}
}

func (ms *FileStorage) sync() error {
	if ms.data == nil || ms.file == nil {
		return nil
	}
	if _, err := ms.file.WriteAt(ms.data, 0); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := ms.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file to disk: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (ms *FileStorage) Close() error {
	if ms.file == nil {
		return nil
	}
	err := ms.sync()
	if e := ms.file.Close(); e != nil && err == nil {
		err = e
	}
	ms.file = nil
	return err
}
