// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/ffutop/modbus-master/internal/local-slave/model"
)

var errNotLoaded = errors.New("persistence: storage not loaded")

// MmapStorage maps the register file into memory; the returned model
// reads and writes the mapping directly. The layout is the one of
// FileStorage.
type MmapStorage struct {
	path string
	file *os.File
	data mmap.MMap
}

// NewMmapStorage creates a new MmapStorage.
func NewMmapStorage(path string) *MmapStorage {
	return &MmapStorage{path: path}
}

// Load maps the file, creating and sizing it when needed.
func (ms *MmapStorage) Load() (*model.DataModel, error) {
	f, err := os.OpenFile(ms.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open mmap file: %w", err)
	}
	if err := ensureSize(f); err != nil {
		f.Close()
		return nil, err
	}
	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	ms.file, ms.data = f, data
	return mapBytesToModel(data), nil
}

// ensureSize grows or cuts f to the register layout.
func ensureSize(f *os.File) error {
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() == int64(totalSize) {
		return nil
	}
	if err := f.Truncate(int64(totalSize)); err != nil {
		return fmt.Errorf("failed to resize register file: %w", err)
	}
	return nil
}

// Save copies m into the mapping if it is a different model, then flushes.
func (ms *MmapStorage) Save(m *model.DataModel) error {
	if ms.data == nil {
		return errNotLoaded
	}
	storeModel(ms.data, m)
	return ms.data.Flush()
}

// OnWrite flushes the mapping so the change survives a crash.
func (ms *MmapStorage) OnWrite(table model.TableType, address, quantity uint16) {
	if ms.data == nil {
		return
	}
	if err := ms.data.Flush(); err != nil {
		slog.Error("Failed to flush mmap", "table", table, "address", address, "quantity", quantity, "err", err)
	}
}

// Close unmaps and closes the file.
func (ms *MmapStorage) Close() error {
	var errs []error
	if ms.data != nil {
		errs = append(errs, ms.data.Unmap())
		ms.data = nil
	}
	if ms.file != nil {
		errs = append(errs, ms.file.Close())
		ms.file = nil
	}
	return errors.Join(errs...)
}
