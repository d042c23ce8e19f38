// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"sync"

	"github.com/ffutop/modbus-master/internal/local-slave/model"
)

// MemoryStorage keeps nothing across processes. Within one process, Load
// returns the last saved model, so a local device rebuilt after a
// reconnect keeps its registers.
type MemoryStorage struct {
	mu    sync.Mutex
	saved *model.DataModel
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (ms *MemoryStorage) Load() (*model.DataModel, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.saved != nil {
		return ms.saved, nil
	}
	return model.NewDataModel(), nil
}

func (ms *MemoryStorage) Save(m *model.DataModel) error {
	ms.mu.Lock()
	ms.saved = m
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStorage) OnWrite(model.TableType, uint16, uint16) {}

func (ms *MemoryStorage) Close() error { return nil }
