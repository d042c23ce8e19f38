// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"path/filepath"
	"testing"

	"github.com/ffutop/modbus-master/internal/local-slave/model"
)

// storages returns a fresh loaded storage of every file backed type.
func storages(b *testing.B) map[string]func() Storage {
	dir := b.TempDir()
	return map[string]func() Storage{
		"memory": func() Storage { return NewMemoryStorage() },
		"file":   func() Storage { return NewFileStorage(filepath.Join(dir, "bench.bin")) },
		"mmap":   func() Storage { return NewMmapStorage(filepath.Join(dir, "bench.mmap")) },
	}
}

// BenchmarkOnWrite measures the write-through cost a slave pays for one
// holding register write.
func BenchmarkOnWrite(b *testing.B) {
	for name, open := range storages(b) {
		b.Run(name, func(b *testing.B) {
			s := open()
			m, err := s.Load()
			if err != nil {
				b.Fatal(err)
			}
			defer s.Close()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := m.WriteSingleRegister(10, uint16(i)); err != nil {
					b.Fatal(err)
				}
				s.OnWrite(model.TableHoldingRegisters, 10, 1)
			}
		})
	}
}

// BenchmarkLoad includes open, sizing and, for mmap, the mapping itself.
func BenchmarkLoad(b *testing.B) {
	for name, open := range storages(b) {
		b.Run(name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				s := open()
				if _, err := s.Load(); err != nil {
					b.Fatal(err)
				}
				s.Close()
			}
		})
	}
}

// BenchmarkSave copies a seeded model in and syncs it.
func BenchmarkSave(b *testing.B) {
	seeded := model.NewDataModel()
	seeded.Set(model.TableHoldingRegisters, 0, []uint16{5, 10, 24, 13, 15, 1})
	for name, open := range storages(b) {
		b.Run(name, func(b *testing.B) {
			s := open()
			if _, err := s.Load(); err != nil {
				b.Fatal(err)
			}
			defer s.Close()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := s.Save(seeded); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
