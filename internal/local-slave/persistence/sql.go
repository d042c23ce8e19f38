// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/ffutop/modbus-master/internal/local-slave/model"
)

// SQLStorage implements persistence using a SQL database.
// It assumes a table `modbus_registers` exists (or creates it).
type SQLStorage struct {
	driver string
	dsn    string
	db     *sql.DB
	model  *model.DataModel
}

// NewSQLStorage creates a new SQLStorage.
// The driver (e.g. sqlite3) must be registered by the binary.
func NewSQLStorage(driver, dsn string) *SQLStorage {
	return &SQLStorage{
		driver: driver,
		dsn:    dsn,
	}
}

// Load connects to the DB and loads the data.
func (s *SQLStorage) Load() (*model.DataModel, error) {
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	s.db = db

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	m := model.NewDataModel()
	s.model = m

	// Load data from DB
	rows, err := db.Query("SELECT table_type, address, value FROM modbus_registers")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to query registers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t int
		var addr, val int
		if err := rows.Scan(&t, &addr, &val); err != nil {
			continue
		}
		if addr > model.MaxAddress {
			continue
		}

		switch model.TableType(t) {
		case model.TableCoils:
			m.Coils[addr] = byte(val)
		case model.TableDiscreteInputs:
			m.DiscreteInputs[addr] = byte(val)
		case model.TableHoldingRegisters:
			m.HoldingRegisters[addr] = uint16(val)
		case model.TableInputRegisters:
			m.InputRegisters[addr] = uint16(val)
		}
	}

	return m, nil
}

func (s *SQLStorage) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS modbus_registers (
		table_type INTEGER,
		address INTEGER,
		value INTEGER,
		PRIMARY KEY (table_type, address)
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Save replaces the stored rows with the non-zero entries of m. OnWrite keeps the table current,
// so this is only needed to snapshot a model that was changed behind the
// slave's back, such as a freshly seeded one.
func (s *SQLStorage) Save(m *model.DataModel) error {
	if s.db == nil {
		return fmt.Errorf("sql storage is not loaded")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM modbus_registers"); err != nil {
		return fmt.Errorf("failed to clear registers: %w", err)
	}
	tables := []model.TableType{model.TableCoils, model.TableDiscreteInputs, model.TableHoldingRegisters, model.TableInputRegisters}
	for _, table := range tables {
		for addr, val := range m.Snapshot(table) {
			if val == 0 {
				continue
			}
			if _, err := tx.Exec(upsertQuery, int(table), addr, int64(val)); err != nil {
				return fmt.Errorf("failed to persist %v[%d]: %w", table, addr, err)
			}
		}
	}
	return tx.Commit()
}

const upsertQuery = "INSERT INTO modbus_registers (table_type, address, value) VALUES (?, ?, ?) ON CONFLICT(table_type, address) DO UPDATE SET value=excluded.value"

// OnWrite upserts the changed registers in one transaction.
func (s *SQLStorage) OnWrite(table model.TableType, address, quantity uint16) {
	if s.db == nil || s.model == nil {
		return
	}

	// OnWrite runs after the model update, so the model holds the new values.
	values, err := s.model.Get(table, address, quantity)
	if err != nil {
		slog.Error("Failed to read changed registers", "table", table, "addr", address, "err", err)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		slog.Error("Failed to begin transaction", "err", err)
		return
	}
	for i, val := range values {
		addr := int(address) + i
		if _, err := tx.Exec(upsertQuery, int(table), addr, int64(val)); err != nil {
			slog.Error("Failed to persist register", "table", table, "addr", addr, "err", err)
			tx.Rollback()
			return
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("Failed to commit registers", "table", table, "addr", address, "err", err)
	}
}

func (s *SQLStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
