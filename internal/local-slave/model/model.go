// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrOutOfRange is returned for accesses outside the addressable space.
	ErrOutOfRange = errors.New("address range out of bounds")
	// ErrIllegalValue is returned for a coil value other than ON or OFF.
	ErrIllegalValue = errors.New("illegal coil value")
)

const (
	MaxAddress = 65535
)

// TableType represents the type of Modbus data table.
type TableType int

const (
	TableCoils TableType = iota
	TableDiscreteInputs
	TableHoldingRegisters
	TableInputRegisters
)

func (t TableType) String() string {
	switch t {
	case TableCoils:
		return "coils"
	case TableDiscreteInputs:
		return "discrete-inputs"
	case TableHoldingRegisters:
		return "holding-registers"
	case TableInputRegisters:
		return "input-registers"
	}
	return fmt.Sprintf("table(%d)", int(t))
}

// ParseTable accepts the names printed by TableType.String, with
// underscores allowed in place of dashes.
func ParseTable(name string) (TableType, error) {
	switch name {
	case "coils":
		return TableCoils, nil
	case "discrete-inputs", "discrete_inputs":
		return TableDiscreteInputs, nil
	case "holding-registers", "holding_registers":
		return TableHoldingRegisters, nil
	case "input-registers", "input_registers":
		return TableInputRegisters, nil
	}
	return 0, fmt.Errorf("unknown table %q", name)
}

// DataModel holds the modbus data in memory.
// It uses a simple flat memory model covering the full 16-bit address space;
// SetLimit narrows the addressable part without changing the layout.
type DataModel struct {
	mu sync.RWMutex

	// limit is the number of addressable entries per table, 0 means all.
	limit int

	// 0x Coils (Read/Write). Stored as 1 (ON) or 0 (OFF).
	Coils []byte
	// 1x Discrete Inputs (Read Only). Stored as 1 (ON) or 0 (OFF).
	DiscreteInputs []byte
	// 4x Holding Registers (Read/Write).
	HoldingRegisters []uint16
	// 3x Input Registers (Read Only).
	InputRegisters []uint16
}

// NewDataModel creates a new memory model initialized to zero.
func NewDataModel() *DataModel {
	return &DataModel{
		Coils:            make([]byte, MaxAddress+1),
		DiscreteInputs:   make([]byte, MaxAddress+1),
		HoldingRegisters: make([]uint16, MaxAddress+1),
		InputRegisters:   make([]uint16, MaxAddress+1),
	}
}

// SetLimit makes addresses at or beyond n illegal. n <= 0 restores the
// full address space.
func (m *DataModel) SetLimit(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 || n > MaxAddress+1 {
		n = 0
	}
	m.limit = n
}

// Get returns count entries of table starting at address, one value per
// entry.
func (m *DataModel) Get(table TableType, address, count uint16) ([]uint16, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.validateRange(address, count); err != nil {
		return nil, err
	}
	out := make([]uint16, count)
	for i := range out {
		a := int(address) + i
		switch table {
		case TableCoils:
			out[i] = uint16(m.Coils[a])
		case TableDiscreteInputs:
			out[i] = uint16(m.DiscreteInputs[a])
		case TableHoldingRegisters:
			out[i] = m.HoldingRegisters[a]
		case TableInputRegisters:
			out[i] = m.InputRegisters[a]
		default:
			return nil, fmt.Errorf("unknown table %v", table)
		}
	}
	return out, nil
}

// Set stores values into table starting at address. Bit tables store any
// non-zero value as 1. It is used for seeding, so read-only tables are
// writable here.
func (m *DataModel) Set(table TableType, address uint16, values []uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(values) == 0 {
		return nil
	}
	if int(address)+len(values) > MaxAddress+1 {
		return ErrOutOfRange
	}
	for i, v := range values {
		a := int(address) + i
		switch table {
		case TableCoils:
			m.Coils[a] = bit(v)
		case TableDiscreteInputs:
			m.DiscreteInputs[a] = bit(v)
		case TableHoldingRegisters:
			m.HoldingRegisters[a] = v
		case TableInputRegisters:
			m.InputRegisters[a] = v
		default:
			return fmt.Errorf("unknown table %v", table)
		}
	}
	return nil
}

// Snapshot copies the whole table regardless of the limit.
func (m *DataModel) Snapshot(table TableType) []uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]uint16, MaxAddress+1)
	for i := range out {
		switch table {
		case TableCoils:
			out[i] = uint16(m.Coils[i])
		case TableDiscreteInputs:
			out[i] = uint16(m.DiscreteInputs[i])
		case TableHoldingRegisters:
			out[i] = m.HoldingRegisters[i]
		case TableInputRegisters:
			out[i] = m.InputRegisters[i]
		}
	}
	return out
}

func bit(v uint16) byte {
	if v != 0 {
		return 1
	}
	return 0
}

// ReadCoils reads a range of coils and returns them as packed bytes (Modbus format).
func (m *DataModel) ReadCoils(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.validateRange(address, quantity); err != nil {
		return nil, err
	}

	// Calculate byte count: (quantity + 7) / 8
	byteCount := (int(quantity) + 7) / 8
	result := make([]byte, byteCount)

	for i := 0; i < int(quantity); i++ {
		if m.Coils[int(address)+i] != 0 {
			byteIdx := i / 8
			bitIdx := uint(i % 8)
			result[byteIdx] |= 1 << bitIdx
		}
	}

	return result, nil
}

// WriteSingleCoil writes a single coil. value should be 0xFF00 (ON) or 0x0000 (OFF).
func (m *DataModel) WriteSingleCoil(address uint16, value uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validateRange(address, 1); err != nil {
		return err
	}

	switch value {
	case 0xFF00:
		m.Coils[address] = 1
	case 0x0000:
		m.Coils[address] = 0
	default:
		return ErrIllegalValue
	}
	return nil
}

// WriteMultipleCoils writes a range of coils from packed bytes.
func (m *DataModel) WriteMultipleCoils(address, quantity uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validateRange(address, quantity); err != nil {
		return err
	}

	expectedBytes := (int(quantity) + 7) / 8
	if len(data) < expectedBytes {
		return fmt.Errorf("insufficient data length")
	}

	for i := 0; i < int(quantity); i++ {
		byteIdx := i / 8
		bitIdx := uint(i % 8)
		val := (data[byteIdx] >> bitIdx) & 1
		m.Coils[int(address)+i] = val
	}
	return nil
}

// ReadDiscreteInputs reads a range of discrete inputs and returns them as packed bytes.
func (m *DataModel) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.validateRange(address, quantity); err != nil {
		return nil, err
	}

	byteCount := (int(quantity) + 7) / 8
	result := make([]byte, byteCount)

	for i := 0; i < int(quantity); i++ {
		if m.DiscreteInputs[int(address)+i] != 0 {
			byteIdx := i / 8
			bitIdx := uint(i % 8)
			result[byteIdx] |= 1 << bitIdx
		}
	}
	return result, nil
}

// ReadHoldingRegisters reads a range of holding registers and returns them as BigEndian bytes.
func (m *DataModel) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.validateRange(address, quantity); err != nil {
		return nil, err
	}

	result := make([]byte, quantity*2)
	for i := 0; i < int(quantity); i++ {
		val := m.HoldingRegisters[int(address)+i]
		binary.BigEndian.PutUint16(result[i*2:], val)
	}
	return result, nil
}

// WriteSingleRegister writes a single holding register.
func (m *DataModel) WriteSingleRegister(address uint16, value uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validateRange(address, 1); err != nil {
		return err
	}

	m.HoldingRegisters[address] = value
	return nil
}

// WriteMultipleRegisters writes a range of holding registers from BigEndian bytes.
func (m *DataModel) WriteMultipleRegisters(address, quantity uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validateRange(address, quantity); err != nil {
		return err
	}

	if len(data) < int(quantity)*2 {
		return fmt.Errorf("insufficient data length")
	}

	for i := 0; i < int(quantity); i++ {
		val := binary.BigEndian.Uint16(data[i*2:])
		m.HoldingRegisters[int(address)+i] = val
	}
	return nil
}

// ReadInputRegisters reads a range of input registers and returns them as BigEndian bytes.
func (m *DataModel) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.validateRange(address, quantity); err != nil {
		return nil, err
	}

	result := make([]byte, quantity*2)
	for i := 0; i < int(quantity); i++ {
		val := m.InputRegisters[int(address)+i]
		binary.BigEndian.PutUint16(result[i*2:], val)
	}
	return result, nil
}

func (m *DataModel) validateRange(address, quantity uint16) error {
	if quantity == 0 {
		return fmt.Errorf("quantity must be greater than 0")
	}
	size := MaxAddress + 1
	if m.limit > 0 {
		size = m.limit
	}
	// address is 0-based.
	if int(address)+int(quantity) > size {
		return ErrOutOfRange
	}
	return nil
}
