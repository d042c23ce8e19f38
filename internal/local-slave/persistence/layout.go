// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"unsafe"

	"github.com/ffutop/modbus-master/internal/local-slave/model"
)

const (
	sizeCoils    = model.MaxAddress + 1
	sizeDiscrete = model.MaxAddress + 1
	sizeHolding  = (model.MaxAddress + 1) * 2
	sizeInput    = (model.MaxAddress + 1) * 2
	totalSize    = sizeCoils + sizeDiscrete + sizeHolding + sizeInput

	offsetCoils    = 0
	offsetDiscrete = offsetCoils + sizeCoils
	offsetHolding  = offsetDiscrete + sizeDiscrete
	offsetInput    = offsetHolding + sizeHolding
)

// mapBytesToModel constructs a DataModel backed by the provided data slice.
// Warning: This function uses unsafe pointers to cast byte slices to uint16 slices.
// The resulting DataModel relies on the host's endianness for multi-byte values.
// This provides zero-copy access but sacrifices portability across architectures
// with different endianness.
func mapBytesToModel(data []byte) *model.DataModel {
	m := &model.DataModel{}

	// Coils (Bytes)
	m.Coils = data[offsetCoils : offsetCoils+sizeCoils]

	// Discrete Inputs (Bytes)
	m.DiscreteInputs = data[offsetDiscrete : offsetDiscrete+sizeDiscrete]

	// Holding Registers (Uint16)
	holdingBytes := data[offsetHolding : offsetHolding+sizeHolding]
	m.HoldingRegisters = unsafe.Slice((*uint16)(unsafe.Pointer(&holdingBytes[0])), sizeHolding/2)

	// Input Registers (Uint16)
	inputBytes := data[offsetInput : offsetInput+sizeInput]
	m.InputRegisters = unsafe.Slice((*uint16)(unsafe.Pointer(&inputBytes[0])), sizeInput/2)

	return m
}

// storeModel copies the tables of m into data, unless m is the model
// already backed by data.
func storeModel(data []byte, m *model.DataModel) {
	if m == nil || len(data) < totalSize || len(m.Coils) == 0 || &m.Coils[0] == &data[offsetCoils] {
		return
	}
	dst := mapBytesToModel(data)
	copy(dst.Coils, m.Coils)
	copy(dst.DiscreteInputs, m.DiscreteInputs)
	copy(dst.HoldingRegisters, m.HoldingRegisters)
	copy(dst.InputRegisters, m.InputRegisters)
}

// tableSpan returns the byte range backing quantity entries of table
// starting at address.
func tableSpan(table model.TableType, address, quantity uint16) (offset, length int) {
	switch table {
	case model.TableCoils:
		return offsetCoils + int(address), int(quantity)
	case model.TableDiscreteInputs:
		return offsetDiscrete + int(address), int(quantity)
	case model.TableHoldingRegisters:
		return offsetHolding + int(address)*2, int(quantity) * 2
	case model.TableInputRegisters:
		return offsetInput + int(address)*2, int(quantity) * 2
	}
	return 0, 0
}
