// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrMalformedResponse is returned when a response PDU does not match
	// the geometry of its request.
	ErrMalformedResponse = errors.New("modbus: malformed response")
	// ErrNotWritable is returned when building a write request against a
	// read-only register type.
	ErrNotWritable = errors.New("modbus: register type is read-only")
)

// RegisterType selects one of the four modbus data tables.
type RegisterType int

const (
	Invalid RegisterType = iota
	DiscreteInputs
	Coils
	InputRegisters
	HoldingRegisters
)

func (t RegisterType) String() string {
	switch t {
	case DiscreteInputs:
		return "discrete-inputs"
	case Coils:
		return "coils"
	case InputRegisters:
		return "input-registers"
	case HoldingRegisters:
		return "holding-registers"
	default:
		return "invalid"
	}
}

// Writable reports whether the protocol allows writes to the table.
func (t RegisterType) Writable() bool {
	return t == Coils || t == HoldingRegisters
}

func (t RegisterType) isBit() bool {
	return t == Coils || t == DiscreteInputs
}

// DataUnit describes a block of consecutive registers of one type.
// Values are 16 bit; coils and discrete inputs use 0 and 1.
type DataUnit struct {
	Type         RegisterType
	StartAddress uint16
	ValueCount   uint16
	Values       []uint16
}

// NewDataUnit describes a read block of count registers.
func NewDataUnit(t RegisterType, start, count uint16) DataUnit {
	return DataUnit{Type: t, StartAddress: start, ValueCount: count}
}

// NewDataUnitWithValues describes a write block; the count is len(values).
func NewDataUnitWithValues(t RegisterType, start uint16, values []uint16) DataUnit {
	return DataUnit{
		Type:         t,
		StartAddress: start,
		ValueCount:   uint16(len(values)),
		Values:       values,
	}
}

// IsValid reports whether the unit names a table and at least one register.
func (u DataUnit) IsValid() bool {
	return u.Type != Invalid && u.Type <= HoldingRegisters && u.ValueCount > 0
}

// ReadRequest encodes the read PDU for u.
//
//	Function code         : 1 byte
//	Starting address      : 2 bytes
//	Quantity              : 2 bytes
func ReadRequest(u DataUnit) (ProtocolDataUnit, error) {
	if !u.IsValid() {
		return ProtocolDataUnit{}, fmt.Errorf("modbus: invalid data unit %v/%d", u.Type, u.ValueCount)
	}
	var fc byte
	limit := uint16(ReadRegQuantityMax)
	switch u.Type {
	case Coils:
		fc, limit = FuncCodeReadCoils, ReadBitsQuantityMax
	case DiscreteInputs:
		fc, limit = FuncCodeReadDiscreteInputs, ReadBitsQuantityMax
	case InputRegisters:
		fc = FuncCodeReadInputRegisters
	case HoldingRegisters:
		fc = FuncCodeReadHoldingRegisters
	}
	if u.ValueCount > limit {
		return ProtocolDataUnit{}, fmt.Errorf("modbus: quantity '%v' must be between '1' and '%v'", u.ValueCount, limit)
	}
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], u.StartAddress)
	binary.BigEndian.PutUint16(data[2:4], u.ValueCount)
	return ProtocolDataUnit{FunctionCode: fc, Data: data}, nil
}

// WriteRequest encodes the write PDU for u. A single value uses the single
// coil/register function, anything longer the multiple variant.
func WriteRequest(u DataUnit) (ProtocolDataUnit, error) {
	if !u.Type.Writable() {
		return ProtocolDataUnit{}, fmt.Errorf("%w: %v", ErrNotWritable, u.Type)
	}
	if len(u.Values) == 0 || len(u.Values) != int(u.ValueCount) {
		return ProtocolDataUnit{}, fmt.Errorf("modbus: value count '%v' does not match values '%v'", u.ValueCount, len(u.Values))
	}

	if len(u.Values) == 1 {
		data := make([]byte, 4)
		binary.BigEndian.PutUint16(data[0:2], u.StartAddress)
		if u.Type == Coils {
			if u.Values[0] != 0 {
				binary.BigEndian.PutUint16(data[2:4], 0xFF00)
			}
			return ProtocolDataUnit{FunctionCode: FuncCodeWriteSingleCoil, Data: data}, nil
		}
		binary.BigEndian.PutUint16(data[2:4], u.Values[0])
		return ProtocolDataUnit{FunctionCode: FuncCodeWriteSingleRegister, Data: data}, nil
	}

	var fc byte
	var payload []byte
	if u.Type == Coils {
		if len(u.Values) > WriteBitsQuantityMax {
			return ProtocolDataUnit{}, fmt.Errorf("modbus: quantity '%v' must be between '1' and '%v'", len(u.Values), WriteBitsQuantityMax)
		}
		fc, payload = FuncCodeWriteMultipleCoils, PackBits(u.Values)
	} else {
		if len(u.Values) > WriteRegQuantityMax {
			return ProtocolDataUnit{}, fmt.Errorf("modbus: quantity '%v' must be between '1' and '%v'", len(u.Values), WriteRegQuantityMax)
		}
		fc, payload = FuncCodeWriteMultipleRegisters, PackRegisters(u.Values)
	}

	//	Starting address      : 2 bytes
	//	Quantity              : 2 bytes
	//	Byte count            : 1 byte
	//	Values                : N bytes
	data := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint16(data[0:2], u.StartAddress)
	binary.BigEndian.PutUint16(data[2:4], u.ValueCount)
	data[4] = byte(len(payload))
	copy(data[5:], payload)
	return ProtocolDataUnit{FunctionCode: fc, Data: data}, nil
}

// ParseReadResponse decodes the response to a read of req. Exception
// responses yield an *ExceptionError; geometry mismatches wrap
// ErrMalformedResponse.
func ParseReadResponse(req DataUnit, fc byte, resp ProtocolDataUnit) (DataUnit, error) {
	if err := checkFunction(fc, resp); err != nil {
		return DataUnit{}, err
	}
	if len(resp.Data) < 1 || len(resp.Data)-1 != int(resp.Data[0]) {
		return DataUnit{}, fmt.Errorf("%w: byte count does not match data size '%v'", ErrMalformedResponse, len(resp.Data))
	}
	payload := resp.Data[1:]

	result := DataUnit{Type: req.Type, StartAddress: req.StartAddress, ValueCount: req.ValueCount}
	if req.Type.isBit() {
		if len(payload) != (int(req.ValueCount)+7)/8 {
			return DataUnit{}, fmt.Errorf("%w: byte count '%v' does not match quantity '%v'", ErrMalformedResponse, len(payload), req.ValueCount)
		}
		result.Values = UnpackBits(payload, int(req.ValueCount))
		return result, nil
	}
	if len(payload) != int(req.ValueCount)*2 {
		return DataUnit{}, fmt.Errorf("%w: byte count '%v' does not match quantity '%v'", ErrMalformedResponse, len(payload), req.ValueCount)
	}
	result.Values = UnpackRegisters(payload)
	return result, nil
}

// VerifyWriteResponse checks the echo of a write request.
func VerifyWriteResponse(req ProtocolDataUnit, resp ProtocolDataUnit) error {
	if err := checkFunction(req.FunctionCode, resp); err != nil {
		return err
	}
	if len(resp.Data) != 4 || len(req.Data) < 4 {
		return fmt.Errorf("%w: response data size '%v' does not match expected '4'", ErrMalformedResponse, len(resp.Data))
	}
	if got, want := binary.BigEndian.Uint16(resp.Data[0:2]), binary.BigEndian.Uint16(req.Data[0:2]); got != want {
		return fmt.Errorf("%w: response address '%v' does not match request '%v'", ErrMalformedResponse, got, want)
	}
	if got, want := binary.BigEndian.Uint16(resp.Data[2:4]), binary.BigEndian.Uint16(req.Data[2:4]); got != want {
		return fmt.Errorf("%w: response value '%v' does not match request '%v'", ErrMalformedResponse, got, want)
	}
	return nil
}

func checkFunction(fc byte, resp ProtocolDataUnit) error {
	if resp.IsException() && resp.FunctionCode&0x7F == fc {
		var code byte
		if len(resp.Data) > 0 {
			code = resp.Data[0]
		}
		return &ExceptionError{FunctionCode: resp.FunctionCode, ExceptionCode: code}
	}
	if resp.FunctionCode != fc {
		return fmt.Errorf("%w: response function code '%v' does not match request '%v'", ErrMalformedResponse, resp.FunctionCode, fc)
	}
	return nil
}
