// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestReadRequest(t *testing.T) {
	tests := []struct {
		name    string
		unit    DataUnit
		wantFC  byte
		want    []byte
		wantErr bool
	}{
		{"Coils", NewDataUnit(Coils, 0, 10), FuncCodeReadCoils, []byte{0x00, 0x00, 0x00, 0x0A}, false},
		{"DiscreteInputs", NewDataUnit(DiscreteInputs, 0x10, 1), FuncCodeReadDiscreteInputs, []byte{0x00, 0x10, 0x00, 0x01}, false},
		{"InputRegisters", NewDataUnit(InputRegisters, 0x0102, 2), FuncCodeReadInputRegisters, []byte{0x01, 0x02, 0x00, 0x02}, false},
		{"HoldingRegisters", NewDataUnit(HoldingRegisters, 0, 125), FuncCodeReadHoldingRegisters, []byte{0x00, 0x00, 0x00, 0x7D}, false},
		{"TooManyRegisters", NewDataUnit(HoldingRegisters, 0, 126), 0, nil, true},
		{"ZeroCount", NewDataUnit(Coils, 0, 0), 0, nil, true},
		{"InvalidType", NewDataUnit(Invalid, 0, 1), 0, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pdu, err := ReadRequest(tt.unit)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReadRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if pdu.FunctionCode != tt.wantFC {
				t.Errorf("function code = %02X, want %02X", pdu.FunctionCode, tt.wantFC)
			}
			if !bytes.Equal(pdu.Data, tt.want) {
				t.Errorf("data = %X, want %X", pdu.Data, tt.want)
			}
		})
	}
}

func TestWriteRequest(t *testing.T) {
	tests := []struct {
		name    string
		unit    DataUnit
		wantFC  byte
		want    []byte
		wantErr error
	}{
		{
			"SingleCoilOn",
			NewDataUnitWithValues(Coils, 3, []uint16{1}),
			FuncCodeWriteSingleCoil,
			[]byte{0x00, 0x03, 0xFF, 0x00},
			nil,
		},
		{
			"SingleRegister",
			NewDataUnitWithValues(HoldingRegisters, 1, []uint16{0xABCD}),
			FuncCodeWriteSingleRegister,
			[]byte{0x00, 0x01, 0xAB, 0xCD},
			nil,
		},
		{
			"MultipleCoils",
			NewDataUnitWithValues(Coils, 0, []uint16{0, 1, 0, 0, 1, 0}),
			FuncCodeWriteMultipleCoils,
			[]byte{0x00, 0x00, 0x00, 0x06, 0x01, 0x12},
			nil,
		},
		{
			"MultipleRegisters",
			NewDataUnitWithValues(HoldingRegisters, 0, []uint16{5, 10}),
			FuncCodeWriteMultipleRegisters,
			[]byte{0x00, 0x00, 0x00, 0x02, 0x04, 0x00, 0x05, 0x00, 0x0A},
			nil,
		},
		{
			"ReadOnly",
			NewDataUnitWithValues(InputRegisters, 0, []uint16{1}),
			0,
			nil,
			ErrNotWritable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pdu, err := WriteRequest(tt.unit)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("WriteRequest() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("WriteRequest() error = %v", err)
			}
			if pdu.FunctionCode != tt.wantFC {
				t.Errorf("function code = %02X, want %02X", pdu.FunctionCode, tt.wantFC)
			}
			if !bytes.Equal(pdu.Data, tt.want) {
				t.Errorf("data = %X, want %X", pdu.Data, tt.want)
			}
		})
	}
}

func TestParseReadResponse(t *testing.T) {
	req := NewDataUnit(HoldingRegisters, 0, 2)

	got, err := ParseReadResponse(req, FuncCodeReadHoldingRegisters, ProtocolDataUnit{
		FunctionCode: FuncCodeReadHoldingRegisters,
		Data:         []byte{0x04, 0x00, 0x05, 0x00, 0x0A},
	})
	if err != nil {
		t.Fatalf("ParseReadResponse() error = %v", err)
	}
	if !reflect.DeepEqual(got.Values, []uint16{5, 10}) {
		t.Errorf("values = %v, want [5 10]", got.Values)
	}

	coils := NewDataUnit(Coils, 0, 10)
	got, err = ParseReadResponse(coils, FuncCodeReadCoils, ProtocolDataUnit{
		FunctionCode: FuncCodeReadCoils,
		Data:         []byte{0x02, 0x12, 0x02},
	})
	if err != nil {
		t.Fatalf("ParseReadResponse() error = %v", err)
	}
	if want := []uint16{0, 1, 0, 0, 1, 0, 0, 0, 0, 1}; !reflect.DeepEqual(got.Values, want) {
		t.Errorf("values = %v, want %v", got.Values, want)
	}
}

func TestParseReadResponse_Exception(t *testing.T) {
	req := NewDataUnit(HoldingRegisters, 0, 2)
	_, err := ParseReadResponse(req, FuncCodeReadHoldingRegisters, NewExceptionPDU(FuncCodeReadHoldingRegisters, ExceptionCodeIllegalDataAddress))

	code, ok := ExceptionCodeOf(err)
	if !ok {
		t.Fatalf("expected exception error, got %v", err)
	}
	if code != ExceptionCodeIllegalDataAddress {
		t.Errorf("exception code = %02X, want %02X", code, ExceptionCodeIllegalDataAddress)
	}
}

func TestParseReadResponse_Malformed(t *testing.T) {
	req := NewDataUnit(HoldingRegisters, 0, 2)
	tests := []struct {
		name string
		pdu  ProtocolDataUnit
	}{
		{"Empty", ProtocolDataUnit{FunctionCode: FuncCodeReadHoldingRegisters}},
		{"ShortPayload", ProtocolDataUnit{FunctionCode: FuncCodeReadHoldingRegisters, Data: []byte{0x02, 0x00, 0x05}}},
		{"ByteCountMismatch", ProtocolDataUnit{FunctionCode: FuncCodeReadHoldingRegisters, Data: []byte{0x05, 0x00, 0x05}}},
		{"WrongFunction", ProtocolDataUnit{FunctionCode: FuncCodeReadInputRegisters, Data: []byte{0x04, 0, 5, 0, 10}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseReadResponse(req, FuncCodeReadHoldingRegisters, tt.pdu)
			if !errors.Is(err, ErrMalformedResponse) {
				t.Errorf("error = %v, want ErrMalformedResponse", err)
			}
		})
	}
}

func TestVerifyWriteResponse(t *testing.T) {
	req, err := WriteRequest(NewDataUnitWithValues(Coils, 0, []uint16{0, 1, 0, 0, 1, 0}))
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyWriteResponse(req, ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: []byte{0, 0, 0, 6}}); err != nil {
		t.Errorf("VerifyWriteResponse() error = %v", err)
	}
	if err := VerifyWriteResponse(req, ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: []byte{0, 0, 0, 5}}); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("VerifyWriteResponse() error = %v, want ErrMalformedResponse", err)
	}
}

func TestBits(t *testing.T) {
	values := []uint16{1, 0, 1, 1, 0, 0, 0, 0, 1}
	packed := PackBits(values)
	if !bytes.Equal(packed, []byte{0x0D, 0x01}) {
		t.Fatalf("PackBits() = %X, want 0D01", packed)
	}
	if got := UnpackBits(packed, len(values)); !reflect.DeepEqual(got, values) {
		t.Errorf("UnpackBits() = %v, want %v", got, values)
	}
}
