// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package rtu

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
)

func TestServe(t *testing.T) {
	reqADU := withCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01})

	writer := &bytes.Buffer{}
	port := &mockPort{Reader: bytes.NewReader(reqADU), Writer: writer}

	received := make(chan bool, 1)
	handler := func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
		if slaveID != 0x01 {
			t.Errorf("Handler got slaveID %v, want 1", slaveID)
		}
		if pdu.FunctionCode != 0x03 {
			t.Errorf("Handler got func %v, want 3", pdu.FunctionCode)
		}
		received <- true
		return modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x02, 0x00, 0x00}}, nil
	}

	// The reader runs dry after one frame, which ends the loop.
	if err := Serve(context.Background(), port, handler, slog.Default()); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	select {
	case <-received:
	default:
		t.Fatal("Handler not called")
	}
	want := withCRC([]byte{0x01, 0x03, 0x02, 0x00, 0x00})
	if !bytes.Equal(writer.Bytes(), want) {
		t.Errorf("response = %X, want %X", writer.Bytes(), want)
	}
}

func TestServer_FunctionCodes(t *testing.T) {
	tests := []struct {
		name     string
		funcCode byte
		reqPDU   []byte // Func + Data
	}{
		{"ReadCoils", 0x01, []byte{0x01, 0x00, 0x00, 0x00, 0x01}},
		{"WriteSingleRegister", 0x06, []byte{0x06, 0x00, 0x00, 0xAA, 0xBB}},
		{"WriteMultipleRegisters", 0x10, []byte{0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x11, 0x22, 0x33, 0x44}},
		{"WriteMultipleCoils", 0x0F, []byte{0x0F, 0x00, 0x00, 0x00, 0x06, 0x01, 0x12}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reqADU := withCRC(append([]byte{0x01}, tt.reqPDU...))
			port := &mockPort{Reader: bytes.NewReader(reqADU), Writer: &bytes.Buffer{}}

			var got modbus.ProtocolDataUnit
			handler := func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
				got = pdu
				return modbus.ProtocolDataUnit{FunctionCode: tt.funcCode, Data: pdu.Data[:4]}, nil
			}

			Serve(context.Background(), port, handler, slog.Default())

			if got.FunctionCode != tt.funcCode {
				t.Fatalf("Want func %d, got %d", tt.funcCode, got.FunctionCode)
			}
			if !bytes.Equal(got.Data, tt.reqPDU[1:]) {
				t.Errorf("data = %X, want %X", got.Data, tt.reqPDU[1:])
			}
		})
	}
}

func TestServe_BroadcastAndBadCRC(t *testing.T) {
	bad := withCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01})
	bad[len(bad)-1] ^= 0xFF
	broadcast := withCRC([]byte{0x00, 0x06, 0x00, 0x01, 0x00, 0x05})
	silent := withCRC([]byte{0x02, 0x03, 0x00, 0x00, 0x00, 0x01})

	input := append(append(bad, broadcast...), silent...)
	writer := &bytes.Buffer{}
	port := &mockPort{Reader: bytes.NewReader(input), Writer: writer}

	var calls []byte
	handler := func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
		calls = append(calls, slaveID)
		if slaveID == 2 {
			return modbus.ProtocolDataUnit{}, transport.ErrNoResponse
		}
		return pdu, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	Serve(ctx, port, handler, slog.Default())

	if !bytes.Equal(calls, []byte{0, 2}) {
		t.Errorf("handled slave ids = %v, want [0 2]", calls)
	}
	if writer.Len() != 0 {
		t.Errorf("nothing should be written, got %X", writer.Bytes())
	}
}

func TestADU_EncodeDecode(t *testing.T) {
	adu := &ApplicationDataUnit{SlaveID: 8, Pdu: modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0, 0, 0, 10}}}
	raw, err := adu.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if want := withCRC([]byte{8, 3, 0, 0, 0, 10}); !bytes.Equal(raw, want) {
		t.Fatalf("Encode() = %X, want %X", raw, want)
	}
	back, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if err := adu.Verify(back); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
	back.SlaveID = 9
	if err := adu.Verify(back); err == nil {
		t.Error("Verify() should reject a different slave id")
	}
}

func TestServe_SkipsNoise(t *testing.T) {
	first := withCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01})
	second := withCRC([]byte{0x01, 0x03, 0x00, 0x01, 0x00, 0x01})
	input := append(append([]byte{0x00}, first...), second...)
	writer := &bytes.Buffer{}
	port := &mockPort{Reader: bytes.NewReader(input), Writer: writer}

	var addrs [][]byte
	handler := func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
		addrs = append(addrs, pdu.Data[:2])
		return modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x02, 0x00, 0x07}}, nil
	}
	if err := Serve(context.Background(), port, handler, slog.Default()); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	if len(addrs) != 2 || addrs[0][1] != 0 || addrs[1][1] != 1 {
		t.Fatalf("handled addresses = %v, want [[0 0] [0 1]]", addrs)
	}
	reply := withCRC([]byte{0x01, 0x03, 0x02, 0x00, 0x07})
	if want := append(append([]byte(nil), reply...), reply...); !bytes.Equal(writer.Bytes(), want) {
		t.Errorf("responses = %X, want %X", writer.Bytes(), want)
	}
}
