// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package rtu

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/crc"
	"github.com/ffutop/modbus-master/transport"
)

type mockPort struct {
	io.Reader
	io.Writer
}

func (m *mockPort) Close() error { return nil }

// withCRC appends the little endian CRC to frame.
func withCRC(frame []byte) []byte {
	sum := crc.Sum16(frame)
	return append(frame, byte(sum), byte(sum>>8))
}

func newMockClient(response []byte) (*Client, *bytes.Buffer) {
	writer := &bytes.Buffer{}
	client := NewClient(config.SerialConfig{BaudRate: 19200, Parity: "E", DataBits: 8, StopBits: 1})
	// A pre-set port skips serial.Open.
	client.port = &mockPort{Reader: bytes.NewReader(response), Writer: writer}
	client.Config.Timeout = 100 * time.Millisecond
	client.IdleTimeout = 0
	return client, writer
}

func TestClient_Send(t *testing.T) {
	expectedReq := withCRC([]byte{0x08, 0x03, 0x00, 0x00, 0x00, 0x01})
	respData := []byte{0x02, 0xAA, 0xBB}
	// Leading noise is skipped until the slave id shows up.
	respADU := append([]byte{0x00, 0x55}, withCRC(append([]byte{0x08, 0x03}, respData...))...)

	client, writer := newMockClient(respADU)

	pdu := modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x01}}
	resp, err := client.Send(context.Background(), 8, pdu)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if !bytes.Equal(writer.Bytes(), expectedReq) {
		t.Errorf("Request mismatch.\nWant: %X\nGot:  %X", expectedReq, writer.Bytes())
	}
	if resp.FunctionCode != 0x03 {
		t.Errorf("Response Func mismatch: %02X", resp.FunctionCode)
	}
	if !bytes.Equal(resp.Data, respData) {
		t.Errorf("Response Data mismatch.\nWant: %X\nGot:  %X", respData, resp.Data)
	}
}

func TestClient_Exception(t *testing.T) {
	client, _ := newMockClient(withCRC([]byte{0x08, 0x83, 0x02}))

	pdu := modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x64, 0x00, 0x01}}
	resp, err := client.Send(context.Background(), 8, pdu)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !resp.IsException() || resp.Data[0] != modbus.ExceptionCodeIllegalDataAddress {
		t.Errorf("expected exception PDU, got %+v", resp)
	}
}

func TestClient_CRCError(t *testing.T) {
	respADU := []byte{0x01, 0x03, 0x02, 0xAA, 0xBB, 0xFF, 0xFF} // Bad CRC
	client, _ := newMockClient(respADU)

	pdu := modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x01}}
	if _, err := client.Send(context.Background(), 1, pdu); err == nil {
		t.Error("Expected CRC error, got nil")
	}
}

func TestClient_Timeout(t *testing.T) {
	client, _ := newMockClient(nil)
	client.port = &mockPort{Reader: &stallReader{}, Writer: io.Discard}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	pdu := modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x01}}
	_, err := client.Send(ctx, 1, pdu)
	if !transport.IsTimeout(err) {
		t.Errorf("Send() error = %v, want timeout", err)
	}
}

func TestClient_SendOnly(t *testing.T) {
	client, writer := newMockClient(nil)
	pdu := modbus.ProtocolDataUnit{FunctionCode: 0x06, Data: []byte{0x00, 0x01, 0x00, 0x05}}
	if err := client.SendOnly(context.Background(), 0, pdu); err != nil {
		t.Fatalf("SendOnly failed: %v", err)
	}
	if want := withCRC([]byte{0x00, 0x06, 0x00, 0x01, 0x00, 0x05}); !bytes.Equal(writer.Bytes(), want) {
		t.Errorf("Request mismatch.\nWant: %X\nGot:  %X", want, writer.Bytes())
	}
}

func TestCalculateDelay(t *testing.T) {
	client := NewClient(config.SerialConfig{BaudRate: 19200})
	// 15000000/19200 = 781us per char, 35000000/19200 = 1822us frame gap.
	if got, want := client.calculateDelay(10), time.Duration(781*10+1822)*time.Microsecond; got != want {
		t.Errorf("calculateDelay(10) = %v, want %v", got, want)
	}
	client.BaudRate = 115200
	if got, want := client.calculateDelay(10), time.Duration(750*10+1750)*time.Microsecond; got != want {
		t.Errorf("calculateDelay(10) = %v, want %v", got, want)
	}
}

// stallReader yields one unrelated byte per read, slowly.
type stallReader struct{}

func (stallReader) Read(p []byte) (int, error) {
	time.Sleep(5 * time.Millisecond)
	p[0] = 0x42
	return 1, nil
}
