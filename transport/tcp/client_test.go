// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
)

// startMockSlave serves every accepted connection with respond. A nil
// return from respond leaves the request unanswered.
func startMockSlave(t *testing.T, respond func(req []byte) []byte) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				for {
					req, err := readFrame(c)
					if err != nil {
						return
					}
					if resp := respond(req); resp != nil {
						c.Write(resp)
					}
				}
			}(conn)
		}
	}()
	return listener.Addr().String()
}

// echoHolding answers a read with two register bytes AA BB.
func echoHolding(req []byte) []byte {
	respPDU := []byte{req[7], 0x02, 0xAA, 0xBB}
	resp := make([]byte, 7+len(respPDU))
	copy(resp, req[:4])
	binary.BigEndian.PutUint16(resp[4:], uint16(1+len(respPDU)))
	resp[6] = req[6]
	copy(resp[7:], respPDU)
	return resp
}

func TestClient_Send(t *testing.T) {
	addr := startMockSlave(t, echoHolding)

	client := NewClient(addr)
	client.Timeout = 1 * time.Second
	defer client.Close()

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	pdu := modbus.ProtocolDataUnit{
		FunctionCode: 0x03,
		Data:         []byte{0x00, 0x01, 0x00, 0x01},
	}
	// Two exchanges share the connection.
	for i := 0; i < 2; i++ {
		resp, err := client.Send(ctx, 1, pdu)
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		if resp.FunctionCode != 0x03 {
			t.Errorf("Expected funcCode 0x03, got %02X", resp.FunctionCode)
		}
		if len(resp.Data) != 3 || resp.Data[1] != 0xAA || resp.Data[2] != 0xBB {
			t.Errorf("Data mismatch: %X", resp.Data)
		}
	}
}

func TestClient_NotConnected(t *testing.T) {
	client := NewClient("127.0.0.1:1")
	_, err := client.Send(context.Background(), 1, modbus.ProtocolDataUnit{FunctionCode: 0x03})
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("Send() error = %v, want ErrNotConnected", err)
	}
	if !transport.IsConnectionLost(err) {
		t.Error("ErrNotConnected should classify as connection lost")
	}
}

func TestClient_Timeout(t *testing.T) {
	addr := startMockSlave(t, func([]byte) []byte { return nil })

	client := NewClient(addr)
	defer client.Close()
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	pdu := modbus.ProtocolDataUnit{
		FunctionCode: 0x01,
		Data:         []byte{0x00, 0x00, 0x00, 0x01},
	}
	start := time.Now()
	_, err := client.Send(ctx, 1, pdu)
	if err == nil {
		t.Fatal("Expected timeout error, got nil")
	}
	if !transport.IsTimeout(err) {
		t.Errorf("Expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Send returned after %v, deadline not honoured", elapsed)
	}
}

func TestClient_StaleResponseDropped(t *testing.T) {
	var first = true
	addr := startMockSlave(t, func(req []byte) []byte {
		if first {
			// Let the first exchange time out, answer it late together
			// with the second.
			first = false
			return nil
		}
		stale := echoHolding(req)
		binary.BigEndian.PutUint16(stale[0:], binary.BigEndian.Uint16(req[0:])-1)
		return append(stale, echoHolding(req)...)
	})

	client := NewClient(addr)
	defer client.Close()
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	pdu := modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x01}}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	_, err := client.Send(ctx, 1, pdu)
	cancel()
	if !transport.IsTimeout(err) {
		t.Fatalf("first Send() error = %v, want timeout", err)
	}

	resp, err := client.Send(context.Background(), 1, pdu)
	if err != nil {
		t.Fatalf("second Send() error = %v", err)
	}
	if resp.FunctionCode != 0x03 {
		t.Errorf("funcCode = %02X, want 03", resp.FunctionCode)
	}
}

func TestClient_ConnectionLost(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	go func() {
		conn, _ := listener.Accept()
		if conn != nil {
			buf := make([]byte, 512)
			conn.Read(buf)
			// Write a truncated header and hang up.
			conn.Write([]byte{0x00, 0x01, 0x00})
			conn.Close()
		}
	}()

	client := NewClient(listener.Addr().String())
	client.Timeout = 1 * time.Second
	defer client.Close()
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	pdu := modbus.ProtocolDataUnit{FunctionCode: 0x01, Data: []byte{0x00, 0x00, 0x00, 0x01}}
	_, err = client.Send(context.Background(), 1, pdu)
	if !transport.IsConnectionLost(err) {
		t.Fatalf("Send() error = %v, want connection lost", err)
	}
	_, err = client.Send(context.Background(), 1, pdu)
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("Send() after loss error = %v, want ErrNotConnected", err)
	}
}

func TestClient_SendOnly(t *testing.T) {
	got := make(chan []byte, 1)
	addr := startMockSlave(t, func(req []byte) []byte {
		got <- req
		return nil
	})

	client := NewClient(addr)
	defer client.Close()
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	pdu := modbus.ProtocolDataUnit{FunctionCode: 0x06, Data: []byte{0x00, 0x01, 0x00, 0x02}}
	if err := client.SendOnly(context.Background(), 0, pdu); err != nil {
		t.Fatalf("SendOnly failed: %v", err)
	}
	select {
	case req := <-got:
		if req[6] != 0 || req[7] != 0x06 {
			t.Errorf("unexpected request %X", req)
		}
	case <-time.After(time.Second):
		t.Fatal("request never arrived")
	}
}

func TestADU_RoundTrip(t *testing.T) {
	adu := newADU(0x1234, 8, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x0A}})
	raw, err := adu.Encode()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x12, 0x34, 0x00, 0x00, 0x00, 0x06, 0x08, 0x03, 0x00, 0x00, 0x00, 0x0A}
	if string(raw) != string(want) {
		t.Fatalf("Encode() = %X, want %X", raw, want)
	}
	back, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if err := adu.Verify(back); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
	if _, err := Decode(raw[:7]); err == nil {
		t.Error("Decode() of a short frame should fail")
	}
}
