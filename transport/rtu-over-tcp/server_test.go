// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package rtuovertcp

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ffutop/modbus-master/modbus"
	rtuframe "github.com/ffutop/modbus-master/modbus/rtu"
	"github.com/ffutop/modbus-master/transport"
	"github.com/ffutop/modbus-master/transport/rtu"
)

// holding answers a read of slave 1 with AA BB, ignores slave 9 and
// fails everything else.
func holding(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	switch slaveID {
	case 1:
		return modbus.ProtocolDataUnit{FunctionCode: pdu.FunctionCode, Data: []byte{0x02, 0xAA, 0xBB}}, nil
	case 9:
		return modbus.ProtocolDataUnit{}, transport.ErrNoResponse
	}
	return modbus.ProtocolDataUnit{}, errors.New("no such slave")
}

func startServer(t *testing.T, handler transport.RequestHandler) *Server {
	t.Helper()
	s := NewServer("127.0.0.1:0")
	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx, handler)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return s
}

func TestServer_LifeCycle(t *testing.T) {
	s := startServer(t, holding)

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	req := &rtu.ApplicationDataUnit{SlaveID: 1, Pdu: modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x01}}}
	raw, _ := req.Encode()
	// Line noise in front of the frame is skipped.
	if _, err := conn.Write(append([]byte{0x00}, raw...)); err != nil {
		t.Fatal(err)
	}
	respBytes, err := rtuframe.ReadResponse(1, 0x03, conn, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	resp, err := rtu.Decode(respBytes)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp.Pdu.Data, []byte{0x02, 0xAA, 0xBB}) {
		t.Errorf("Unexpected data: %X", resp.Pdu.Data)
	}

	// The stream stays aligned for the next frame.
	if _, err := conn.Write(raw); err != nil {
		t.Fatal(err)
	}
	if _, err := rtuframe.ReadResponse(1, 0x03, conn, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("ReadResponse after noise failed: %v", err)
	}

	// A failing handler is answered with a server device failure.
	req.SlaveID = 2
	raw, _ = req.Encode()
	conn.Write(raw)
	respBytes, err = rtuframe.ReadResponse(2, 0x03, conn, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if resp, _ := rtu.Decode(respBytes); resp.Pdu.FunctionCode != 0x83 || resp.Pdu.Data[0] != modbus.ExceptionCodeServerDeviceFailure {
		t.Errorf("exception response = %+v", resp.Pdu)
	}
}

func TestServer_Close(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background(), holding) }()

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	s.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after Close()")
	}
	if err := s.Start(context.Background(), nil); err == nil {
		t.Error("Start() without a handler should fail")
	}
}
