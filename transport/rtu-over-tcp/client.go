// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtuovertcp carries RTU frames, CRC included, over a plain TCP
// stream. Serial device servers commonly speak it.
package rtuovertcp

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ffutop/modbus-master/modbus"
	rtuframe "github.com/ffutop/modbus-master/modbus/rtu"
	"github.com/ffutop/modbus-master/transport"
	"github.com/ffutop/modbus-master/transport/rtu"
)

const (
	tcpTimeout = 10 * time.Second
)

// Client is a Modbus RTU over TCP master.
type Client struct {
	Address string
	Timeout time.Duration
	Logger  *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

// NewClient allocates and initializes a RTU over TCP Client.
func NewClient(address string) *Client {
	return &Client{
		Address: address,
		Timeout: tcpTimeout,
	}
}

func (mb *Client) logger() *slog.Logger {
	if mb.Logger != nil {
		return mb.Logger
	}
	return slog.Default()
}

// Connect dials the device server. It is a no-op when already connected.
func (mb *Client) Connect(ctx context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.conn != nil {
		return nil
	}
	dialer := net.Dialer{Timeout: mb.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", mb.Address)
	if err != nil {
		return fmt.Errorf("modbus: failed to connect to %s: %w", mb.Address, err)
	}
	mb.conn = conn
	mb.logger().Debug("connected to modbus rtu over tcp slave", "addr", mb.Address)
	return nil
}

// Close closes the connection.
func (mb *Client) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.conn == nil {
		return nil
	}
	err := mb.conn.Close()
	mb.conn = nil
	return err
}

// Send sends a PDU to a slave and returns the response PDU.
func (mb *Client) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	conn, deadline, stop, err := mb.arm(ctx)
	if err != nil {
		return modbus.ProtocolDataUnit{}, err
	}
	defer stop()

	req, err := mb.write(ctx, conn, slaveID, pdu)
	if err != nil {
		return modbus.ProtocolDataUnit{}, err
	}

	// There is no transaction id; late frames of an earlier attempt are
	// skipped by the framer until slave id and function code match.
	respBytes, err := rtuframe.ReadResponse(slaveID, pdu.FunctionCode, conn, deadline)
	if err != nil {
		if err == rtuframe.ErrRequestTimedOut {
			return modbus.ProtocolDataUnit{}, fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		if !transport.IsTimeout(err) {
			mb.drop()
		}
		return modbus.ProtocolDataUnit{}, mb.cause(ctx, err)
	}
	mb.logger().Debug("recv from modbus rtu over tcp slave", "response", hex.EncodeToString(respBytes))

	resp, err := rtu.Decode(respBytes)
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to decode response ADU: %w", err)
	}
	if err := req.Verify(resp); err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("verification failed: %w", err)
	}
	return resp.Pdu, nil
}

// SendOnly writes the request and returns without reading a response.
func (mb *Client) SendOnly(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	conn, _, stop, err := mb.arm(ctx)
	if err != nil {
		return err
	}
	defer stop()

	_, err = mb.write(ctx, conn, slaveID, pdu)
	return err
}

// arm applies the deadline of ctx to the connection and unblocks pending
// I/O when ctx is cancelled. Caller must hold the mutex.
func (mb *Client) arm(ctx context.Context) (net.Conn, time.Time, func() bool, error) {
	conn := mb.conn
	if conn == nil {
		return nil, time.Time{}, nil, transport.ErrNotConnected
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(mb.Timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		mb.drop()
		return nil, time.Time{}, nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	return conn, deadline, stop, nil
}

func (mb *Client) write(ctx context.Context, conn net.Conn, slaveID byte, pdu modbus.ProtocolDataUnit) (*rtu.ApplicationDataUnit, error) {
	adu := &rtu.ApplicationDataUnit{SlaveID: slaveID, Pdu: pdu}
	aduBytes, err := adu.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode ADU: %w", err)
	}

	mb.logger().Debug("send to modbus rtu over tcp slave", "request", hex.EncodeToString(aduBytes))
	if _, err := conn.Write(aduBytes); err != nil {
		if !transport.IsTimeout(err) {
			mb.drop()
		}
		return nil, mb.cause(ctx, err)
	}
	return adu, nil
}

// drop closes a broken connection. Caller must hold the mutex.
func (mb *Client) drop() {
	if mb.conn != nil {
		mb.conn.Close()
		mb.conn = nil
	}
}

func (mb *Client) cause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}
