// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package local

import (
	"context"
	"sync/atomic"

	localslave "github.com/ffutop/modbus-master/internal/local-slave"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
)

// Client is a loopback transport that hands requests straight to an
// in-process slave.
type Client struct {
	slave     *localslave.LocalSlave
	connected atomic.Bool
}

// NewClient creates a Client bound to slave.
func NewClient(slave *localslave.LocalSlave) *Client {
	return &Client{slave: slave}
}

// Connect marks the client as connected.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.connected.Store(true)
	return nil
}

// Close marks the client as disconnected. The slave and its storage belong
// to the caller.
func (c *Client) Close() error {
	c.connected.Store(false)
	return nil
}

// Send processes the PDU locally. A request the slave leaves unanswered
// blocks until ctx is done, like a silent device on the wire.
func (c *Client) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if !c.connected.Load() {
		return modbus.ProtocolDataUnit{}, transport.ErrNotConnected
	}
	resp, err := c.slave.Handle(ctx, slaveID, pdu)
	if err == transport.ErrNoResponse {
		<-ctx.Done()
		return modbus.ProtocolDataUnit{}, ctx.Err()
	}
	return resp, err
}

// SendOnly processes the PDU and discards the answer.
func (c *Client) SendOnly(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) error {
	if !c.connected.Load() {
		return transport.ErrNotConnected
	}
	_, err := c.slave.Handle(ctx, slaveID, pdu)
	if err == transport.ErrNoResponse {
		return nil
	}
	return err
}
