// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package protocol binds a Master to one target device and exposes the
// register operations a front end needs.
package protocol

import (
	"context"

	"github.com/ffutop/modbus-master/internal/master"
	"github.com/ffutop/modbus-master/modbus"
)

// MainServer is the unit address of the controlled device.
const MainServer = 8

// Protocol issues requests to a single server through its Master.
type Protocol struct {
	master *master.Master
	server int
}

// New binds m to MainServer.
func New(m *master.Master) *Protocol {
	return NewWithServer(m, MainServer)
}

// NewWithServer binds m to server and starts connecting.
func NewWithServer(m *master.Master, server int) *Protocol {
	if !m.ConnectDevice(false) {
		m.Logger().Warn("connect device failed", "server", server)
	}
	return &Protocol{master: m, server: server}
}

// Server returns the bound unit address.
func (p *Protocol) Server() int {
	return p.server
}

// ReadCoils reads size coils from start. It returns nil on any failure.
func (p *Protocol) ReadCoils(ctx context.Context, start, size uint16) []uint16 {
	return p.master.ReadData(ctx, modbus.Coils, start, size, p.server)
}

// ReadHoldingRegisters reads size holding registers from start. It returns
// nil on any failure.
func (p *Protocol) ReadHoldingRegisters(ctx context.Context, start, size uint16) []uint16 {
	return p.master.ReadData(ctx, modbus.HoldingRegisters, start, size, p.server)
}

// WriteCoils queues a write of values from start.
func (p *Protocol) WriteCoils(start uint16, values []uint16) bool {
	return p.master.WriteData(modbus.Coils, start, values, p.server)
}

// WriteHoldingRegisters queues a write of values from start.
func (p *Protocol) WriteHoldingRegisters(start uint16, values []uint16) bool {
	return p.master.WriteData(modbus.HoldingRegisters, start, values, p.server)
}
