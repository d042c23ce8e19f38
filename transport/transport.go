// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package transport moves PDUs between a master and one remote unit.
// Concrete framings live in the tcp, rtu and local sub packages.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/ffutop/modbus-master/modbus"
)

var (
	// ErrNotConnected is returned by Send before Connect succeeded or after Close.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrNoResponse may be returned by a RequestHandler to leave a request
	// unanswered.
	ErrNoResponse = errors.New("transport: no response")
)

// RequestHandler serves one decoded request on the slave side.
type RequestHandler func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)

// Server accepts requests from a remote master.
type Server interface {
	// Start serves until ctx is done or Close is called. It blocks.
	Start(ctx context.Context, handler RequestHandler) error
	Close() error
}

// Transport is the master side of one link.
type Transport interface {
	// Send sends a PDU to slaveID and returns the response PDU. The
	// exchange is bounded by the deadline of ctx. Exception responses are
	// returned as PDUs, not errors.
	Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)
	// SendOnly writes a request without waiting for a response, used for
	// broadcasts.
	SendOnly(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) error
	Connect(ctx context.Context) error
	Close() error
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsConnectionLost reports whether err means the link is gone and
// retrying on it cannot succeed.
func IsConnectionLost(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotConnected),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	return false
}
