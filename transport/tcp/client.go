// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
)

const (
	tcpTimeout = 10 * time.Second
)

// Client is a Modbus TCP master holding one connection open between
// Connect and Close.
type Client struct {
	Address string
	// Timeout bounds dialing, and an exchange whose context has no deadline.
	Timeout time.Duration
	Logger  *slog.Logger

	transactionID uint32 // Atomic counter

	mu   sync.Mutex
	conn net.Conn
}

// NewClient allocates and initializes a TCP Client.
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

// Connect dials the slave. It is a no-op when already connected.
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
	mb.logger().Debug("connected to modbus tcp slave", "addr", mb.Address)
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

	conn, stop, err := mb.arm(ctx)
	if err != nil {
		return modbus.ProtocolDataUnit{}, err
	}
	defer stop()

	req, err := mb.write(ctx, conn, slaveID, pdu)
	if err != nil {
		return modbus.ProtocolDataUnit{}, err
	}

	// Frames left over from an attempt that timed out carry an older
	// transaction id and are dropped.
	for {
		respBytes, err := readFrame(conn)
		if err != nil {
			if !transport.IsTimeout(err) {
				// The stream can no longer be trusted to be in sync.
				mb.drop()
			}
			return modbus.ProtocolDataUnit{}, mb.cause(ctx, err)
		}
		mb.logger().Debug("recv from modbus tcp slave", "response", hex.EncodeToString(respBytes))

		resp, err := Decode(respBytes)
		if err != nil {
			return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to decode response ADU: %w", err)
		}
		if resp.TransactionID != req.TransactionID {
			mb.logger().Debug("dropping stale response", "tid", resp.TransactionID, "want", req.TransactionID)
			continue
		}
		if err := req.Verify(resp); err != nil {
			return modbus.ProtocolDataUnit{}, fmt.Errorf("verification failed: %w", err)
		}
		return resp.Pdu, nil
	}
}

// SendOnly writes the request and returns without reading a response.
func (mb *Client) SendOnly(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	conn, stop, err := mb.arm(ctx)
	if err != nil {
		return err
	}
	defer stop()

	_, err = mb.write(ctx, conn, slaveID, pdu)
	return err
}

// arm applies the deadline of ctx to the connection and unblocks pending
// I/O when ctx is cancelled. Caller must hold the mutex.
func (mb *Client) arm(ctx context.Context) (net.Conn, func() bool, error) {
	conn := mb.conn
	if conn == nil {
		return nil, nil, transport.ErrNotConnected
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(mb.Timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		mb.drop()
		return nil, nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	return conn, stop, nil
}

func (mb *Client) write(ctx context.Context, conn net.Conn, slaveID byte, pdu modbus.ProtocolDataUnit) (*ApplicationDataUnit, error) {
	tid := uint16(atomic.AddUint32(&mb.transactionID, 1))
	adu := newADU(tid, slaveID, pdu)
	aduBytes, err := adu.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode ADU: %w", err)
	}

	mb.logger().Debug("send to modbus tcp slave", "request", hex.EncodeToString(aduBytes))
	if _, err := conn.Write(aduBytes); err != nil {
		if !transport.IsTimeout(err) {
			mb.drop()
		}
		return nil, mb.cause(ctx, err)
	}
	return adu, nil
}

// drop closes a broken connection so the next Connect dials again.
// Caller must hold the mutex.
func (mb *Client) drop() {
	if mb.conn != nil {
		mb.conn.Close()
		mb.conn = nil
	}
}

// cause prefers a cancellation of ctx over the I/O error it provoked.
func (mb *Client) cause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}

// readFrame reads one MBAP framed ADU.
func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, tcpHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(header[4:]))
	if length < 2 || length > tcpMaxSize-6 {
		return nil, fmt.Errorf("modbus: length in header '%v' must be between '2' and '%v'", length, tcpMaxSize-6)
	}
	frame := make([]byte, 6+length)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[tcpHeaderSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}
